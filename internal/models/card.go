package models

// CardCategory is the broad card type printed on a One Piece card.
type CardCategory string

const (
	CategoryCharacter CardCategory = "Character"
	CategoryLeader    CardCategory = "Leader"
	CategoryEvent     CardCategory = "Event"
	CategoryStage     CardCategory = "Stage"
)

// CardInfo holds the fields recovered from a user-submitted photo by the
// vision extraction step. Every field is optional: recognition regularly
// fails to read some (or all) of them, and the matcher treats a missing
// field as a zero-score contribution rather than an error.
type CardInfo struct {
	Name       string   `json:"name,omitempty"`
	Type       string   `json:"type,omitempty"` // Character, Leader, Event, Stage
	Cost       *int     `json:"cost,omitempty"`
	Rarity     string   `json:"rarity,omitempty"`
	Colors     []string `json:"colors,omitempty"`
	Counter    *int     `json:"counter,omitempty"`
	Trait      string   `json:"trait,omitempty"`
	CardNumber string   `json:"card_number,omitempty"` // e.g. "OP01-001" or "OP01-001_p1"

	// ImagePath is attached by the upload handler after the scan is stored
	// to disk so the matcher can re-score top candidates visually.
	ImagePath string `json:"-"`
}

// IsEmpty reports whether recognition produced no usable signal at all.
func (c *CardInfo) IsEmpty() bool {
	return c.Name == "" && c.Type == "" && c.Cost == nil && c.Rarity == "" &&
		len(c.Colors) == 0 && c.Counter == nil && c.Trait == "" && c.CardNumber == ""
}

// CardData is one row of the reference catalog, loaded from the per-pack
// JSON files. Immutable after load.
type CardData struct {
	ID         string   `json:"id"`
	PackID     string   `json:"pack_id"`
	Name       string   `json:"name"`
	Rarity     string   `json:"rarity"`
	Category   string   `json:"category"`
	ImgURL     string   `json:"img_url"`
	ImgFullURL string   `json:"img_full_url"`
	Colors     []string `json:"colors"`
	Cost       *int     `json:"cost,omitempty"`
	Attributes []string `json:"attributes"`
	Power      *int     `json:"power,omitempty"`
	Counter    *int     `json:"counter,omitempty"`
	Types      []string `json:"types"`
	Effect     string   `json:"effect"`
	Trigger    string   `json:"trigger,omitempty"`
}

// MatchResult pairs a catalog card with its similarity score for one query.
// The TCGPlayer fields are an attachment point for the marketplace resolution
// step; the matcher itself never populates them.
type MatchResult struct {
	Card  *CardData `json:"card"`
	Score float64   `json:"score"`

	TCGPlayerProductID int               `json:"tcgplayer_product_id,omitempty"`
	TCGPlayerProduct   *TCGPlayerProduct `json:"tcgplayer_product,omitempty"`
	TCGPlayerPrice     *TCGPlayerPrice   `json:"tcgplayer_price,omitempty"`
}
