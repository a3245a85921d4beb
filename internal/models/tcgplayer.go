package models

import "time"

// TCGPlayerGroup is one set/expansion as listed by the tcgcsv.com mirror of
// the TCGPlayer catalog.
type TCGPlayerGroup struct {
	GroupID        int    `json:"groupId"`
	Name           string `json:"name"`
	Abbreviation   string `json:"abbreviation"`
	IsSupplemental bool   `json:"isSupplemental"`
	PublishedOn    string `json:"publishedOn"`
	ModifiedOn     string `json:"modifiedOn"`
	CategoryID     int    `json:"categoryId"`
}

// TCGPlayerExtendedData is a key/value attribute attached to a product
// (card number, rarity, description, ...).
type TCGPlayerExtendedData struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Value       string `json:"value"`
}

// TCGPlayerProduct is one sellable listing within a group.
type TCGPlayerProduct struct {
	ProductID    int                     `json:"productId"`
	Name         string                  `json:"name"`
	CleanName    string                  `json:"cleanName"`
	ImageURL     string                  `json:"imageUrl"`
	CategoryID   int                     `json:"categoryId"`
	GroupID      int                     `json:"groupId"`
	URL          string                  `json:"url"`
	ModifiedOn   string                  `json:"modifiedOn"`
	ImageCount   int                     `json:"imageCount"`
	ExtendedData []TCGPlayerExtendedData `json:"extendedData"`
}

// CardNumber returns the card number from the product's extended data, or ""
// if the product does not carry one.
func (p *TCGPlayerProduct) CardNumber() string {
	for _, ed := range p.ExtendedData {
		if ed.Name == "Number" {
			return ed.Value
		}
	}
	return ""
}

// TCGPlayerPrice is the price summary for one product/printing combination.
type TCGPlayerPrice struct {
	ProductID      int      `json:"productId"`
	LowPrice       *float64 `json:"lowPrice"`
	MidPrice       *float64 `json:"midPrice"`
	HighPrice      *float64 `json:"highPrice"`
	MarketPrice    *float64 `json:"marketPrice"`
	DirectLowPrice *float64 `json:"directLowPrice"`
	SubTypeName    string   `json:"subTypeName"` // "Normal" or "Foil"
}

// CachedProductPrice is the persisted form of a TCGPlayer price lookup so
// repeat matches against the same set do not re-hit the upstream API.
type CachedProductPrice struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	ProductID      int        `json:"product_id" gorm:"uniqueIndex:idx_product_subtype"`
	SubTypeName    string     `json:"sub_type_name" gorm:"uniqueIndex:idx_product_subtype"`
	GroupID        int        `json:"group_id" gorm:"index"`
	CardNumber     string     `json:"card_number" gorm:"index"`
	MarketPrice    float64    `json:"market_price"`
	LowPrice       float64    `json:"low_price"`
	MidPrice       float64    `json:"mid_price"`
	HighPrice      float64    `json:"high_price"`
	PriceUpdatedAt *time.Time `json:"price_updated_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
