package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/models"
)

const (
	// idSimilarityThreshold gates fuzzy ID credit: IDs are specific, so a
	// near-miss has to be very close before it counts.
	idSimilarityThreshold = 0.7

	// nameSimilarityThreshold gates fuzzy name credit.
	nameSimilarityThreshold = 0.6

	// counterTolerance is the maximum counter difference that still earns
	// partial credit. Counter values come in 1000 steps.
	counterTolerance = 1000

	// DefaultImageWeight is how much the visual score counts in the combined
	// blend: more than any single field, less than the full metadata signal.
	// Empirically tuned.
	DefaultImageWeight = 8.0
)

// FieldWeights assigns a relative importance to each recognizable card field.
// All weights must be non-negative; a zero weight removes the field from
// scoring entirely.
type FieldWeights struct {
	Name     float64 `json:"name"`
	ID       float64 `json:"id"`
	Cost     float64 `json:"cost"`
	Color    float64 `json:"color"`
	Counter  float64 `json:"counter"`
	Category float64 `json:"category"`
	Rarity   float64 `json:"rarity"`
}

// DefaultFieldWeights returns the tuned production weights. Name and ID
// dominate because they are the most discriminating fields the recognizer
// can read.
func DefaultFieldWeights() FieldWeights {
	return FieldWeights{
		Name:     9.0,
		ID:       7.0,
		Cost:     5.0,
		Color:    3.0,
		Counter:  3.0,
		Category: 2.0,
		Rarity:   2.0,
	}
}

// Sum returns the total configured weight, used to normalize scores to [0,1].
func (w FieldWeights) Sum() float64 {
	return w.Name + w.ID + w.Cost + w.Color + w.Counter + w.Category + w.Rarity
}

// Validate rejects negative weights and all-zero configurations.
func (w FieldWeights) Validate() error {
	for _, v := range []float64{w.Name, w.ID, w.Cost, w.Color, w.Counter, w.Category, w.Rarity} {
		if v < 0 {
			return fmt.Errorf("field weights must be non-negative")
		}
	}
	if w.Sum() == 0 {
		return fmt.Errorf("at least one field weight must be positive")
	}
	return nil
}

// MatchOptions controls one FindBestMatches call.
type MatchOptions struct {
	NumResults          int     // maximum results to return
	MinScore            float64 // discard candidates scoring below this
	ImageRescoringCount int     // how many top candidates get visual rescoring
	PreFilterTopK       int     // candidate pool size from the embedding pre-filter
}

// DefaultMatchOptions returns the production defaults.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		NumResults:          5,
		MinScore:            0.3,
		ImageRescoringCount: 3,
		PreFilterTopK:       50,
	}
}

// Matcher ranks the card catalog against recognized card info using a
// coarse-to-fine pipeline: an optional embedding pre-filter narrows the
// catalog, weighted field scoring ranks the survivors, and the expensive
// visual comparison re-scores only a small top window.
type Matcher struct {
	catalog      *CatalogService
	embedding    *EmbeddingService   // optional; nil disables the pre-filter
	imageCompare *ImageCompareService
	weights      FieldWeights
	imageWeight  float64
}

// NewMatcher creates a matcher over the given catalog. embedding may be nil
// when no embedding provider is configured; the matcher then always scores
// the full catalog.
func NewMatcher(catalog *CatalogService, embedding *EmbeddingService, imageCompare *ImageCompareService, weights FieldWeights, imageWeight float64) (*Matcher, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if imageWeight <= 0 {
		imageWeight = DefaultImageWeight
	}
	return &Matcher{
		catalog:      catalog,
		embedding:    embedding,
		imageCompare: imageCompare,
		weights:      weights,
		imageWeight:  imageWeight,
	}, nil
}

// WithWeights returns a copy of the matcher using different field weights,
// for per-request weight overrides.
func (m *Matcher) WithWeights(weights FieldWeights) (*Matcher, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	clone := *m
	clone.weights = weights
	return &clone, nil
}

// availableWeight sums the weights of fields the recognizer actually read.
// Normalizing by this instead of the full weight sum keeps a perfect match
// on every readable field at 1.0: recognition gaps are not the catalog
// card's fault.
func (m *Matcher) availableWeight(info *models.CardInfo) float64 {
	w := 0.0
	if info.CardNumber != "" {
		w += m.weights.ID
	}
	if info.Cost != nil {
		w += m.weights.Cost
	}
	if info.Name != "" {
		w += m.weights.Name
	}
	if len(info.Colors) > 0 {
		w += m.weights.Color
	}
	if info.Counter != nil {
		w += m.weights.Counter
	}
	if info.Type != "" {
		w += m.weights.Category
	}
	if info.Rarity != "" {
		w += m.weights.Rarity
	}
	return w
}

// MetadataScore computes the weighted field similarity between recognized
// card info and one catalog card, normalized to [0,1] by the total weight of
// the fields present in the recognized info. A field missing on either side
// contributes zero credit; info with no readable fields scores zero.
func (m *Matcher) MetadataScore(info *models.CardInfo, card *models.CardData) float64 {
	maxPossible := m.availableWeight(info)
	if maxPossible == 0 {
		return 0.0
	}

	score := 0.0

	// ID / card number. Base IDs are compared first so parallel variants of
	// the same card get full credit.
	if info.CardNumber != "" && card.ID != "" {
		infoBase := normalizeCardID(ExtractBaseID(info.CardNumber))
		cardBase := normalizeCardID(ExtractBaseID(card.ID))

		if infoBase == cardBase {
			score += m.weights.ID
		} else {
			infoID := normalizeCardID(info.CardNumber)
			cardID := normalizeCardID(card.ID)
			if infoID == cardID {
				score += m.weights.ID
			} else if sim := editSimilarity(infoID, cardID); sim >= idSimilarityThreshold {
				score += m.weights.ID * sim
			}
		}
	}

	// Cost: exact equality only.
	if info.Cost != nil && card.Cost != nil && *info.Cost == *card.Cost {
		score += m.weights.Cost
	}

	// Name: normalized exact match, then gated edit-distance similarity.
	if info.Name != "" && card.Name != "" {
		infoName := normalizeName(info.Name)
		cardName := normalizeName(card.Name)

		if infoName == cardName {
			score += m.weights.Name
		} else if sim := editSimilarity(infoName, cardName); sim >= nameSimilarityThreshold {
			score += m.weights.Name * sim
		}
	}

	// Colors: any exact overlap wins full weight, partial overlap 90%.
	if len(info.Colors) > 0 && len(card.Colors) > 0 {
		infoColors := lowerSet(info.Colors)
		cardColors := lowerSet(card.Colors)

		if anyOverlap(infoColors, cardColors) {
			score += m.weights.Color
		} else if anyPartialOverlap(infoColors, cardColors) {
			score += m.weights.Color * 0.9
		}
	}

	// Counter: exact match, or scaled credit within tolerance.
	if info.Counter != nil && card.Counter != nil {
		if *info.Counter == *card.Counter {
			score += m.weights.Counter
		} else {
			diff := *info.Counter - *card.Counter
			if diff < 0 {
				diff = -diff
			}
			if diff <= counterTolerance {
				score += m.weights.Counter * (1.0 - float64(diff)/2000.0)
			}
		}
	}

	// Category.
	if info.Type != "" && card.Category != "" &&
		strings.EqualFold(info.Type, card.Category) {
		score += m.weights.Category
	}

	// Rarity: the recognizer sometimes drops internal spaces ("SuperRare").
	if info.Rarity != "" && card.Rarity != "" {
		infoRarity := strings.ReplaceAll(strings.ToLower(info.Rarity), " ", "")
		cardRarity := strings.ReplaceAll(strings.ToLower(card.Rarity), " ", "")
		if infoRarity == cardRarity {
			score += m.weights.Rarity
		}
	}

	return score / maxPossible
}

// combinedScore blends the metadata score with a visual similarity score.
// The metadata side carries the full field-weight mass; the image weight is
// only added to the denominator when a usable visual score was obtained, so
// a failed comparison cannot drag down a good metadata match.
func (m *Matcher) combinedScore(metadataScore, imageScore float64) float64 {
	metadataWeight := m.weights.Sum()
	totalWeight := metadataWeight
	if imageScore > 0 {
		totalWeight += m.imageWeight
	}
	return (metadataScore*metadataWeight + imageScore*m.imageWeight) / totalWeight
}

// FindBestMatches ranks the catalog against the recognized card info and
// returns up to opts.NumResults matches in descending score order. An empty
// result means no catalog card cleared opts.MinScore; it is not an error.
func (m *Matcher) FindBestMatches(ctx context.Context, info *models.CardInfo, opts MatchOptions) ([]models.MatchResult, error) {
	start := time.Now()
	defer func() {
		metrics.MatchDuration.Observe(time.Since(start).Seconds())
	}()

	if opts.NumResults <= 0 {
		opts.NumResults = 1
	}

	// Nothing readable and no photo means nothing to rank against.
	if info.IsEmpty() && info.ImagePath == "" {
		metrics.MatchRequestsTotal.WithLabelValues("no_match").Inc()
		return nil, nil
	}

	candidates, err := m.candidateCards(ctx, info, opts)
	if err != nil {
		return nil, err
	}
	metrics.MatchCandidatesScored.Observe(float64(len(candidates)))

	// Phase one: metadata-only scoring over the candidate pool.
	preliminary := make([]models.MatchResult, 0, 16)
	for i := range candidates {
		score := m.MetadataScore(info, candidates[i])
		if score >= opts.MinScore {
			preliminary = append(preliminary, models.MatchResult{Card: candidates[i], Score: score})
		}
	}

	// Stable sort keeps equal-score ties in catalog order so results are
	// reproducible.
	sort.SliceStable(preliminary, func(i, j int) bool {
		return preliminary[i].Score > preliminary[j].Score
	})

	// Phase two: visual rescoring of the top few candidates, only when the
	// request carries a photo. Comparisons are independent pure computations
	// and run concurrently; the merge waits for the whole batch.
	if info.ImagePath != "" && m.imageCompare != nil && opts.ImageRescoringCount > 0 {
		top := opts.ImageRescoringCount
		if top > len(preliminary) {
			top = len(preliminary)
		}

		var wg sync.WaitGroup
		for i := 0; i < top; i++ {
			wg.Add(1)
			go func(res *models.MatchResult) {
				defer wg.Done()
				imageScore := m.imageCompare.ImageSimilarity(ctx,
					ImageRef{Path: info.ImagePath},
					ImageRef{URL: res.Card.ImgFullURL},
				)
				res.Score = m.combinedScore(res.Score, imageScore)
			}(&preliminary[i])
		}
		wg.Wait()

		sort.SliceStable(preliminary, func(i, j int) bool {
			return preliminary[i].Score > preliminary[j].Score
		})
	}

	if len(preliminary) > opts.NumResults {
		preliminary = preliminary[:opts.NumResults]
	}

	if len(preliminary) == 0 {
		metrics.MatchRequestsTotal.WithLabelValues("no_match").Inc()
	} else {
		metrics.MatchRequestsTotal.WithLabelValues("matched").Inc()
	}

	return preliminary, nil
}

// FindBestMatch returns the single best match, or nil when the catalog holds
// nothing resembling the recognized card.
func (m *Matcher) FindBestMatch(ctx context.Context, info *models.CardInfo) (*models.MatchResult, error) {
	opts := DefaultMatchOptions()
	opts.NumResults = 1
	opts.MinScore = 0.0

	matches, err := m.FindBestMatches(ctx, info, opts)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// candidateCards selects the scoring pool: the embedding pre-filter's top-K
// when it is available and produces candidates that exist in the catalog,
// otherwise the full catalog. The pre-filter is a recall booster only, so
// every failure path widens back to the full catalog.
func (m *Matcher) candidateCards(ctx context.Context, info *models.CardInfo, opts MatchOptions) ([]*models.CardData, error) {
	cards, err := m.catalog.GetAllCards()
	if err != nil {
		return nil, err
	}

	full := make([]*models.CardData, len(cards))
	for i := range cards {
		full[i] = &cards[i]
	}

	if m.embedding == nil || info.IsEmpty() || opts.PreFilterTopK <= 0 {
		return full, nil
	}

	ids, err := m.embedding.PreFilter(ctx, info, opts.PreFilterTopK)
	if err != nil {
		log.Printf("Embedding pre-filter unavailable, scoring full catalog: %v", err)
		metrics.PreFilterFallbacksTotal.Inc()
		return full, nil
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	// Preserve catalog order within the filtered pool so stable sorting
	// stays deterministic.
	filtered := make([]*models.CardData, 0, len(ids))
	for i := range full {
		if wanted[full[i].ID] {
			filtered = append(filtered, full[i])
		}
	}

	if len(filtered) == 0 {
		log.Printf("Embedding pre-filter returned no catalog overlap, scoring full catalog")
		metrics.PreFilterFallbacksTotal.Inc()
		return full, nil
	}

	return filtered, nil
}

// editSimilarity converts rune-level Levenshtein distance into a similarity
// ratio in [0,1].
func editSimilarity(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 0.0
	}
	return 1.0 - float64(levenshteinDistance(ra, rb))/float64(maxLen)
}

// levenshteinDistance calculates the edit distance between two rune slices
func levenshteinDistance(s1, s2 []rune) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	// Create matrix
	matrix := make([][]int, len(s1)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(s2)+1)
		matrix[i][0] = i
	}
	for j := 0; j <= len(s2); j++ {
		matrix[0][j] = j
	}

	// Fill in the matrix
	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(s1)][len(s2)]
}

// normalizeName lowercases and strips periods and spaces so "Monkey.D.Luffy"
// and "Monkey D Luffy" compare equal.
func normalizeName(name string) string {
	n := strings.ToLower(name)
	n = strings.ReplaceAll(n, ".", "")
	n = strings.ReplaceAll(n, " ", "")
	return n
}

func lowerSet(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

// anyOverlap reports whether the two lowercase sets share any element.
func anyOverlap(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	for _, v := range a {
		if set[v] {
			return true
		}
	}
	return false
}

// anyPartialOverlap reports whether any element of a appears as a substring
// of an element of b or vice versa, catching recognizer output like
// "dark blue" against catalog "Blue".
func anyPartialOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == "" || y == "" {
				continue
			}
			if strings.Contains(x, y) || strings.Contains(y, x) {
				return true
			}
		}
	}
	return false
}
