package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/models"
)

const (
	tcgcsvDefaultBaseURL = "https://tcgcsv.com/tcgplayer"

	// onePieceCategoryID is the TCGPlayer category for the One Piece Card Game.
	onePieceCategoryID = 68

	tcgplayerRequestTimeout = 15 * time.Second

	// groupCacheTTL bounds how long the group list is reused before
	// re-fetching. Sets are published a few times a year; an hour is plenty.
	groupCacheTTL = time.Hour

	// priceStalenessThreshold is how old a cached price can be before it is
	// refreshed from the upstream API.
	priceStalenessThreshold = 24 * time.Hour
)

// tcgcsvResponse is the envelope every tcgcsv endpoint returns.
type tcgcsvResponse[T any] struct {
	Success    bool     `json:"success"`
	Errors     []string `json:"errors"`
	TotalItems int      `json:"totalItems"`
	Results    []T      `json:"results"`
}

// TCGPlayerService fetches One Piece card groups, products, and prices from
// the tcgcsv.com mirror of the TCGPlayer catalog, and resolves a marketplace
// listing for a matched card. Prices are cached in sqlite so repeat matches
// against the same set don't re-hit the upstream API.
type TCGPlayerService struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	db      *gorm.DB

	// Cached group list; groups change rarely.
	mu            sync.RWMutex
	cachedGroups  []models.TCGPlayerGroup
	groupsFetched time.Time
}

// NewTCGPlayerService creates a TCGPlayer catalog client. db may be nil, in
// which case price caching is disabled and every lookup hits the API.
func NewTCGPlayerService(db *gorm.DB) *TCGPlayerService {
	baseURL := os.Getenv("TCGCSV_BASE_URL")
	if baseURL == "" {
		baseURL = tcgcsvDefaultBaseURL
	}

	return &TCGPlayerService{
		client: &http.Client{
			Timeout: tcgplayerRequestTimeout,
		},
		baseURL: baseURL,
		// tcgcsv asks consumers to stay polite; 5 req/s with small bursts is
		// well under their documented limits.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		db:      db,
	}
}

func (s *TCGPlayerService) getJSON(ctx context.Context, endpoint, url string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, tcgplayerRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.TCGPlayerRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("tcgplayer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.TCGPlayerRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("tcgplayer API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.TCGPlayerRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("failed to decode tcgplayer response: %w", err)
	}

	metrics.TCGPlayerRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// GetGroups fetches all One Piece groups (sets/expansions), reusing a cached
// list while it is fresh.
func (s *TCGPlayerService) GetGroups(ctx context.Context) ([]models.TCGPlayerGroup, error) {
	s.mu.RLock()
	if s.cachedGroups != nil && time.Since(s.groupsFetched) < groupCacheTTL {
		groups := s.cachedGroups
		s.mu.RUnlock()
		return groups, nil
	}
	s.mu.RUnlock()

	url := fmt.Sprintf("%s/%d/groups", s.baseURL, onePieceCategoryID)
	var resp tcgcsvResponse[models.TCGPlayerGroup]
	if err := s.getJSON(ctx, "groups", url, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedGroups = resp.Results
	s.groupsFetched = time.Now()
	s.mu.Unlock()

	return resp.Results, nil
}

// GetProducts fetches all products for a group.
func (s *TCGPlayerService) GetProducts(ctx context.Context, groupID int) ([]models.TCGPlayerProduct, error) {
	url := fmt.Sprintf("%s/%d/%d/products", s.baseURL, onePieceCategoryID, groupID)
	var resp tcgcsvResponse[models.TCGPlayerProduct]
	if err := s.getJSON(ctx, "products", url, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GetPrices fetches all product prices for a group.
func (s *TCGPlayerService) GetPrices(ctx context.Context, groupID int) ([]models.TCGPlayerPrice, error) {
	url := fmt.Sprintf("%s/%d/%d/prices", s.baseURL, onePieceCategoryID, groupID)
	var resp tcgcsvResponse[models.TCGPlayerPrice]
	if err := s.getJSON(ctx, "prices", url, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GetGroupIDByAbbreviation finds the TCGPlayer group whose abbreviation
// matches a pack label like "OP-01" or "ST-14". Returns 0 when no group
// matches.
func (s *TCGPlayerService) GetGroupIDByAbbreviation(ctx context.Context, label string) (int, error) {
	if label == "" {
		return 0, nil
	}
	groups, err := s.GetGroups(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Abbreviation == label {
			return g.GroupID, nil
		}
	}
	return 0, nil
}

// ResolveMatch attaches the marketplace product and price for the matched
// card. Parallel variants share one physical artwork, so the lookup walks
// every pack that contains any variant of the matched card's base ID and
// finds the product whose card number matches it.
func (s *TCGPlayerService) ResolveMatch(ctx context.Context, catalog *CatalogService, match *models.MatchResult) error {
	if match == nil || match.Card == nil {
		return fmt.Errorf("no match to resolve")
	}

	baseID := ExtractBaseID(match.Card.ID)
	packIDs, err := catalog.FindPackIDsByBaseID(baseID)
	if err != nil {
		return fmt.Errorf("failed to find packs for %s: %w", baseID, err)
	}

	for _, packID := range packIDs {
		label := catalog.GetPackLabel(packID)
		if label == "" {
			continue
		}

		groupID, err := s.GetGroupIDByAbbreviation(ctx, label)
		if err != nil {
			log.Printf("Failed to resolve group for pack %s (%s): %v", packID, label, err)
			continue
		}
		if groupID == 0 {
			continue
		}

		product, err := s.findProductByCardNumber(ctx, groupID, baseID)
		if err != nil {
			log.Printf("Failed to find product for %s in group %d: %v", baseID, groupID, err)
			continue
		}
		if product == nil {
			continue
		}

		match.TCGPlayerProductID = product.ProductID
		match.TCGPlayerProduct = product

		price, err := s.getProductPrice(ctx, groupID, product.ProductID, baseID)
		if err != nil {
			log.Printf("Failed to fetch price for product %d: %v", product.ProductID, err)
		} else {
			match.TCGPlayerPrice = price
		}
		return nil
	}

	return fmt.Errorf("no marketplace listing found for %s", baseID)
}

// findProductByCardNumber scans a group's products for one whose extended
// "Number" attribute matches the base card ID.
func (s *TCGPlayerService) findProductByCardNumber(ctx context.Context, groupID int, baseID string) (*models.TCGPlayerProduct, error) {
	products, err := s.GetProducts(ctx, groupID)
	if err != nil {
		return nil, err
	}

	target := normalizeCardID(baseID)
	for i := range products {
		number := products[i].CardNumber()
		if number == "" {
			continue
		}
		if normalizeCardID(ExtractBaseID(number)) == target {
			return &products[i], nil
		}
	}
	return nil, nil
}

// getProductPrice returns the product's price, preferring a fresh cached row
// over an upstream fetch. Fetched prices for the whole group are cached in
// one pass since the upstream API only serves prices per group.
func (s *TCGPlayerService) getProductPrice(ctx context.Context, groupID, productID int, cardNumber string) (*models.TCGPlayerPrice, error) {
	if s.db != nil {
		var cached models.CachedProductPrice
		// Prefer the Normal printing, matching the fresh-fetch path below.
		err := s.db.Where("product_id = ?", productID).
			Order("CASE WHEN sub_type_name = 'Normal' THEN 0 ELSE 1 END, sub_type_name").
			First(&cached).Error
		if err == nil && cached.PriceUpdatedAt != nil &&
			time.Since(*cached.PriceUpdatedAt) < priceStalenessThreshold {
			return cachedToPrice(&cached), nil
		}
	}

	prices, err := s.GetPrices(ctx, groupID)
	if err != nil {
		return nil, err
	}

	s.saveGroupPrices(groupID, cardNumber, prices)

	var found *models.TCGPlayerPrice
	for i := range prices {
		if prices[i].ProductID == productID {
			// Prefer the Normal printing when both exist.
			if found == nil || prices[i].SubTypeName == "Normal" {
				found = &prices[i]
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no price listed for product %d", productID)
	}
	return found, nil
}

// saveGroupPrices upserts a group's prices into the cache table.
func (s *TCGPlayerService) saveGroupPrices(groupID int, cardNumber string, prices []models.TCGPlayerPrice) {
	if s.db == nil || len(prices) == 0 {
		return
	}

	now := time.Now()
	rows := make([]models.CachedProductPrice, 0, len(prices))
	for _, p := range prices {
		rows = append(rows, models.CachedProductPrice{
			ProductID:      p.ProductID,
			SubTypeName:    p.SubTypeName,
			GroupID:        groupID,
			CardNumber:     cardNumber,
			MarketPrice:    deref(p.MarketPrice),
			LowPrice:       deref(p.LowPrice),
			MidPrice:       deref(p.MidPrice),
			HighPrice:      deref(p.HighPrice),
			PriceUpdatedAt: &now,
		})
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}, {Name: "sub_type_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"market_price", "low_price", "mid_price", "high_price", "price_updated_at", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		log.Printf("Failed to cache prices for group %d: %v", groupID, err)
	}
}

func cachedToPrice(c *models.CachedProductPrice) *models.TCGPlayerPrice {
	price := &models.TCGPlayerPrice{
		ProductID:   c.ProductID,
		SubTypeName: c.SubTypeName,
	}
	if c.MarketPrice > 0 {
		price.MarketPrice = &c.MarketPrice
	}
	if c.LowPrice > 0 {
		price.LowPrice = &c.LowPrice
	}
	if c.MidPrice > 0 {
		price.MidPrice = &c.MidPrice
	}
	if c.HighPrice > 0 {
		price.HighPrice = &c.HighPrice
	}
	return price
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
