package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/models"
)

// PackInfo is one entry of packs.json: display metadata for a card set.
type PackInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	TitleParts struct {
		Label string `json:"label"` // e.g. "OP-01", "ST-14"
		Title string `json:"title"`
	} `json:"title_parts"`
	ReleaseDate string `json:"release_date,omitempty"`
}

// embeddingRecord is one line of card_embeddings.jsonl.
type embeddingRecord struct {
	Card      models.CardData `json:"card"`
	Embedding []float32       `json:"embedding"`
}

// CatalogService loads the card catalog from per-pack JSON flat files plus a
// companion JSONL embedding index and holds both in memory for the process
// lifetime. The loaded data is read-only; the mutex only guards the one-shot
// load so concurrent first callers (or a forced reload) converge on a single
// load instead of duplicating work.
type CatalogService struct {
	cardsDir       string
	embeddingsFile string

	mu         sync.RWMutex
	loaded     bool
	cards      []models.CardData
	packs      []PackInfo
	embeddings map[string][]float32 // card ID -> precomputed embedding
}

// NewCatalogService creates a catalog service rooted at dataDir. Data is
// loaded lazily on first access.
func NewCatalogService(cardsDir, embeddingsFile string) *CatalogService {
	if cardsDir == "" {
		cardsDir = "./data/cards_by_pack"
	}
	if embeddingsFile == "" {
		embeddingsFile = "./data/card_embeddings.jsonl"
	}
	return &CatalogService{
		cardsDir:       cardsDir,
		embeddingsFile: embeddingsFile,
	}
}

// ensureLoaded performs the one-shot load under the write lock. A single bad
// pack file or embedding line is skipped and logged; only a completely
// unreadable cards directory is an error.
func (s *CatalogService) ensureLoaded() error {
	s.mu.RLock()
	if s.loaded {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		// Another caller finished the load while we waited
		return nil
	}
	return s.loadLocked()
}

// Reload discards the cached catalog and loads it again from disk.
func (s *CatalogService) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	return s.loadLocked()
}

func (s *CatalogService) loadLocked() error {
	cards, err := s.loadCards()
	if err != nil {
		return err
	}

	packs := s.loadPacks()
	embeddings := s.loadEmbeddings()

	s.cards = cards
	s.packs = packs
	s.embeddings = embeddings
	s.loaded = true

	metrics.CatalogCardsLoaded.Set(float64(len(cards)))
	metrics.CatalogEmbeddingsLoaded.Set(float64(len(embeddings)))
	log.Printf("Catalog loaded: %d cards, %d packs, %d embeddings",
		len(cards), len(packs), len(embeddings))
	return nil
}

func (s *CatalogService) loadCards() ([]models.CardData, error) {
	pattern := filepath.Join(s.cardsDir, "cards_*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list card files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no card files found in %s", s.cardsDir)
	}

	var cards []models.CardData
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Printf("Warning: failed to read card file %s: %v", file, err)
			continue
		}

		var packCards []models.CardData
		if err := json.Unmarshal(data, &packCards); err != nil {
			log.Printf("Warning: failed to parse card file %s: %v", file, err)
			continue
		}

		cards = append(cards, packCards...)
	}

	return cards, nil
}

func (s *CatalogService) loadPacks() []PackInfo {
	packsFile := filepath.Join(s.cardsDir, "packs.json")
	data, err := os.ReadFile(packsFile)
	if err != nil {
		log.Printf("Warning: failed to read packs file %s: %v", packsFile, err)
		return nil
	}

	var packs []PackInfo
	if err := json.Unmarshal(data, &packs); err != nil {
		log.Printf("Warning: failed to parse packs file %s: %v", packsFile, err)
		return nil
	}
	return packs
}

// loadEmbeddings reads the JSONL embedding index. Cards missing from the
// index are simply absent from the returned map, which excludes them from
// pre-filtering without affecting full-catalog scoring.
func (s *CatalogService) loadEmbeddings() map[string][]float32 {
	embeddings := make(map[string][]float32)

	f, err := os.Open(s.embeddingsFile)
	if err != nil {
		log.Printf("Warning: embedding index not available (%v), pre-filter disabled", err)
		return embeddings
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Embedding lines are large (1536 floats); raise the scanner limit.
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var rec embeddingRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Printf("Warning: skipping malformed embedding line %d: %v", lineNo, err)
			continue
		}
		if rec.Card.ID == "" || len(rec.Embedding) == 0 {
			log.Printf("Warning: skipping embedding line %d: missing card id or vector", lineNo)
			continue
		}
		embeddings[rec.Card.ID] = rec.Embedding
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Warning: error reading embedding index: %v", err)
	}

	return embeddings
}

// GetAllCards returns every card in the catalog. The returned slice must be
// treated as read-only.
func (s *CatalogService) GetAllCards() ([]models.CardData, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cards, nil
}

// GetEmbeddings returns the precomputed embedding index keyed by card ID.
func (s *CatalogService) GetEmbeddings() (map[string][]float32, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddings, nil
}

// GetCardCount returns the number of loaded cards, loading on first use.
func (s *CatalogService) GetCardCount() int {
	cards, err := s.GetAllCards()
	if err != nil {
		return 0
	}
	return len(cards)
}

// GetPackCount returns the number of loaded packs.
func (s *CatalogService) GetPackCount() int {
	if err := s.ensureLoaded(); err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.packs)
}

// GetPackInfoByID returns pack metadata for a pack ID, or nil if unknown.
func (s *CatalogService) GetPackInfoByID(packID string) *PackInfo {
	if err := s.ensureLoaded(); err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.packs {
		if s.packs[i].ID == packID {
			return &s.packs[i]
		}
	}
	return nil
}

// GetPackLabel returns the printed set label for a pack (e.g. "OP-01"), or ""
// if the pack is unknown.
func (s *CatalogService) GetPackLabel(packID string) string {
	pack := s.GetPackInfoByID(packID)
	if pack == nil {
		return ""
	}
	return pack.TitleParts.Label
}

// ExtractBaseID strips a parallel-variant suffix ("_p1", "_p2", ...) from a
// card ID. Cards sharing a base ID are the same physical artwork in
// different print runs.
func ExtractBaseID(cardID string) string {
	if idx := strings.Index(cardID, "_p"); idx >= 0 {
		return cardID[:idx]
	}
	return cardID
}

// normalizeCardID uppercases an ID and strips separators so formatting
// differences between the recognizer and the catalog don't matter.
func normalizeCardID(cardID string) string {
	id := strings.ToUpper(cardID)
	id = strings.ReplaceAll(id, "-", "")
	id = strings.ReplaceAll(id, "_", "")
	return id
}

// FindCardsByBaseID returns every catalog card sharing the given base ID,
// i.e. all parallel print variants of the same physical card.
func (s *CatalogService) FindCardsByBaseID(baseID string) ([]*models.CardData, error) {
	cards, err := s.GetAllCards()
	if err != nil {
		return nil, err
	}

	target := normalizeCardID(ExtractBaseID(baseID))
	var matches []*models.CardData
	for i := range cards {
		if normalizeCardID(ExtractBaseID(cards[i].ID)) == target {
			matches = append(matches, &cards[i])
		}
	}
	return matches, nil
}

// FindPackIDsByBaseID returns the unique pack IDs that contain any variant of
// the given base card ID. Used to resolve marketplace groups across parallel
// printings.
func (s *CatalogService) FindPackIDsByBaseID(baseID string) ([]string, error) {
	cards, err := s.FindCardsByBaseID(baseID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var packIDs []string
	for _, card := range cards {
		if card.PackID != "" && !seen[card.PackID] {
			seen[card.PackID] = true
			packIDs = append(packIDs, card.PackID)
		}
	}
	return packIDs, nil
}
