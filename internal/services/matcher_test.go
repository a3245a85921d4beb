package services

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tcgwallet/backend/internal/models"
)

func newTestMatcher(t *testing.T, cards []models.CardData) *Matcher {
	t.Helper()
	catalog := writeTestCatalog(t, cards)
	matcher, err := NewMatcher(catalog, nil, nil, DefaultFieldWeights(), DefaultImageWeight)
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}
	return matcher
}

func TestFieldWeights_Validate(t *testing.T) {
	tests := []struct {
		name    string
		weights FieldWeights
		wantErr bool
	}{
		{"defaults are valid", DefaultFieldWeights(), false},
		{"single positive weight is valid", FieldWeights{Name: 1}, false},
		{"negative weight rejected", FieldWeights{Name: 9, Cost: -1}, true},
		{"all zero rejected", FieldWeights{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatcher_MetadataScore_Range(t *testing.T) {
	matcher := newTestMatcher(t, []models.CardData{{ID: "OP01-001"}})

	card := &models.CardData{
		ID:       "OP01-001",
		Name:     "Roronoa Zoro",
		Category: "Character",
		Rarity:   "Super Rare",
		Colors:   []string{"Green"},
		Cost:     intPtr(3),
		Counter:  intPtr(1000),
	}

	infos := []*models.CardInfo{
		{},
		{Name: "Roronoa Zoro"},
		{Name: "Zoro", CardNumber: "OP01-001"},
		{Name: "completely different", CardNumber: "XX99-999", Cost: intPtr(9), Rarity: "Common"},
		{Name: "Roronoa Zoro", Type: "Character", Cost: intPtr(3), Rarity: "Super Rare",
			Colors: []string{"Green"}, Counter: intPtr(1000), CardNumber: "OP01-001"},
	}

	for _, info := range infos {
		score := matcher.MetadataScore(info, card)
		if score < 0 || score > 1 {
			t.Errorf("MetadataScore(%+v) = %v, want within [0,1]", info, score)
		}
	}

	// A perfect match on every readable field scores 1.0.
	full := infos[len(infos)-1]
	if score := matcher.MetadataScore(full, card); math.Abs(score-1.0) > 1e-9 {
		t.Errorf("perfect match score = %v, want 1.0", score)
	}
}

func TestMatcher_MetadataScore_AllMissing(t *testing.T) {
	matcher := newTestMatcher(t, []models.CardData{{ID: "OP01-001"}})

	if score := matcher.MetadataScore(&models.CardInfo{}, &models.CardData{ID: "OP01-001", Name: "Zoro"}); score != 0 {
		t.Errorf("empty info score = %v, want 0", score)
	}
	if score := matcher.MetadataScore(&models.CardInfo{Name: "Zoro", Cost: intPtr(3)}, &models.CardData{}); score != 0 {
		t.Errorf("empty card score = %v, want 0", score)
	}
}

func TestMatcher_MetadataScore_IDNormalization(t *testing.T) {
	matcher := newTestMatcher(t, []models.CardData{{ID: "OP01-001"}})
	card := &models.CardData{ID: "OP01-001"}

	variants := []string{"OP01-001", "op01001", "OP01_001", "op01-001"}
	base := matcher.MetadataScore(&models.CardInfo{CardNumber: variants[0]}, card)
	if base == 0 {
		t.Fatal("expected non-zero score for matching id")
	}
	for _, v := range variants[1:] {
		if score := matcher.MetadataScore(&models.CardInfo{CardNumber: v}, card); score != base {
			t.Errorf("MetadataScore with id %q = %v, want %v", v, score, base)
		}
	}
}

func TestMatcher_MetadataScore_VariantSuffix(t *testing.T) {
	matcher := newTestMatcher(t, []models.CardData{{ID: "OP01-001"}})
	card := &models.CardData{ID: "OP01-001"}

	plain := matcher.MetadataScore(&models.CardInfo{CardNumber: "OP01-001"}, card)
	parallel := matcher.MetadataScore(&models.CardInfo{CardNumber: "OP01-001_p1"}, card)

	if plain != parallel {
		t.Errorf("variant suffix changed score: plain=%v parallel=%v", plain, parallel)
	}
	if plain != 1.0 {
		t.Errorf("id-only match = %v, want full credit 1.0", plain)
	}
}

func TestMatcher_MetadataScore_Fields(t *testing.T) {
	matcher := newTestMatcher(t, []models.CardData{{ID: "OP01-001"}})

	tests := []struct {
		name string
		info models.CardInfo
		card models.CardData
		want float64
	}{
		{
			name: "cost exact match",
			info: models.CardInfo{Cost: intPtr(5)},
			card: models.CardData{Cost: intPtr(5)},
			want: 1.0,
		},
		{
			name: "cost mismatch gets nothing",
			info: models.CardInfo{Cost: intPtr(5)},
			card: models.CardData{Cost: intPtr(4)},
			want: 0.0,
		},
		{
			name: "name normalization ignores periods and spaces",
			info: models.CardInfo{Name: "monkey d luffy"},
			card: models.CardData{Name: "Monkey.D.Luffy"},
			want: 1.0,
		},
		{
			name: "dissimilar name below threshold gets nothing",
			info: models.CardInfo{Name: "Nami"},
			card: models.CardData{Name: "Roronoa Zoro"},
			want: 0.0,
		},
		{
			name: "color exact overlap",
			info: models.CardInfo{Colors: []string{"red"}},
			card: models.CardData{Colors: []string{"Red", "Green"}},
			want: 1.0,
		},
		{
			name: "color partial overlap gets 90%",
			info: models.CardInfo{Colors: []string{"dark blue"}},
			card: models.CardData{Colors: []string{"Blue"}},
			want: 0.9,
		},
		{
			name: "color disjoint gets nothing",
			info: models.CardInfo{Colors: []string{"Red"}},
			card: models.CardData{Colors: []string{"Green"}},
			want: 0.0,
		},
		{
			name: "counter exact match",
			info: models.CardInfo{Counter: intPtr(1000)},
			card: models.CardData{Counter: intPtr(1000)},
			want: 1.0,
		},
		{
			name: "counter within tolerance scaled",
			info: models.CardInfo{Counter: intPtr(1000)},
			card: models.CardData{Counter: intPtr(2000)},
			want: 0.5, // 1 - 1000/2000
		},
		{
			name: "counter outside tolerance gets nothing",
			info: models.CardInfo{Counter: intPtr(1000)},
			card: models.CardData{Counter: intPtr(3000)},
			want: 0.0,
		},
		{
			name: "category case-insensitive",
			info: models.CardInfo{Type: "character"},
			card: models.CardData{Category: "Character"},
			want: 1.0,
		},
		{
			name: "rarity ignores internal spaces",
			info: models.CardInfo{Rarity: "SuperRare"},
			card: models.CardData{Rarity: "Super Rare"},
			want: 1.0,
		},
		{
			name: "rarity mismatch gets nothing",
			info: models.CardInfo{Rarity: "Common"},
			card: models.CardData{Rarity: "Super Rare"},
			want: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matcher.MetadataScore(&tt.info, &tt.card)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("MetadataScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEditSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abc", "abc", 1.0},
		{"abc", "abd", 1.0 - 1.0/3.0},
		{"", "", 0.0},
		{"abc", "", 0.0},
		// Unicode code points count as single edits.
		{"ルフィ", "ルフィ", 1.0},
		{"ルフィ", "ルフト", 1.0 - 1.0/3.0},
	}
	for _, tt := range tests {
		if got := editSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("editSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMatcher_CombinedScore(t *testing.T) {
	matcher := newTestMatcher(t, []models.CardData{{ID: "OP01-001"}})

	// A failed visual comparison must not drag down the metadata score.
	if got := matcher.combinedScore(0.9, 0.0); got != 0.9 {
		t.Errorf("combinedScore(0.9, 0) = %v, want 0.9", got)
	}

	// With a visual score, the blend is weighted by field-weight sum vs
	// image weight.
	metadataWeight := DefaultFieldWeights().Sum()
	want := (0.9*metadataWeight + 0.8*DefaultImageWeight) / (metadataWeight + DefaultImageWeight)
	if got := matcher.combinedScore(0.9, 0.8); math.Abs(got-want) > 1e-9 {
		t.Errorf("combinedScore(0.9, 0.8) = %v, want %v", got, want)
	}
}

func luffyTestCatalog() []models.CardData {
	return []models.CardData{
		{ID: "ST14-001", PackID: "pack-st14", Name: "Monkey D. Luffy", Category: "Character",
			Cost: intPtr(5), Colors: []string{"Black"}, Rarity: "Super Rare"},
		{ID: "OP01-003", PackID: "pack-op01", Name: "Roronoa Zoro", Category: "Character",
			Cost: intPtr(3), Colors: []string{"Green"}, Rarity: "Rare"},
		{ID: "OP02-049", PackID: "pack-op02", Name: "Trafalgar Law", Category: "Character",
			Cost: intPtr(2), Colors: []string{"Red"}, Rarity: "Rare"},
	}
}

func TestMatcher_FindBestMatches_LuffyScenario(t *testing.T) {
	matcher := newTestMatcher(t, luffyTestCatalog())

	info := &models.CardInfo{
		Name:       "Monkey D. Luffy",
		CardNumber: "ST14-001",
		Cost:       intPtr(5),
	}

	matches, err := matcher.FindBestMatches(context.Background(), info, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}

	if len(matches) != 1 {
		t.Fatalf("expected exactly 1 match above min score, got %d", len(matches))
	}
	if matches[0].Card.ID != "ST14-001" {
		t.Errorf("best match = %s, want ST14-001", matches[0].Card.ID)
	}
	if matches[0].Score <= 0.8 {
		t.Errorf("best match score = %v, want > 0.8", matches[0].Score)
	}
}

func TestMatcher_FindBestMatches_EmptyInfo(t *testing.T) {
	matcher := newTestMatcher(t, luffyTestCatalog())

	matches, err := matcher.FindBestMatches(context.Background(), &models.CardInfo{}, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected empty result for empty info, got %d matches", len(matches))
	}
}

func TestMatcher_FindBestMatches_SortedAndBounded(t *testing.T) {
	cards := []models.CardData{
		{ID: "OP01-001", Name: "Roronoa Zoro", Cost: intPtr(3)},
		{ID: "OP01-002", Name: "Roronoa Zoro", Cost: intPtr(4)},
		{ID: "OP01-003", Name: "Roronoa Zoro Ten Swords", Cost: intPtr(3)},
		{ID: "OP01-004", Name: "Nami", Cost: intPtr(1)},
		{ID: "OP01-005", Name: "Roronoa Zoro", Cost: intPtr(3)},
	}
	matcher := newTestMatcher(t, cards)

	opts := DefaultMatchOptions()
	opts.NumResults = 3
	opts.MinScore = 0.3

	info := &models.CardInfo{Name: "Roronoa Zoro", Cost: intPtr(3)}
	matches, err := matcher.FindBestMatches(context.Background(), info, opts)
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}

	if len(matches) > opts.NumResults {
		t.Errorf("got %d matches, want at most %d", len(matches), opts.NumResults)
	}
	for i, m := range matches {
		if m.Score < opts.MinScore {
			t.Errorf("match %d score %v below min score %v", i, m.Score, opts.MinScore)
		}
		if i > 0 && matches[i-1].Score < m.Score {
			t.Errorf("matches not sorted descending at index %d: %v < %v", i, matches[i-1].Score, m.Score)
		}
	}
}

func TestMatcher_FindBestMatches_StableTies(t *testing.T) {
	// OP01-001 and OP01-005 score identically; catalog order must win.
	cards := []models.CardData{
		{ID: "OP01-001", Name: "Roronoa Zoro", Cost: intPtr(3)},
		{ID: "OP01-004", Name: "Nami", Cost: intPtr(1)},
		{ID: "OP01-005", Name: "Roronoa Zoro", Cost: intPtr(3)},
	}
	matcher := newTestMatcher(t, cards)

	info := &models.CardInfo{Name: "Roronoa Zoro", Cost: intPtr(3)}
	matches, err := matcher.FindBestMatches(context.Background(), info, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("expected 2 tied matches, got %d", len(matches))
	}
	if matches[0].Card.ID != "OP01-001" || matches[1].Card.ID != "OP01-005" {
		t.Errorf("tie order = %s, %s; want OP01-001, OP01-005",
			matches[0].Card.ID, matches[1].Card.ID)
	}
	if matches[0].Score != matches[1].Score {
		t.Errorf("expected tied scores, got %v and %v", matches[0].Score, matches[1].Score)
	}
}

func TestMatcher_FindBestMatches_FailedVisualKeepsMetadataScore(t *testing.T) {
	catalog := writeTestCatalog(t, luffyTestCatalog())
	matcher, err := NewMatcher(catalog, nil, NewImageCompareService(), DefaultFieldWeights(), DefaultImageWeight)
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}

	info := &models.CardInfo{
		Name:       "Monkey D. Luffy",
		CardNumber: "ST14-001",
		Cost:       intPtr(5),
	}

	baseline, err := matcher.FindBestMatches(context.Background(), info, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}

	// The photo path doesn't exist and the catalog entries carry no image
	// URLs, so every visual comparison fails and scores zero. The failed
	// comparison must leave the metadata score untouched.
	info.ImagePath = "/nonexistent/scan.jpg"
	rescored, err := matcher.FindBestMatches(context.Background(), info, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() with photo error = %v", err)
	}

	if len(baseline) != len(rescored) {
		t.Fatalf("result count changed: %d vs %d", len(baseline), len(rescored))
	}
	for i := range baseline {
		if baseline[i].Score != rescored[i].Score {
			t.Errorf("match %d score changed after failed visual rescoring: %v vs %v",
				i, baseline[i].Score, rescored[i].Score)
		}
	}
}

// writeCatalogWithEmbeddings writes cards plus a raw embedding index so
// matcher tests can exercise the pre-filtered path end to end.
func writeCatalogWithEmbeddings(t *testing.T, cards []models.CardData, embeddingLines string) *CatalogService {
	t.Helper()

	dir := t.TempDir()
	data, err := json.Marshal(cards)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cards_test.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	embFile := filepath.Join(dir, "card_embeddings.jsonl")
	if err := os.WriteFile(embFile, []byte(embeddingLines), 0644); err != nil {
		t.Fatal(err)
	}

	return NewCatalogService(dir, embFile)
}

func TestMatcher_FindBestMatches_PreFilterFailureWidensToCatalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()
	t.Setenv("OPENAI_BASE_URL", server.URL+"/v1")

	embLines := `{"card": {"id": "ST14-001"}, "embedding": [1, 0, 0]}
{"card": {"id": "OP01-003"}, "embedding": [0, 1, 0]}
`
	catalog := writeCatalogWithEmbeddings(t, luffyTestCatalog(), embLines)
	embedding := NewEmbeddingService("test-key", catalog)
	matcher, err := NewMatcher(catalog, embedding, nil, DefaultFieldWeights(), DefaultImageWeight)
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}

	info := &models.CardInfo{
		Name:       "Monkey D. Luffy",
		CardNumber: "ST14-001",
		Cost:       intPtr(5),
	}

	// The embedding endpoint fails, so the matcher must score the full
	// catalog instead of returning nothing.
	matches, err := matcher.FindBestMatches(context.Background(), info, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Card.ID != "ST14-001" {
		t.Fatalf("expected ST14-001 despite pre-filter failure, got %+v", matches)
	}
	if matches[0].Score <= 0.8 {
		t.Errorf("best match score = %v, want > 0.8", matches[0].Score)
	}
}

func TestMatcher_FindBestMatches_PreFilterNoOverlapWidensToCatalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"embedding": [1, 0, 0]}]}`))
	}))
	defer server.Close()
	t.Setenv("OPENAI_BASE_URL", server.URL+"/v1")

	// The embedding index only knows cards that no longer exist in the
	// catalog, so the pre-filter's picks overlap with nothing.
	embLines := `{"card": {"id": "ZZ99-001"}, "embedding": [1, 0, 0]}
{"card": {"id": "ZZ99-002"}, "embedding": [0, 1, 0]}
`
	catalog := writeCatalogWithEmbeddings(t, luffyTestCatalog(), embLines)
	embedding := NewEmbeddingService("test-key", catalog)
	matcher, err := NewMatcher(catalog, embedding, nil, DefaultFieldWeights(), DefaultImageWeight)
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}

	info := &models.CardInfo{
		Name:       "Monkey D. Luffy",
		CardNumber: "ST14-001",
		Cost:       intPtr(5),
	}

	matches, err := matcher.FindBestMatches(context.Background(), info, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("FindBestMatches() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Card.ID != "ST14-001" {
		t.Fatalf("expected ST14-001 despite zero candidate overlap, got %+v", matches)
	}
}

func TestMatcher_FindBestMatch(t *testing.T) {
	matcher := newTestMatcher(t, luffyTestCatalog())

	match, err := matcher.FindBestMatch(context.Background(), &models.CardInfo{Name: "Trafalgar Law"})
	if err != nil {
		t.Fatalf("FindBestMatch() error = %v", err)
	}
	if match == nil {
		t.Fatal("expected a best match")
	}
	if match.Card.ID != "OP02-049" {
		t.Errorf("best match = %s, want OP02-049", match.Card.ID)
	}
}

func TestMatcher_WithWeights(t *testing.T) {
	matcher := newTestMatcher(t, luffyTestCatalog())

	if _, err := matcher.WithWeights(FieldWeights{Name: -1}); err == nil {
		t.Error("expected error for negative weights")
	}

	// With only the cost weight set, a cost-only match scores full credit.
	costOnly, err := matcher.WithWeights(FieldWeights{Cost: 5})
	if err != nil {
		t.Fatalf("WithWeights() error = %v", err)
	}
	score := costOnly.MetadataScore(
		&models.CardInfo{Name: "Wrong Name", Cost: intPtr(5)},
		&models.CardData{Name: "Monkey D. Luffy", Cost: intPtr(5)},
	)
	if score != 1.0 {
		t.Errorf("cost-only weight score = %v, want 1.0", score)
	}
}
