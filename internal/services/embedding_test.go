package services

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tcgwallet/backend/internal/models"
)

func TestNewEmbeddingService_NoKey(t *testing.T) {
	if svc := NewEmbeddingService("", nil); svc != nil {
		t.Error("expected nil service without an API key")
	}
}

func TestCardInfoText(t *testing.T) {
	info := &models.CardInfo{
		Name:       "Monkey D. Luffy",
		CardNumber: "ST14-001",
		Cost:       intPtr(5),
		Type:       "Character",
		Colors:     []string{"Black", "Yellow"},
	}
	text := cardInfoText(info)

	// Discriminating fields are repeated to bias the embedding.
	if got := strings.Count(text, "Monkey D. Luffy"); got != 5 {
		t.Errorf("name repeated %d times, want 5", got)
	}
	if got := strings.Count(text, "ST14-001"); got != 5 {
		t.Errorf("card number repeated %d times, want 5", got)
	}
	if got := strings.Count(text, "5 | 5 | 5 | 5"); got != 1 {
		t.Errorf("cost block missing from %q", text)
	}
	if !strings.Contains(text, "Black Yellow") {
		t.Errorf("colors missing from %q", text)
	}
	// Empty fields leave no empty segments behind.
	if strings.Contains(text, "| |") || strings.HasPrefix(text, "|") || strings.HasSuffix(text, "|") {
		t.Errorf("text contains empty segments: %q", text)
	}
}

func TestCardInfoText_Empty(t *testing.T) {
	if text := cardInfoText(&models.CardInfo{}); text != "" {
		t.Errorf("empty info produced text %q", text)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []float32
		want   float64
		wantOK bool
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0, true},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0, true},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0, true},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0, false},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0, false},
		{"empty", nil, nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cosineSimilarity(tt.a, tt.b)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

// embeddingTestCatalog builds a catalog whose embedding index points along
// three axes, so a query vector picks a known nearest card.
func embeddingTestCatalog(t *testing.T) *CatalogService {
	t.Helper()
	dir := t.TempDir()

	cards := `[{"id": "OP01-001", "name": "Roronoa Zoro"},
		{"id": "OP01-002", "name": "Nami"},
		{"id": "OP01-003", "name": "Usopp"}]`
	if err := os.WriteFile(filepath.Join(dir, "cards_op01.json"), []byte(cards), 0644); err != nil {
		t.Fatal(err)
	}

	embFile := filepath.Join(dir, "card_embeddings.jsonl")
	lines := `{"card": {"id": "OP01-001"}, "embedding": [1, 0, 0]}
{"card": {"id": "OP01-002"}, "embedding": [0, 1, 0]}
{"card": {"id": "OP01-003"}, "embedding": [0.9, 0.1, 0]}
`
	if err := os.WriteFile(embFile, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}

	return NewCatalogService(dir, embFile)
}

func TestEmbeddingService_PreFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"embedding": [1, 0.05, 0]}]}`))
	}))
	defer server.Close()
	t.Setenv("OPENAI_BASE_URL", server.URL+"/v1")

	svc := NewEmbeddingService("test-key", embeddingTestCatalog(t))
	if svc == nil {
		t.Fatal("expected service with API key")
	}

	ids, err := svc.PreFilter(context.Background(), &models.CardInfo{Name: "Roronoa Zoro"}, 2)
	if err != nil {
		t.Fatalf("PreFilter() error = %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d (%v)", len(ids), ids)
	}
	// [1, 0.05, 0] is closest to OP01-001, then the OP01-003 blend.
	if ids[0] != "OP01-001" || ids[1] != "OP01-003" {
		t.Errorf("ranking = %v, want [OP01-001 OP01-003]", ids)
	}
}

func TestEmbeddingService_PreFilter_TopKClamped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"embedding": [0, 1, 0]}]}`))
	}))
	defer server.Close()
	t.Setenv("OPENAI_BASE_URL", server.URL+"/v1")

	svc := NewEmbeddingService("test-key", embeddingTestCatalog(t))

	ids, err := svc.PreFilter(context.Background(), &models.CardInfo{Name: "Nami"}, 50)
	if err != nil {
		t.Fatalf("PreFilter() error = %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("expected topK clamped to index size 3, got %d", len(ids))
	}
	if ids[0] != "OP01-002" {
		t.Errorf("best id = %s, want OP01-002", ids[0])
	}
}

func TestEmbeddingService_PreFilter_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()
	t.Setenv("OPENAI_BASE_URL", server.URL+"/v1")

	svc := NewEmbeddingService("test-key", embeddingTestCatalog(t))

	// Empty info has no embeddable text.
	if _, err := svc.PreFilter(context.Background(), &models.CardInfo{}, 5); err == nil {
		t.Error("expected error for empty card info")
	}

	// Upstream failure surfaces so the caller can widen to the full catalog.
	if _, err := svc.PreFilter(context.Background(), &models.CardInfo{Name: "Nami"}, 5); err == nil {
		t.Error("expected error for failing embeddings endpoint")
	}
}

func TestEmbeddingService_PreFilter_EmptyIndex(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "http://127.0.0.1:0")

	catalog := writeTestCatalog(t, []models.CardData{{ID: "OP01-001", Name: "Zoro"}})
	svc := NewEmbeddingService("test-key", catalog)

	if _, err := svc.PreFilter(context.Background(), &models.CardInfo{Name: "Zoro"}, 5); err == nil {
		t.Error("expected error when the embedding index is empty")
	}
}
