package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/models"
)

const embeddingRequestTimeout = 10 * time.Second

// EmbeddingService turns recognized card info into a semantic embedding and
// ranks the catalog's precomputed embeddings against it. It exists purely as
// a cheap recall booster in front of the expensive scorers; callers must
// treat any error as "pre-filter unavailable" and fall back to the full
// catalog.
type EmbeddingService struct {
	client  *openai.Client
	catalog *CatalogService
	model   openai.EmbeddingModel
}

// NewEmbeddingService creates an embedding service backed by the OpenAI
// embeddings API. Returns nil when no API key is configured, which disables
// pre-filtering entirely. OPENAI_BASE_URL overrides the endpoint for
// OpenAI-compatible providers.
func NewEmbeddingService(apiKey string, catalog *CatalogService) *EmbeddingService {
	if apiKey == "" {
		return nil
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &EmbeddingService{
		client:  openai.NewClientWithConfig(cfg),
		catalog: catalog,
		model:   openai.AdaEmbeddingV2,
	}
}

// cardInfoText builds the embedding input text. More discriminating fields
// (cost, card number, name) are repeated to bias the embedding toward them;
// empty fields are skipped.
func cardInfoText(info *models.CardInfo) string {
	cost := ""
	if info.Cost != nil {
		cost = fmt.Sprintf("%d", *info.Cost)
	}
	colors := ""
	if len(info.Colors) > 0 {
		colors = strings.Join(info.Colors, " ")
	}

	fields := []string{
		cost, cost, cost, cost,
		info.CardNumber, info.CardNumber, info.CardNumber, info.CardNumber,
		info.Name, info.Name, info.Name, info.Name, info.Name,
		info.Type, info.Type,
		info.Trait,
		info.Rarity,
		info.CardNumber,
		colors,
	}

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " | ")
}

// PreFilter returns the IDs of the topK catalog cards most similar to the
// recognized info, ranked by cosine similarity of embeddings. Catalog cards
// missing from the embedding index are excluded from the ranking.
func (s *EmbeddingService) PreFilter(ctx context.Context, info *models.CardInfo, topK int) ([]string, error) {
	text := cardInfoText(info)
	if text == "" {
		return nil, fmt.Errorf("no embeddable text signal in card info")
	}

	embeddings, err := s.catalog.GetEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding index: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedding index is empty")
	}

	queryVec, err := s.embedText(ctx, text)
	if err != nil {
		return nil, err
	}

	type scored struct {
		id  string
		sim float64
	}
	ranked := make([]scored, 0, len(embeddings))
	for id, vec := range embeddings {
		sim, ok := cosineSimilarity(queryVec, vec)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{id: id, sim: sim})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].id < ranked[j].id
	})

	if topK > len(ranked) {
		topK = len(ranked)
	}
	ids := make([]string, topK)
	for i := 0; i < topK; i++ {
		ids[i] = ranked[i].id
	}
	return ids, nil
}

// embedText fetches one embedding vector with a bounded timeout.
func (s *EmbeddingService) embedText(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embeddingRequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: s.model,
	})
	metrics.EmbeddingRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues("success").Inc()
	return resp.Data[0].Embedding, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors. The
// second return value is false for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
