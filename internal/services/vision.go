package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/models"
)

const visionRequestTimeout = 45 * time.Second

// ErrExtractionFailed indicates the model could not read card details from
// the photo. Callers should surface this as a recoverable "could not parse"
// condition, not a server failure.
var ErrExtractionFailed = errors.New("could not extract card details from image")

const visionPrompt = `Analyze this photo of a One Piece trading card and extract its details.
Respond with a JSON object using exactly these keys (omit a key if you cannot read the field):
{
  "name": "card name",
  "type": "Character | Leader | Event | Stage",
  "cost": 0,
  "rarity": "Common | Uncommon | Rare | Super Rare | Secret Rare | Promo | DON!! | Leader",
  "colors": ["Red", "Blue", "Green", "Yellow", "Black", "Purple"],
  "counter": 1000,
  "trait": "trait text",
  "card_number": "e.g. OP01-001"
}`

// VisionService extracts structured card info from a card photo using a
// vision-capable model.
type VisionService struct {
	client *openai.Client
	model  string
}

// NewVisionService creates a vision extraction service. Returns nil when no
// API key is configured.
func NewVisionService(apiKey string) *VisionService {
	if apiKey == "" {
		return nil
	}
	return &VisionService{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4o,
	}
}

// AnalyzeImage sends the photo to the vision model and parses its reply into
// CardInfo. A reply the model could not ground in the image comes back as
// ErrExtractionFailed; transport errors are returned as-is.
func (s *VisionService) AnalyzeImage(ctx context.Context, imageData []byte, contentType string) (*models.CardInfo, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("empty image data")
	}
	if contentType == "" {
		contentType = http.DetectContentType(imageData)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(imageData))

	ctx, cancel := context.WithTimeout(ctx, visionRequestTimeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an assistant that reads trading card photographs and returns structured card data.",
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: visionPrompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		metrics.VisionRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("vision request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.VisionRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("vision response contained no choices")
	}

	info, err := parseCardInfoReply(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.VisionRequestsTotal.WithLabelValues("parse_error").Inc()
		return nil, err
	}

	metrics.VisionRequestsTotal.WithLabelValues("success").Inc()
	return info, nil
}

// parseCardInfoReply decodes the model's JSON reply, tolerating markdown
// code fences some models wrap around JSON output.
func parseCardInfoReply(content string) (*models.CardInfo, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var info models.CardInfo
	if err := json.Unmarshal([]byte(content), &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return &info, nil
}
