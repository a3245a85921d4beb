package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tcgwallet/backend/internal/models"
	"github.com/tcgwallet/backend/internal/services"
)

// maxUploadBytes caps card photo uploads at 8 MB.
const maxUploadBytes = 8 << 20

type MatchHandler struct {
	matcher      *services.Matcher
	catalog      *services.CatalogService
	vision       *services.VisionService
	imageStorage *services.ImageStorageService
	tcgPlayer    *services.TCGPlayerService
}

func NewMatchHandler(matcher *services.Matcher, catalog *services.CatalogService, vision *services.VisionService, imageStorage *services.ImageStorageService, tcgPlayer *services.TCGPlayerService) *MatchHandler {
	return &MatchHandler{
		matcher:      matcher,
		catalog:      catalog,
		vision:       vision,
		imageStorage: imageStorage,
		tcgPlayer:    tcgPlayer,
	}
}

type matchCardRequest struct {
	CardInfo   models.CardInfo        `json:"card_info"`
	Weights    *services.FieldWeights `json:"weights,omitempty"`
	NumResults int                    `json:"num_results,omitempty"`
	MinScore   *float64               `json:"min_score,omitempty"`
}

// MatchCard matches recognized card info against the catalog using optional
// per-request weights.
func (h *MatchHandler) MatchCard(c *gin.Context) {
	var req matchCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	matcher := h.matcher
	if req.Weights != nil {
		var err error
		matcher, err = h.matcher.WithWeights(*req.Weights)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	opts := services.DefaultMatchOptions()
	if req.NumResults > 0 {
		opts.NumResults = req.NumResults
	}
	if req.MinScore != nil {
		opts.MinScore = *req.MinScore
	}

	matches, err := matcher.FindBestMatches(c.Request.Context(), &req.CardInfo, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if len(matches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching card found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

// AnalyzeImage accepts a card photo upload, extracts card info with the
// vision model, matches it against the catalog, and resolves a marketplace
// listing for the best match.
func (h *MatchHandler) AnalyzeImage(c *gin.Context) {
	if h.vision == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision extraction is not configured"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'file' upload"})
		return
	}
	defer file.Close()

	imageData, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	if len(imageData) == 0 || len(imageData) > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image upload"})
		return
	}

	info, err := h.vision.AnalyzeImage(c.Request.Context(), imageData, header.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, services.ErrExtractionFailed) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "could not read card details from the photo"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Store the scan so the matcher can re-score top candidates visually.
	if h.imageStorage != nil {
		if path, err := h.imageStorage.SaveImage(imageData); err != nil {
			log.Printf("Warning: failed to store scanned image: %v", err)
		} else {
			info.ImagePath = path
		}
	}

	opts := services.DefaultMatchOptions()
	opts.NumResults = 3
	matches, err := h.matcher.FindBestMatches(c.Request.Context(), info, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Attach a marketplace listing to the winner. Failure to resolve a
	// listing never fails the whole analysis.
	if len(matches) > 0 && h.tcgPlayer != nil {
		if err := h.tcgPlayer.ResolveMatch(c.Request.Context(), h.catalog, &matches[0]); err != nil {
			log.Printf("Marketplace resolution failed for %s: %v", matches[0].Card.ID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"description": info,
		"filename":    header.Filename,
		"size":        len(imageData),
		"matches":     matches,
	})
}

// GetVariants returns every catalog card sharing the base ID of the given
// card, i.e. all parallel print variants.
func (h *MatchHandler) GetVariants(c *gin.Context) {
	baseID := c.Param("id")
	if baseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "card id is required"})
		return
	}

	cards, err := h.catalog.FindCardsByBaseID(baseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(cards) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cards found for base id"})
		return
	}

	packIDs, err := h.catalog.FindPackIDsByBaseID(baseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cards":    cards,
		"pack_ids": packIDs,
	})
}
