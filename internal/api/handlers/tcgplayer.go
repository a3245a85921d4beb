package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tcgwallet/backend/internal/services"
)

type TCGPlayerHandler struct {
	tcgPlayer *services.TCGPlayerService
}

func NewTCGPlayerHandler(tcgPlayer *services.TCGPlayerService) *TCGPlayerHandler {
	return &TCGPlayerHandler{tcgPlayer: tcgPlayer}
}

// GetGroups returns all One Piece card groups (sets/expansions).
func (h *TCGPlayerHandler) GetGroups(c *gin.Context) {
	groups, err := h.tcgPlayer.GetGroups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if len(groups) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no card groups found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetProducts returns all products for a group.
func (h *TCGPlayerHandler) GetProducts(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("groupID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}

	products, err := h.tcgPlayer.GetProducts(c.Request.Context(), groupID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if len(products) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no products found for group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// GetPrices returns all product prices for a group.
func (h *TCGPlayerHandler) GetPrices(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("groupID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}

	prices, err := h.tcgPlayer.GetPrices(c.Request.Context(), groupID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if len(prices) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no prices found for group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": prices})
}
