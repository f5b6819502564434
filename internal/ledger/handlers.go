package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger history.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cards/:cardId/transactions", h.GetHistory)
}

// GetHistory handles GET /cards/:cardId/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	cardID, err := strconv.ParseInt(c.Param("cardId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id", "message": "cardId must be an integer"})
		return
	}

	limit := DefaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.ledger.History(c.Request.Context(), cardID, limit)
	if err != nil {
		h.logger.Error("ledger history failed", "card_id", cardID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Failed to retrieve transaction history",
		})
		return
	}
	if records == nil {
		records = []*Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"cardId":       cardID,
		"transactions": records,
		"count":        len(records),
	})
}
