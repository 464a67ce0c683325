package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 20

// GetTransactions lists journal entries, newest first, optionally for one
// machine.
func (h *Handler) GetTransactions(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	recs, err := h.Store.ListTransactions(c.Request.Context(), c.Query("machine_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

// GetAlerts returns the latest alerts.
func (h *Handler) GetAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.Alerts.Recent())
}
