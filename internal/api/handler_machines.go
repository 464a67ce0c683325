package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetMachines lists the machines known to the backend.
func (h *Handler) GetMachines(c *gin.Context) {
	machines, err := h.Machines.ListMachines(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, machines)
}
