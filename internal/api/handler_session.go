package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"smartvend-client/internal/lease"
	"smartvend-client/internal/session"
	"smartvend-client/internal/txn"
)

type openSessionRequest struct {
	MachineID string `json:"machine_id" binding:"required"`
}

// OpenSession opens the view of a machine, closing the previous one.
func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	machines, err := h.Machines.ListMachines(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	idx := -1
	for i, m := range machines {
		if m.MachineID == req.MachineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}

	h.openMu.Lock()
	defer h.openMu.Unlock()

	h.closeView()
	view := h.NewView(machines[idx])
	if err := view.Open(h.base); err != nil {
		<-view.Close()
		writeSessionError(c, err)
		return
	}

	h.mu.Lock()
	h.view = view
	h.mu.Unlock()
	log.Info().Str("machine_id", req.MachineID).Msg("machine view opened via api")
	c.JSON(http.StatusCreated, view.View())
}

// GetSession returns the open machine view.
func (h *Handler) GetSession(c *gin.Context) {
	view := h.current()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no machine view is open"})
		return
	}
	c.JSON(http.StatusOK, view.View())
}

// CloseSession closes the open machine view and waits for the best-effort
// release.
func (h *Handler) CloseSession(c *gin.Context) {
	if h.current() == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no machine view is open"})
		return
	}
	h.Shutdown()
	c.Status(http.StatusNoContent)
}

type lockRequest struct {
	Code string `json:"code"`
}

// LockSession acquires the machine with the code from its display.
func (h *Handler) LockSession(c *gin.Context) {
	view := h.current()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no machine view is open"})
		return
	}
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := view.Lock(c.Request.Context(), req.Code); err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, view.View())
}

// UnlockSession releases the lease early.
func (h *Handler) UnlockSession(c *gin.Context) {
	view := h.current()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no machine view is open"})
		return
	}
	if err := view.Unlock(c.Request.Context()); err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, view.View())
}

type quantityRequest struct {
	Quantity int `json:"quantity" binding:"required"`
}

// SetQuantity selects the purchase quantity.
func (h *Handler) SetQuantity(c *gin.Context) {
	view := h.current()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no machine view is open"})
		return
	}
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := view.SetQuantity(req.Quantity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view.View())
}

// StartPurchase starts a purchase in the background; progress shows up in
// GET /session and the checkout in GET /payments/pending.
func (h *Handler) StartPurchase(c *gin.Context) {
	view := h.current()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no machine view is open"})
		return
	}
	if err := view.StartPurchase(); err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view.View())
}

func writeSessionError(c *gin.Context, err error) {
	var (
		acqErr *lease.AcquisitionError
		preErr *txn.PreconditionError
	)
	switch {
	case errors.Is(err, session.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": session.ErrOffline.Error()})
	case errors.Is(err, session.ErrInFlight), errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, lease.ErrEmptyCode), errors.Is(err, lease.ErrNotHeld):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &acqErr):
		body := gin.H{"error": acqErr.Message}
		if acqErr.Busy {
			if !acqErr.LockedUntil.IsZero() {
				body["locked_until"] = acqErr.LockedUntil.UTC().Format(time.RFC3339)
			}
			c.JSON(http.StatusConflict, body)
			return
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &preErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": preErr.Reason})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
