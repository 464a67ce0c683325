package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"smartvend-client/internal/payment"
	"smartvend-client/internal/vendapi"
)

// GetPendingPayments lists the checkouts waiting for a gateway callback.
func (h *Handler) GetPendingPayments(c *gin.Context) {
	c.JSON(http.StatusOK, h.Payments.Pending())
}

type paymentCallbackRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
	OrderID   string `json:"order_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// PaymentCallback hands the gateway's success callback to the capture
// waiting for that order.
func (h *Handler) PaymentCallback(c *gin.Context) {
	var req paymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.Payments.Deliver(vendapi.PaymentProof{
		PaymentID: req.PaymentID,
		OrderID:   req.OrderID,
		Signature: req.Signature,
	})
	if errors.Is(err, payment.ErrUnknownOrder) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
