package vendapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OrderMetadata ties a payment order to a transaction attempt.
type OrderMetadata struct {
	TransactionID string `json:"transaction_id"`
	ClientID      string `json:"client_id"`
	MachineID     string `json:"machine_id"`
}

// Order is a payment order created by the backend. The amount is computed
// server-side from the quantity.
type Order struct {
	ID       string
	Amount   int64
	Currency string
}

type orderBody struct {
	ID       string      `json:"id"`
	OrderID  string      `json:"order_id"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
}

// PaymentProof is what the payment gateway hands back after capture.
type PaymentProof struct {
	PaymentID string
	OrderID   string
	Signature string
}

// DispenseRequest asks the backend to dispense for a verified payment.
type DispenseRequest struct {
	ClientID      string `json:"client_id"`
	AccessCode    string `json:"access_code"`
	Quantity      int    `json:"quantity"`
	TransactionID string `json:"transaction_id"`
}

// Feedback is a post-purchase rating.
type Feedback struct {
	MachineID string `json:"machine_id"`
	ClientID  string `json:"client_id,omitempty"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

// CreateOrder creates a payment order for quantity units. The client never
// sends a price.
func (c *Client) CreateOrder(ctx context.Context, quantity int, meta OrderMetadata) (*Order, error) {
	var body orderBody
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/create-order",
		body: map[string]any{
			"quantity": quantity,
			"metadata": meta,
		},
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	order := &Order{
		ID:       firstNonEmpty(body.ID, body.OrderID),
		Currency: body.Currency,
	}
	if order.ID == "" {
		return nil, fmt.Errorf("create order: response carries no order id")
	}
	if body.Amount != "" {
		amount, err := body.Amount.Int64()
		if err != nil {
			return nil, fmt.Errorf("create order: amount: %w", err)
		}
		order.Amount = amount
	}
	return order, nil
}

// VerifyPayment submits the captured payment for server-side verification.
// A 2xx answer that carries an error or a non-success status is rejected.
func (c *Client) VerifyPayment(ctx context.Context, proof PaymentProof) error {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/verify-payment",
		body: map[string]string{
			"razorpay_payment_id": proof.PaymentID,
			"razorpay_order_id":   proof.OrderID,
			"razorpay_signature":  proof.Signature,
		},
	}, &body)
	if err != nil {
		return fmt.Errorf("verify payment: %w", err)
	}

	verified := strings.TrimSpace(body.Error) == ""
	switch strings.ToLower(body.Status) {
	case "", "ok", "success", "verified", "paid":
	default:
		verified = false
	}
	if !verified {
		return fmt.Errorf("verify payment: %w", &APIError{
			StatusCode: http.StatusOK,
			Message:    firstNonEmpty(body.Message, body.Error, "verification rejected"),
			Status:     body.Status,
		})
	}
	return nil
}

// TriggerDispense asks the backend to dispense and returns its status ack.
func (c *Client) TriggerDispense(ctx context.Context, machineID string, req DispenseRequest) (string, error) {
	var body struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   machinePath(machineID, "/trigger-dispense"),
		body:   req,
	}, &body)
	if err != nil {
		return "", fmt.Errorf("trigger dispense: %w", err)
	}
	switch strings.ToLower(body.Status) {
	case "", "ok", "success", "dispatch_sent":
	default:
		return "", fmt.Errorf("trigger dispense: unexpected status %q", body.Status)
	}
	if body.Status == "" {
		return "ok", nil
	}
	return body.Status, nil
}

// LowStockAlert tells the backend that a machine is running low.
func (c *Client) LowStockAlert(ctx context.Context, machineID string, remaining int) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/low-stock-alert",
		body: map[string]any{
			"message":   fmt.Sprintf("Machine %s is running low", machineID),
			"machineID": machineID,
			"Remaining": remaining,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("low stock alert: %w", err)
	}
	return nil
}

// SubmitFeedback records a rating for a machine.
func (c *Client) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return fmt.Errorf("submit feedback: rating must be between 1 and 5, got %d", fb.Rating)
	}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/feedback", body: fb}, nil); err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	return nil
}
