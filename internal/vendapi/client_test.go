package vendapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartvend-client/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.API.RateLimitPerSec = 1000
	cfg.API.RateBurst = 100
	cfg.API.AdminToken = "admin-secret"
	return New(&cfg.API)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestListMachines_IsCached(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/machines", r.URL.Path)
		_, _ = w.Write([]byte(`[{"machine_id":"VM-1","location":"Lobby","current_stock":4,"status":"active"}]`))
	}))

	machines, err := c.ListMachines(context.Background())
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, "Lobby", machines[0].Location)

	_, err = c.ListMachines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	c.InvalidateMachines()
	_, err = c.ListMachines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestLockByCode(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/lock-by-code", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "client-1", body["client_id"])
		assert.Equal(t, "ABC123", body["code"])
		_, _ = w.Write([]byte(`{"machine_id":"VM-1","status":"locked","expires_at":"2024-05-01T12:02:00.000000+00:00"}`))
	}))

	lock, err := c.LockByCode(context.Background(), "client-1", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "VM-1", lock.MachineID)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 2, 0, 0, time.UTC), lock.ExpiresAt.UTC())
	assert.True(t, lock.ServerTime.IsZero())
}

func TestLockByCode_Busy(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":"busy","message":"Machine is already locked by another user","locked_by":null,"locked_until":"2024-05-01T12:05:00"}`))
	}))

	_, err := c.LockByCode(context.Background(), "client-1", "ABC123")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Busy())
	assert.Equal(t, "Machine is already locked by another user", apiErr.Message)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), apiErr.LockedUntil)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestErrorMessagePrecedence(t *testing.T) {
	testCases := []struct {
		name     string
		code     int
		body     string
		expected string
	}{
		{name: "detail string", code: 400, body: `{"detail":"Code not found or expired"}`, expected: "Code not found or expired"},
		{name: "detail list", code: 422, body: `{"detail":[{"msg":"field required"}]}`, expected: "field required"},
		{name: "message", code: 400, body: `{"message":"Verification failed"}`, expected: "Verification failed"},
		{name: "error", code: 500, body: `{"error":"Razorpay not configured"}`, expected: "Razorpay not configured"},
		{name: "not json", code: 502, body: `<html>bad gateway</html>`, expected: "bad gateway"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := decodeError(tc.code, []byte(tc.body))
			assert.Equal(t, tc.code, apiErr.StatusCode)
			assert.Equal(t, tc.expected, apiErr.Message)
		})
	}
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/machine/VM-1/public-status", r.URL.Path)
		assert.Equal(t, "client-1", r.URL.Query().Get("client_id"))
		_, _ = w.Write([]byte(`{"id":"VM-1","status":"locked","current_stock":2,"locked_by":"client-1","expires_at":"2024-05-01T12:02:00","server_time":"2024-05-01T12:00:00"}`))
	}))

	st, err := c.Status(context.Background(), "VM-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "VM-1", st.MachineID)
	assert.True(t, st.Locked)
	assert.True(t, st.HasStock)
	assert.Equal(t, 2, st.CurrentStock)
	assert.Equal(t, "client-1", st.LockedBy)
	assert.Equal(t, 2*time.Minute, st.ExpiresAt.Sub(st.ServerTime))
}

func TestStatus_ExplicitLockedFlagWins(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"VM-1","status":"idle","locked":false,"locked_by":null,"expires_at":null}`))
	}))

	st, err := c.Status(context.Background(), "VM-1", "client-1")
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.False(t, st.HasStock)
	assert.True(t, st.ExpiresAt.IsZero())
}

func TestUnlock_NotOwner(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/machine/VM-1/unlock", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"Lock not owned by this client"}`))
	}))

	_, err := c.Unlock(context.Background(), "VM-1", "client-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "Lock not owned by this client", apiErr.Message)
}

func TestUpdateStock_SendsBearer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/machine/VM-1/update-stock", r.URL.Path)
		assert.EqualValues(t, 9, decodeBody(t, r)["stock"])
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	require.NoError(t, c.UpdateStock(context.Background(), "VM-1", 9))
}

func TestPurchaseCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/create-order", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.EqualValues(t, 2, body["quantity"])
		assert.NotContains(t, body, "amount")
		meta := body["metadata"].(map[string]any)
		assert.Equal(t, "tx-1", meta["transaction_id"])
		_, _ = w.Write([]byte(`{"id":"order_9","amount":2000,"currency":"INR"}`))
	})
	mux.HandleFunc("/verify-payment", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "pay_1", body["razorpay_payment_id"])
		assert.Equal(t, "order_9", body["razorpay_order_id"])
		assert.Equal(t, "sig", body["razorpay_signature"])
		_, _ = w.Write([]byte(`{"message":"Payment verified"}`))
	})
	mux.HandleFunc("/api/machine/VM-1/trigger-dispense", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "ABC123", body["access_code"])
		assert.Equal(t, "tx-1", body["transaction_id"])
		_, _ = w.Write([]byte(`{"status":"dispatch_sent"}`))
	})
	mux.HandleFunc("/low-stock-alert", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "VM-1", body["machineID"])
		assert.EqualValues(t, 0, body["Remaining"])
		_, _ = w.Write([]byte(`{"message":"Email sent"}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	order, err := c.CreateOrder(ctx, 2, OrderMetadata{TransactionID: "tx-1", ClientID: "client-1", MachineID: "VM-1"})
	require.NoError(t, err)
	assert.Equal(t, &Order{ID: "order_9", Amount: 2000, Currency: "INR"}, order)

	require.NoError(t, c.VerifyPayment(ctx, PaymentProof{PaymentID: "pay_1", OrderID: "order_9", Signature: "sig"}))

	ack, err := c.TriggerDispense(ctx, "VM-1", DispenseRequest{ClientID: "client-1", AccessCode: "ABC123", Quantity: 2, TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "dispatch_sent", ack)

	require.NoError(t, c.LowStockAlert(ctx, "VM-1", 0))
}

func TestVerifyPayment_ErrorPayloadOn200(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		message string
	}{
		{
			name:    "error field",
			body:    `{"message":"Verification failed","error":"signature mismatch"}`,
			message: "Verification failed",
		},
		{
			name:    "error without message",
			body:    `{"error":"signature mismatch"}`,
			message: "signature mismatch",
		},
		{
			name:    "failed status",
			body:    `{"status":"failed"}`,
			message: "verification rejected",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/verify-payment", r.URL.Path)
				_, _ = w.Write([]byte(tc.body))
			}))

			err := c.VerifyPayment(context.Background(), PaymentProof{PaymentID: "pay_1", OrderID: "order_9", Signature: "bad"})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusOK, apiErr.StatusCode)
			assert.Equal(t, tc.message, apiErr.Message)
		})
	}
}

func TestVerifyPayment_AcceptsSuccessStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","message":"Payment verified"}`))
	}))
	assert.NoError(t, c.VerifyPayment(context.Background(), PaymentProof{PaymentID: "pay_1", OrderID: "order_9", Signature: "sig"}))
}

func TestSubmitFeedback_RejectsBadRating(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	assert.Error(t, c.SubmitFeedback(context.Background(), Feedback{MachineID: "VM-1", Rating: 0}))
}

func TestNetworkError(t *testing.T) {
	cfg := config.Default()
	cfg.API.BaseURL = "http://127.0.0.1:1"
	c := New(&cfg.API)

	_, err := c.Status(context.Background(), "VM-1", "client-1")
	require.Error(t, err)
	var apiErr *APIError
	assert.NotErrorAs(t, err, &apiErr)
}
