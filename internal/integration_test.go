package internal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartvend-client/config"
	"smartvend-client/internal/db"
	"smartvend-client/internal/identity"
	"smartvend-client/internal/metrics"
	"smartvend-client/internal/notification"
	"smartvend-client/internal/payment"
	"smartvend-client/internal/session"
	"smartvend-client/internal/store"
	"smartvend-client/internal/txn"
	"smartvend-client/internal/vendapi"
)

// backend is a minimal in-memory vending backend speaking the public wire
// format for a single machine.
type backend struct {
	mu        sync.Mutex
	code      string
	stock     int
	lockedBy  string
	expiresAt time.Time
	status    string
	dispensed []int
	lowStock  []string
	verified  []string
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /api/machines", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, http.StatusOK, []map[string]any{
			{"machine_id": "VM-1", "location": "Library", "current_stock": b.stock, "status": "active"},
		})
	})

	mux.HandleFunc("POST /api/lock-by-code", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID string `json:"client_id"`
			Code     string `json:"code"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		defer b.mu.Unlock()
		if req.Code != b.code {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Code not found or expired"})
			return
		}
		if b.lockedBy != "" && b.lockedBy != req.ClientID {
			writeJSON(w, http.StatusConflict, map[string]string{
				"status": "busy", "message": "Machine is busy", "locked_until": b.expiresAt.Format(time.RFC3339),
			})
			return
		}
		b.lockedBy = req.ClientID
		b.expiresAt = time.Now().UTC().Add(120 * time.Second)
		writeJSON(w, http.StatusOK, map[string]string{
			"machine_id": "VM-1", "status": "locked", "expires_at": b.expiresAt.Format(time.RFC3339Nano),
		})
	})

	mux.HandleFunc("GET /api/machine/VM-1/public-status", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		body := map[string]any{
			"id": "VM-1", "status": b.status, "current_stock": b.stock,
			"server_time": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if b.lockedBy != "" && b.lockedBy == r.URL.Query().Get("client_id") {
			body["locked_by"] = b.lockedBy
			body["expires_at"] = b.expiresAt.Format(time.RFC3339Nano)
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.HandleFunc("POST /api/machine/VM-1/unlock", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID string `json:"client_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.lockedBy != req.ClientID {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Not the lock owner"})
			return
		}
		b.lockedBy = ""
		writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
	})

	mux.HandleFunc("POST /create-order", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Quantity int `json:"quantity"`
			Metadata struct {
				TransactionID string `json:"transaction_id"`
			} `json:"metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "order_" + req.Metadata.TransactionID, "amount": req.Quantity * 1000, "currency": "INR",
		})
	})

	mux.HandleFunc("POST /verify-payment", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["razorpay_signature"] == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid signature"})
			return
		}
		b.mu.Lock()
		b.verified = append(b.verified, req["razorpay_order_id"])
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	})

	mux.HandleFunc("POST /api/machine/VM-1/trigger-dispense", func(w http.ResponseWriter, r *http.Request) {
		var req vendapi.DispenseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		defer b.mu.Unlock()
		if req.ClientID != b.lockedBy || req.AccessCode != b.code {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access code mismatch"})
			return
		}
		b.stock -= req.Quantity
		b.dispensed = append(b.dispensed, req.Quantity)
		writeJSON(w, http.StatusOK, map[string]string{"status": "dispatch_sent"})
	})

	mux.HandleFunc("POST /low-stock-alert", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.lowStock = append(b.lowStock, req["message"].(string))
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	})
	return mux
}

// TestPurchaseLifecycle drives one purchase from lock to completion against
// a fake backend and verifies the journal and alerts along the way.
func TestPurchaseLifecycle(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "smartvend.db")
	cfg.Transaction.DispenseTickMillis = 20
	cfg.Transaction.DispenseTick = 20 * time.Millisecond

	gormDB, err := db.Init(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := gormDB.DB()
		sqlDB.Close()
	})
	st := store.NewGormStore(gormDB)

	clientID, err := identity.Resolve(ctx, st, identity.NewGenerator(clockwork.NewRealClock()))
	require.NoError(t, err)

	be := &backend{code: "ABC123", stock: 2, status: "active"}
	server := httptest.NewServer(be.handler())
	defer server.Close()
	cfg.API.BaseURL = server.URL
	api := vendapi.New(&cfg.API)

	machines, err := api.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 1)

	alerts := notification.NewDispatcher(cfg.WorkerPool.Size, notification.LogSender{})
	alertCtx, stopAlerts := context.WithCancel(ctx)
	defer stopAlerts()
	alerts.Start(alertCtx)

	recorder := metrics.New()
	capturer := payment.NewCallbackCapturer()
	sess := session.New(cfg, api, machines[0], clientID, session.Options{
		Capturer: capturer,
		Journal:  st,
		Alerts:   alerts,
		Metrics:  recorder,
	})
	require.NoError(t, sess.Open(ctx))
	defer func() { <-sess.Close() }()

	// --- select quantity and lock ---
	assert.Equal(t, 2, sess.Increment())
	assert.False(t, sess.CanIncrement())

	ls, err := sess.Lock(ctx, " ABC123 ")
	require.NoError(t, err)
	assert.True(t, ls.HeldBySelf())
	assert.InDelta(t, 120, ls.Remaining, 1)

	// --- purchase, with the gateway callback delivered from outside ---
	done := make(chan error, 1)
	go func() {
		_, err := sess.Purchase(ctx)
		done <- err
	}()

	var checkout payment.Checkout
	require.Eventually(t, func() bool {
		pending := capturer.Pending()
		if len(pending) == 0 {
			return false
		}
		checkout = pending[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2000), checkout.Amount)
	assert.Equal(t, "VM-1", checkout.MachineID)

	require.NoError(t, capturer.Deliver(vendapi.PaymentProof{
		PaymentID: "pay_123", OrderID: checkout.OrderID, Signature: "sig",
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("purchase did not finish")
	}

	// --- verify the view ---
	v := sess.View()
	require.NotNil(t, v.Transaction)
	assert.Equal(t, txn.Completed, v.Transaction.State)
	assert.Equal(t, 2, v.Transaction.Dispensed)
	assert.Equal(t, 0, v.CurrentStock)
	assert.True(t, v.LowInventory)

	// --- verify the backend ---
	assert.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.lowStock) == 1
	}, time.Second, 10*time.Millisecond)
	be.mu.Lock()
	assert.Equal(t, []int{2}, be.dispensed)
	assert.Equal(t, []string{checkout.OrderID}, be.verified)
	require.Len(t, be.lowStock, 1)
	assert.True(t, strings.Contains(be.lowStock[0], "VM-1"))
	be.mu.Unlock()

	// --- verify the journal ---
	rec, err := st.Transaction(ctx, checkout.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, string(txn.Completed), rec.State)
	assert.Equal(t, "pay_123", rec.PaymentID)
	assert.Equal(t, clientID, rec.ClientID)
	assert.Equal(t, 2, rec.Dispensed)

	// --- alerts were recorded ---
	var classes []notification.Class
	for _, a := range alerts.Recent() {
		classes = append(classes, a.Class)
	}
	assert.Contains(t, classes, notification.ClassInfo)

	// --- metrics ---
	metricsSrv := httptest.NewServer(recorder.Handler())
	defer metricsSrv.Close()
	resp, err := metricsSrv.Client().Get(metricsSrv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `smartvend_lock_attempts_total{outcome="locked"} 1`)
	assert.Contains(t, string(body), `smartvend_purchases_total{class="none",state="completed"} 1`)
	assert.Contains(t, string(body), `smartvend_units_dispensed_total 2`)

	// --- closing the view releases the idle lease ---
	<-sess.Close()
	be.mu.Lock()
	assert.Empty(t, be.lockedBy)
	be.mu.Unlock()
}
