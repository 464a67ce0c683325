package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"smartvend-client/config"
	"smartvend-client/internal/store"
)

// mockPush is a mock implementation of the PushClient interface.
type mockPush struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func (m *mockPush) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

type recordingSender struct {
	mu     sync.Mutex
	alerts []Alert
	wg     *sync.WaitGroup
}

func (r *recordingSender) Deliver(_ context.Context, alert Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	r.wg.Done()
	return nil
}

func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func response(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewBufferString(""))}
}

func TestDispatcher_DeliversToEverySender(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	a := &recordingSender{wg: &wg}
	b := &recordingSender{wg: &wg}
	d := NewDispatcher(1, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Dispatch(Alert{Class: ClassDispense, Title: "Dispense failed", Message: "payment succeeded, dispense failed", MachineID: "VM-1"})
	wg.Wait()

	assert.Len(t, a.alerts, 1)
	assert.Len(t, b.alerts, 1)
	assert.Equal(t, ClassDispense, a.alerts[0].Class)
	assert.False(t, a.alerts[0].At.IsZero())
}

func TestDispatcher_RecentIsBounded(t *testing.T) {
	d := NewDispatcher(1)
	for i := 0; i < recentAlerts+5; i++ {
		d.Dispatch(Alert{Class: ClassInfo, Title: "tick"})
		// drain so the queue never fills
		<-d.Jobs()
	}
	assert.Len(t, d.Recent(), recentAlerts)
}

func TestDispatcher_DispatchNeverBlocks(t *testing.T) {
	d := NewDispatcher(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(d.Jobs())+10; i++ {
			d.Dispatch(Alert{Class: ClassInfo})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}
}

func TestLogSender(t *testing.T) {
	for _, c := range []Class{ClassLock, ClassPayment, ClassVerification, ClassDispense, ClassOffline, ClassInfo} {
		assert.NoError(t, LogSender{}.Deliver(context.Background(), Alert{Class: c, Title: "t", Message: "m"}))
	}
}

func TestWebPushSender(t *testing.T) {
	gormDB, mock := newTestDB(t)
	cfg := config.Default()
	sender := NewWebPushSender(store.NewGormStore(gormDB), &cfg.Push)

	t.Run("sends to machine subscriptions", func(t *testing.T) {
		sender.client = &mockPush{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				assert.Equal(t, "https://example.com/push", sub.Endpoint)
				var body pushPayload
				require.NoError(t, json.Unmarshal(payload, &body))
				assert.Equal(t, "Lease expired", body.Title)
				assert.Equal(t, ClassLock, body.Class)
				return response(http.StatusCreated), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE machine_id = \$1 OR machine_id = \$2`).
			WithArgs("VM-1", "").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "machine_id", "created_at"}).
				AddRow("https://example.com/push", "p256", "auth", "VM-1", time.Now()))

		err := sender.Deliver(context.Background(), Alert{Class: ClassLock, Title: "Lease expired", MachineID: "VM-1"})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deletes expired subscription", func(t *testing.T) {
		sender.client = &mockPush{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				return response(http.StatusGone), nil
			},
		}

		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE machine_id = \$1 OR machine_id = \$2`).
			WithArgs("VM-2", "").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "machine_id", "created_at"}).
				AddRow("https://example.com/expired", "p256", "auth", "", time.Now()))
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE "push_subscriptions"."endpoint" = \$1`).
			WithArgs("https://example.com/expired").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, sender.Deliver(context.Background(), Alert{Class: ClassDispense, MachineID: "VM-2"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no subscriptions sends nothing", func(t *testing.T) {
		sender.client = &mockPush{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				t.Fatal("unexpected push")
				return nil, nil
			},
		}
		mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE machine_id = \$1 OR machine_id = \$2`).
			WithArgs("VM-3", "").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "machine_id", "created_at"}))

		require.NoError(t, sender.Deliver(context.Background(), Alert{Class: ClassInfo, MachineID: "VM-3"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
