package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smartvend-client/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store defines the interface for all local persistence.
type Store interface {
	ClientID(ctx context.Context, key string) (string, error)
	EnsureClientID(ctx context.Context, key, candidate string) (string, error)

	SaveTransaction(ctx context.Context, rec *model.TransactionRecord) error
	Transaction(ctx context.Context, transactionID string) (*model.TransactionRecord, error)
	ListTransactions(ctx context.Context, machineID string, limit int) ([]model.TransactionRecord, error)

	PutSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	Subscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	Subscriptions(ctx context.Context, machineID string) ([]model.PushSubscription, error)

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// ClientID returns the identity stored under key.
func (s *gormStore) ClientID(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrNotFound
	}
	var identity model.Identity
	err := s.db.WithContext(ctx).Where(&model.Identity{Key: key}).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load identity %q: %w", key, err)
	}
	return identity.ClientID, nil
}

// EnsureClientID stores candidate under key unless an identity already
// exists, and returns whichever id ends up stored. Existing rows are never
// overwritten.
func (s *gormStore) EnsureClientID(ctx context.Context, key, candidate string) (string, error) {
	identity := model.Identity{Key: key, ClientID: candidate}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
		return "", fmt.Errorf("failed to persist identity %q: %w", key, err)
	}
	return s.ClientID(ctx, key)
}

// SaveTransaction upserts the journal entry for one purchase attempt.
func (s *gormStore) SaveTransaction(ctx context.Context, rec *model.TransactionRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "order_id", "payment_id", "dispense_ack", "dispensed",
			"failure_class", "failure_reason", "updated_at",
		}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", rec.TransactionID, err)
	}
	return nil
}

// Transaction loads one journal entry.
func (s *gormStore) Transaction(ctx context.Context, transactionID string) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", transactionID, err)
	}
	return &rec, nil
}

// ListTransactions returns the newest journal entries first. An empty
// machineID lists every machine.
func (s *gormStore) ListTransactions(ctx context.Context, machineID string, limit int) ([]model.TransactionRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if machineID != "" {
		q = q.Where("machine_id = ?", machineID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []model.TransactionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return recs, nil
}

// PutSubscription creates or replaces a push subscription.
func (s *gormStore) PutSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "machine_id"}),
	}).Create(sub).Error
}

// DeleteSubscription removes a push subscription. Deleting an unknown
// endpoint is not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

// Subscription loads one push subscription by endpoint.
func (s *gormStore) Subscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// Subscriptions returns the subscriptions interested in machineID, including
// those subscribed to every machine.
func (s *gormStore) Subscriptions(ctx context.Context, machineID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	q := s.db.WithContext(ctx)
	if machineID != "" {
		q = q.Where("machine_id = ? OR machine_id = ?", machineID, "")
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
