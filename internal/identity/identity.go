// Package identity resolves the durable pseudonymous id this client uses to
// attribute locks and transactions.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"smartvend-client/internal/store"
)

// StorageKey is the key the client id is persisted under.
const StorageKey = "sv_client_id"

// Generator produces a fresh candidate client id.
type Generator func() string

// NewGenerator returns a Generator that prefers a random UUID and falls back
// to a timestamp-seeded id when the random source fails.
func NewGenerator(clock clockwork.Clock) Generator {
	return func() string {
		id, err := uuid.NewRandom()
		if err != nil {
			log.Warn().Err(err).Msg("random source unavailable; using timestamp client id")
			return fmt.Sprintf("client-%d", clock.Now().UnixMilli())
		}
		return id.String()
	}
}

// Resolve returns the persisted client id, creating and storing one on first
// use. Once stored the id never changes.
func Resolve(ctx context.Context, s store.Store, gen Generator) (string, error) {
	id, err := s.ClientID(ctx, StorageKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	id, err = s.EnsureClientID(ctx, StorageKey, gen())
	if err != nil {
		return "", err
	}
	log.Info().Str("client_id", id).Msg("client identity created")
	return id, nil
}
