package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"smartvend-client/config"
	"smartvend-client/internal/model"
	"smartvend-client/internal/store"
)

// LogSender writes alerts to the global logger. Failure classes log at
// error level, the rest at info.
type LogSender struct{}

func (LogSender) Deliver(_ context.Context, alert Alert) error {
	level := zerolog.ErrorLevel
	switch alert.Class {
	case ClassInfo:
		level = zerolog.InfoLevel
	case ClassOffline, ClassLock:
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).
		Str("class", string(alert.Class)).
		Str("machine_id", alert.MachineID).
		Str("transaction_id", alert.TransactionID).
		Msgf("%s: %s", alert.Title, alert.Message)
	return nil
}

// PushClient sends one web push message.
type PushClient interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

type webPushClient struct{}

func (webPushClient) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WebPushSender delivers alerts to the push subscriptions stored for the
// alert's machine. Subscriptions the push service reports as gone are deleted.
type WebPushSender struct {
	store   store.Store
	options *webpush.Options
	client  PushClient
}

// NewWebPushSender creates a sender from the VAPID configuration.
func NewWebPushSender(st store.Store, cfg *config.PushConfig) *WebPushSender {
	return &WebPushSender{
		store: st,
		options: &webpush.Options{
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			Subscriber:      cfg.Subject,
			TTL:             cfg.TTL,
		},
		client: webPushClient{},
	}
}

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Class     Class  `json:"class"`
	MachineID string `json:"machine_id,omitempty"`
}

func (s *WebPushSender) Deliver(ctx context.Context, alert Alert) error {
	subs, err := s.store.Subscriptions(ctx, alert.MachineID)
	if err != nil {
		return fmt.Errorf("failed to load push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushPayload{
		Title:     alert.Title,
		Body:      alert.Message,
		Class:     alert.Class,
		MachineID: alert.MachineID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	for _, sub := range subs {
		s.send(ctx, sub, payload)
	}
	return nil
}

func (s *WebPushSender) send(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := s.client.Send(payload, wpSub, s.options)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push send failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		log.Info().Str("endpoint", sub.Endpoint).Msg("push subscription expired; deleting")
		if err := s.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}
