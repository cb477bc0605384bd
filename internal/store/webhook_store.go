package store

import (
	"context"
	"time"

	"wallet/internal/db"
)

type WebhookStore struct {
	db DB
}

type ProcessedWebhook struct {
	ID           string    `db:"id"`
	Provider     string    `db:"provider"`
	ProviderTxID string    `db:"provider_tx_id"`
	EventType    string    `db:"event_type"`
	Payload      string    `db:"payload"`
	ReceivedAt   time.Time `db:"received_at"`
}

func NewWebhookStore(db DB) *WebhookStore {
	return &WebhookStore{db: db}
}

// Record inserts the processed-webhook row and reports whether this event was
// seen before. The (provider, provider_tx_id) unique constraint is the
// serialization point for duplicate deliveries: exactly one insert wins, every
// other delivery observes duplicate=true and must not touch balances.
func (s *WebhookStore) Record(ctx context.Context, tx Execer, id, provider, providerTxID, eventType, payload string) (bool, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_webhooks (id, provider, provider_tx_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, id, provider, providerTxID, eventType, payload)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *WebhookStore) Seen(ctx context.Context, provider, providerTxID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM processed_webhooks WHERE provider = $1 AND provider_tx_id = $2)
	`, provider, providerTxID)
	return exists, err
}
