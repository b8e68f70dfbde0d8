package store

import (
	"context"
	"fmt"
)

// RecordWebhookEvent is the idempotency gate for provider webhooks: the
// first delivery of (provider, event_id) inserts and reports true, every
// retry hits the primary key and reports false. INSERT OR IGNORE keeps the
// duplicate path error-free under concurrent deliveries.
func (s *Store) RecordWebhookEvent(ctx context.Context, provider Provider, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_events (id, provider, event_id, created_at)
		VALUES (?, ?, ?, ?)`,
		NewID(), string(provider), eventID, now().Unix())
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return affected > 0, nil
}

// PurgeWebhookEvents deletes dedup rows older than the cutoff. Providers
// stop retrying long before this window closes.
func (s *Store) PurgeWebhookEvents(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := now().Unix() - int64(olderThanDays)*86400
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return deleted, nil
}
