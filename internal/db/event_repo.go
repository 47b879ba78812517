package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"paysync/internal/types"
)

// WebhookEventRepository is the idempotency ledger for webhook deliveries.
// Each provider event id is recorded on first sight and stamped with
// applied_at exactly once, inside the same transaction as the state change
// the event produced.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new WebhookEventRepository backed by
// the given database connection (pool or transaction).
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record inserts the ledger entry for an event id if one does not exist.
// Safe to race: the conflicting insert is a no-op and the caller proceeds
// to Claim.
func (r *WebhookEventRepository) Record(ctx context.Context, eventID string, kind types.EventKind, receivedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		kind,
		receivedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return nil
}

// Claim locks the ledger entry for an event id. While the lock is held no
// concurrent delivery of the same event can proceed, so the caller can check
// Applied() and run the handler without a duplicate slipping through.
// Must be called inside a transaction.
func (r *WebhookEventRepository) Claim(ctx context.Context, eventID string) (*types.WebhookEvent, error) {
	var e types.WebhookEvent
	err := r.db.QueryRow(ctx,
		`SELECT event_id, event_type, received_at, applied_at
		 FROM webhook_events
		 WHERE event_id = $1
		 FOR UPDATE`,
		eventID,
	).Scan(&e.EventID, &e.EventType, &e.ReceivedAt, &e.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "webhook event vanished between record and claim", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}
	return &e, nil
}

// MarkApplied stamps the event as fully processed. Committed together with
// the handler's state changes; a rollback leaves the event unapplied so a
// redelivery retries it.
func (r *WebhookEventRepository) MarkApplied(ctx context.Context, eventID string, appliedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET applied_at = $1
		 WHERE event_id = $2 AND applied_at IS NULL`,
		appliedAt,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event applied", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "webhook event already marked applied", nil)
	}
	return nil
}

// PruneBefore deletes applied ledger entries older than the cutoff. The
// reconciler runs this so the ledger does not grow without bound.
func (r *WebhookEventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE applied_at IS NOT NULL AND received_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune webhook events", err)
	}
	return tag.RowsAffected(), nil
}
