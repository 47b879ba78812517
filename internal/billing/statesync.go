package billing

import (
	"context"
	"errors"
	"log/slog"

	"paysync/internal/db"
	"paysync/internal/types"
)

// StateSync applies remote snapshots onto persisted subscriptions with
// per-subscription serialization. Webhook handlers and the reconciler both
// go through this path, so concurrent updates for the same subscription
// queue on the row lock and the terminal-state invariant holds.
type StateSync struct {
	runner db.TxRunner
	clock  types.Clock
	logger *slog.Logger
}

// NewStateSync creates a StateSync on the given transaction runner.
func NewStateSync(runner db.TxRunner, clock types.Clock, logger *slog.Logger) *StateSync {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateSync{runner: runner, clock: clock, logger: logger}
}

// SyncFromRemote locks the local subscription matching remote.ID, runs the
// state machine, and persists whatever changed, all in one transaction.
// Reports whether any local state was written. A snapshot for an unknown
// subscription is ignored: creation flows persist new subscriptions,
// webhooks only update existing ones.
func (s *StateSync) SyncFromRemote(ctx context.Context, remote *types.RemoteSubscription) (bool, error) {
	var changed bool
	err := s.runner.InTx(ctx, func(tx db.DBTX) error {
		var err error
		changed, err = s.applyInTx(ctx, tx, remote)
		return err
	})
	return changed, err
}

// SyncFromRemoteTx is SyncFromRemote when the caller already holds a
// transaction (the webhook processor's ledger transaction).
func (s *StateSync) SyncFromRemoteTx(ctx context.Context, tx db.DBTX, remote *types.RemoteSubscription) (bool, error) {
	return s.applyInTx(ctx, tx, remote)
}

func (s *StateSync) applyInTx(ctx context.Context, tx db.DBTX, remote *types.RemoteSubscription) (bool, error) {
	repo := db.NewSubscriptionRepository(tx)

	sub, err := repo.GetByProviderIDForUpdate(ctx, remote.ID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			s.logger.InfoContext(ctx, "snapshot for unknown subscription ignored",
				"provider_subscription_id", remote.ID,
			)
			return false, nil
		}
		return false, err
	}

	changed, err := ApplyRemoteSnapshot(sub, remote, s.clock.Now())
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeSubscriptionTerminal {
			// Stale data for a dead subscription. Not retryable; log and
			// acknowledge.
			s.logger.WarnContext(ctx, "update for terminal subscription dropped",
				"subscription_id", sub.ID,
				"local_status", string(sub.Status),
				"remote_status", remote.Status,
			)
			return false, nil
		}
		return false, err
	}

	items, itemsChanged := SyncItems(sub, remote)
	if itemsChanged {
		if err := repo.ReplaceItems(ctx, sub.ID, items); err != nil {
			return false, err
		}
	}

	if !changed && !itemsChanged {
		return false, nil
	}
	if changed {
		if err := repo.Save(ctx, sub); err != nil {
			return false, err
		}
	}

	s.logger.InfoContext(ctx, "subscription synced from remote",
		"subscription_id", sub.ID,
		"status", string(sub.Status),
		"items_changed", itemsChanged,
	)
	return true, nil
}

// CancelFromRemote marks the local subscription canceled in its own
// transaction. The reconciler uses this when the remote counterpart has
// vanished entirely.
func (s *StateSync) CancelFromRemote(ctx context.Context, providerSubID string) (bool, error) {
	var changed bool
	err := s.runner.InTx(ctx, func(tx db.DBTX) error {
		var err error
		changed, err = s.CancelFromRemoteTx(ctx, tx, providerSubID)
		return err
	})
	return changed, err
}

// CancelFromRemoteTx marks the local subscription canceled in response to a
// subscription-deleted event. Replay on an already-canceled row is a no-op.
func (s *StateSync) CancelFromRemoteTx(ctx context.Context, tx db.DBTX, providerSubID string) (bool, error) {
	repo := db.NewSubscriptionRepository(tx)

	sub, err := repo.GetByProviderIDForUpdate(ctx, providerSubID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			return false, nil
		}
		return false, err
	}

	if !MarkCanceled(sub, s.clock.Now()) {
		return false, nil
	}
	if err := repo.Save(ctx, sub); err != nil {
		return false, err
	}

	s.logger.InfoContext(ctx, "subscription canceled from remote",
		"subscription_id", sub.ID,
	)
	return true, nil
}
