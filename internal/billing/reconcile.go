package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"paysync/internal/types"
)

// SubscriptionLister pages through subscriptions still linked to a live
// remote counterpart. Implemented by db.SubscriptionRepository.
type SubscriptionLister interface {
	ListNonTerminal(ctx context.Context, afterID string, limit int) ([]*types.Subscription, error)
}

// LedgerPruner trims applied idempotency-ledger entries. Implemented by
// db.WebhookEventRepository.
type LedgerPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DriftRepairer applies authoritative remote state through the serialized
// per-subscription path. Implemented by StateSync.
type DriftRepairer interface {
	SyncFromRemote(ctx context.Context, remote *types.RemoteSubscription) (bool, error)
	CancelFromRemote(ctx context.Context, providerSubID string) (bool, error)
}

// ReconcileMetrics receives per-run telemetry. Implemented by
// observability.Collector.
type ReconcileMetrics interface {
	RecordReconcileRun(ctx context.Context, checked, repaired, failed int, elapsed time.Duration)
}

// Applied ledger entries older than this are pruned each run. Retention is
// an implementation choice, not load-bearing; the ledger only needs to
// outlive the provider's redelivery window.
const ledgerRetention = 90 * 24 * time.Hour

// Reconciler periodically re-fetches every non-terminal subscription from
// the provider and repairs drift through the same serialized state-sync path
// the webhook handlers use. It covers the gaps webhooks leave: missed
// deliveries and out-of-band changes made in the provider dashboard.
type Reconciler struct {
	lister      SubscriptionLister
	pruner      LedgerPruner
	api         SubscriptionsAPI
	repair      DriftRepairer
	metrics     ReconcileMetrics
	logger      *slog.Logger
	interval    time.Duration
	parallelism int
	batchSize   int
}

// ReconcilerConfig carries the tuning from configuration.
type ReconcilerConfig struct {
	Interval    time.Duration
	Parallelism int
	BatchSize   int
}

// NewReconciler creates a Reconciler. metrics may be nil.
func NewReconciler(
	lister SubscriptionLister,
	pruner LedgerPruner,
	api SubscriptionsAPI,
	repair DriftRepairer,
	metrics ReconcileMetrics,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Reconciler{
		lister:      lister,
		pruner:      pruner,
		api:         api,
		repair:      repair,
		metrics:     metrics,
		logger:      logger,
		interval:    cfg.Interval,
		parallelism: cfg.Parallelism,
		batchSize:   cfg.BatchSize,
	}
}

// Run executes reconciliation on the configured interval until ctx is
// canceled. The first pass runs immediately.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "reconcile pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single full reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	start := time.Now()
	var checked, repaired, failed int

	afterID := ""
	for {
		subs, err := r.lister.ListNonTerminal(ctx, afterID, r.batchSize)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			break
		}
		afterID = subs[len(subs)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.parallelism)
		results := make([]reconcileResult, len(subs))
		for i, sub := range subs {
			g.Go(func() error {
				results[i] = r.reconcileOne(gctx, sub)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, res := range results {
			checked++
			if res.failed {
				failed++
			}
			if res.repaired {
				repaired++
			}
		}

		if len(subs) < r.batchSize {
			break
		}
	}

	if r.pruner != nil {
		pruned, err := r.pruner.PruneBefore(ctx, time.Now().UTC().Add(-ledgerRetention))
		if err != nil {
			r.logger.WarnContext(ctx, "ledger prune failed", "error", err)
		} else if pruned > 0 {
			r.logger.InfoContext(ctx, "ledger pruned", "entries", pruned)
		}
	}

	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordReconcileRun(ctx, checked, repaired, failed, elapsed)
	}
	r.logger.InfoContext(ctx, "reconcile pass complete",
		"checked", checked,
		"repaired", repaired,
		"failed", failed,
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

type reconcileResult struct {
	repaired bool
	failed   bool
}

func (r *Reconciler) reconcileOne(ctx context.Context, sub *types.Subscription) reconcileResult {
	remote, err := r.api.Retrieve(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			// Gone upstream entirely. Treat like a deletion event.
			canceled, err := r.repair.CancelFromRemote(ctx, sub.ProviderSubscriptionID)
			if err != nil {
				r.logger.ErrorContext(ctx, "failed to cancel vanished subscription",
					"subscription_id", sub.ID, "error", err)
				return reconcileResult{failed: true}
			}
			return reconcileResult{repaired: canceled}
		}
		r.logger.WarnContext(ctx, "provider retrieve failed",
			"subscription_id", sub.ID, "error", err)
		return reconcileResult{failed: true}
	}

	changed, err := r.repair.SyncFromRemote(ctx, remote)
	if err != nil {
		r.logger.ErrorContext(ctx, "drift repair failed",
			"subscription_id", sub.ID, "error", err)
		return reconcileResult{failed: true}
	}
	return reconcileResult{repaired: changed}
}
