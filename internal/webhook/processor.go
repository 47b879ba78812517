package webhook

import (
	"context"
	"log/slog"
	"time"

	"paysync/internal/db"
	"paysync/internal/types"
)

// Outcome describes what processing an event did.
type Outcome string

const (
	// OutcomeApplied means the handler ran and its changes committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyProcessed means the ledger had already applied this
	// event id; the handler did not run.
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeNoOp means no handler is registered for the event kind; the
	// event was acknowledged and stamped applied.
	OutcomeNoOp Outcome = "no_op"
)

// Handler applies one event kind inside the processor's transaction.
type Handler func(ctx context.Context, tx db.DBTX, event *Event) error

// Metrics receives webhook processing telemetry. Implemented by
// observability.Collector.
type Metrics interface {
	RecordWebhookEvent(ctx context.Context, kind string, outcome string, elapsed time.Duration)
}

// Processor is the idempotency ledger gate plus the event dispatcher. Every
// event runs through one transaction: ledger claim, handler, applied stamp.
// A handler failure rolls everything back so the provider's redelivery
// retries the whole event.
type Processor struct {
	runner   db.TxRunner
	handlers map[types.EventKind]Handler
	clock    types.Clock
	metrics  Metrics
	logger   *slog.Logger
}

// NewProcessor creates a Processor with a static handler table. Event kinds
// outside the table are acknowledged as no-ops; there is no dynamic
// registration. clock and metrics may be nil.
func NewProcessor(runner db.TxRunner, handlers map[types.EventKind]Handler, clock types.Clock, metrics Metrics, logger *slog.Logger) *Processor {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		runner:   runner,
		handlers: handlers,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// Process applies an event at most once. The ledger claim (insert-if-absent
// plus row lock) serializes concurrent deliveries of the same event id: the
// loser of the race observes applied_at set and returns AlreadyProcessed.
// On handler failure the transaction rolls back with the ledger unstamped,
// and the boundary answers non-2xx so the provider redelivers.
func (p *Processor) Process(ctx context.Context, event *Event) (Outcome, error) {
	start := p.clock.Now()
	var outcome Outcome

	err := p.runner.InTx(ctx, func(tx db.DBTX) error {
		ledger := db.NewWebhookEventRepository(tx)

		if err := ledger.Record(ctx, event.ID, event.Type, start); err != nil {
			return err
		}
		entry, err := ledger.Claim(ctx, event.ID)
		if err != nil {
			return err
		}
		if entry.Applied() {
			outcome = OutcomeAlreadyProcessed
			return nil
		}

		handler, ok := p.handlers[event.Type]
		if !ok {
			outcome = OutcomeNoOp
			return ledger.MarkApplied(ctx, event.ID, p.clock.Now())
		}

		if err := handler(ctx, tx, event); err != nil {
			return err
		}
		outcome = OutcomeApplied
		return ledger.MarkApplied(ctx, event.ID, p.clock.Now())
	})

	elapsed := p.clock.Now().Sub(start)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordWebhookEvent(ctx, string(event.Type), "failed", elapsed)
		}
		p.logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err,
		)
		return "", err
	}

	if p.metrics != nil {
		p.metrics.RecordWebhookEvent(ctx, string(event.Type), string(outcome), elapsed)
	}
	p.logger.InfoContext(ctx, "webhook event processed",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"outcome", string(outcome),
		"duration_ms", elapsed.Milliseconds(),
	)
	return outcome, nil
}
