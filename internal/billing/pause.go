package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"paysync/internal/types"
)

// SubscriptionStore is the persistence capability the billing services need.
// Implemented by db.SubscriptionRepository.
type SubscriptionStore interface {
	GetByID(ctx context.Context, subID string) (*types.Subscription, error)
	GetByOwnerAndName(ctx context.Context, ownerID, name string) (*types.Subscription, error)
	Create(ctx context.Context, sub *types.Subscription) error
	Save(ctx context.Context, sub *types.Subscription) error
	AddItem(ctx context.Context, subID string, item *types.SubscriptionItem) error
	RemoveItem(ctx context.Context, subID, providerItemID string) error
	ReplaceItems(ctx context.Context, subID string, items []types.SubscriptionItem) error
}

// SubscriptionsAPI is the remote provider capability for subscription writes.
// Implemented by external.ProviderClient.
type SubscriptionsAPI interface {
	Create(ctx context.Context, params CreateSubscriptionParams) (*types.RemoteSubscription, error)
	Retrieve(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error)
	Cancel(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error)
	AddItem(ctx context.Context, providerSubID, priceID string, quantity *int64) (*types.RemoteItem, error)
	RemoveItem(ctx context.Context, providerItemID string) error
	Pause(ctx context.Context, providerSubID string, behavior types.PauseBehavior, resumesAt *time.Time) (*types.RemoteSubscription, error)
	Unpause(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error)
}

// PauseController issues pause/unpause intents against the provider and
// mirrors the resulting pause-collection state locally. Preconditions are
// checked locally first; an invalid pause request never reaches the wire.
type PauseController struct {
	store  SubscriptionStore
	api    SubscriptionsAPI
	logger *slog.Logger

	// collapses concurrent self-heal fetches for the same subscription
	sync singleflight.Group
}

// NewPauseController creates a PauseController.
func NewPauseController(store SubscriptionStore, api SubscriptionsAPI, logger *slog.Logger) *PauseController {
	if logger == nil {
		logger = slog.Default()
	}
	return &PauseController{store: store, api: api, logger: logger}
}

// Pause suspends invoice collection under the given behavior. resumesAt is
// informational metadata mirrored to the provider; it never triggers a local
// automatic resume.
func (c *PauseController) Pause(ctx context.Context, sub *types.Subscription, behavior types.PauseBehavior, resumesAt *time.Time) error {
	if !behavior.Valid() {
		return types.NewAppError(
			types.ErrCodeValidationInvalidField,
			fmt.Sprintf("unknown pause behavior %q", behavior),
			nil,
		)
	}
	if !sub.Status.Pausable() {
		return types.NewAppError(
			types.ErrCodeSubscriptionStateConflict,
			fmt.Sprintf("subscription %s is %s and cannot be paused", sub.ID, sub.Status),
			nil,
		)
	}
	if sub.Paused() {
		return types.NewAppError(
			types.ErrCodeSubscriptionStateConflict,
			fmt.Sprintf("subscription %s is already paused (%s)", sub.ID, sub.Pause.Behavior),
			nil,
		)
	}

	remote, err := c.api.Pause(ctx, sub.ProviderSubscriptionID, behavior, resumesAt)
	if err != nil {
		return err
	}

	sub.Pause = &types.PauseCollection{Behavior: behavior, ResumesAt: resumesAt}
	if remote.PauseCollection != nil {
		sub.Pause = &types.PauseCollection{
			Behavior:  types.PauseBehavior(remote.PauseCollection.Behavior),
			ResumesAt: remote.PauseCollection.ResumesAtTime(),
		}
	}
	if err := c.store.Save(ctx, sub); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "subscription paused",
		"subscription_id", sub.ID,
		"behavior", string(behavior),
	)
	return nil
}

// Unpause resumes invoice collection and clears the stored pause state.
func (c *PauseController) Unpause(ctx context.Context, sub *types.Subscription) error {
	if !sub.Paused() {
		return types.NewAppError(
			types.ErrCodeSubscriptionStateConflict,
			fmt.Sprintf("subscription %s is not paused", sub.ID),
			nil,
		)
	}

	if _, err := c.api.Unpause(ctx, sub.ProviderSubscriptionID); err != nil {
		return err
	}

	sub.Pause = nil
	if err := c.store.Save(ctx, sub); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "subscription unpaused", "subscription_id", sub.ID)
	return nil
}

// SyncPauseCollection re-fetches the remote subscription and overwrites the
// local pause state, self-healing after out-of-band pauses made directly in
// the provider dashboard. Concurrent calls for the same subscription share
// one fetch.
func (c *PauseController) SyncPauseCollection(ctx context.Context, sub *types.Subscription) error {
	remoteAny, err, _ := c.sync.Do(sub.ProviderSubscriptionID, func() (any, error) {
		return c.api.Retrieve(ctx, sub.ProviderSubscriptionID)
	})
	if err != nil {
		return err
	}
	remote := remoteAny.(*types.RemoteSubscription)

	if !syncPause(sub, remote.PauseCollection) {
		return nil
	}
	if err := c.store.Save(ctx, sub); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "pause state re-synced from provider",
		"subscription_id", sub.ID,
		"paused", sub.Paused(),
	)
	return nil
}
