// Package billing implements the subscription lifecycle: the pure state
// machine that applies remote snapshots onto local subscriptions, the
// pause/resume controller, subscription creation with the incomplete-payment
// flow, and the drift reconciler. Persistence and provider access are
// injected as capability interfaces so the state machine itself stays free
// of I/O.
package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"paysync/internal/types"
)

// ApplyRemoteSnapshot mutates sub in place from the provider's authoritative
// view and reports whether anything changed. Each rule is independently
// re-appliable; running the same snapshot twice records no second change.
//
// Conflicting concurrent updates to the same field resolve last-applied-wins.
// There is no timestamp ordering: an older trial end arriving after a newer
// one does overwrite. The ledger guarantees each event applies once; it does
// not order events.
//
// now anchors the ends_at stamp when the snapshot lands directly in the
// canceled state without a scheduled end.
func ApplyRemoteSnapshot(sub *types.Subscription, remote *types.RemoteSubscription, now time.Time) (bool, error) {
	if sub.ProviderSubscriptionID != remote.ID {
		return false, types.NewAppError(
			types.ErrCodeOwnershipMismatch,
			fmt.Sprintf("remote subscription %s does not belong to local subscription %s", remote.ID, sub.ID),
			nil,
		)
	}

	remoteStatus := types.ParseSubscriptionStatus(remote.Status)

	if sub.Status.Terminal() {
		// Replay of the same terminal state is a no-op; anything else is
		// stale data for a dead subscription.
		if remoteStatus == sub.Status {
			return false, nil
		}
		return false, types.NewAppError(
			types.ErrCodeSubscriptionTerminal,
			fmt.Sprintf("subscription %s is %s; update to %s rejected", sub.ID, sub.Status, remoteStatus),
			nil,
		)
	}

	changed := false

	if remote.Quantity != nil {
		if sub.Quantity == nil || *sub.Quantity != *remote.Quantity {
			q := *remote.Quantity
			sub.Quantity = &q
			changed = true
		}
	}

	if price := remote.PrimaryPriceID(); price != "" && price != sub.PriceID {
		sub.PriceID = price
		changed = true
	}

	if remoteTrial := remote.TrialEndTime(); remoteTrial != nil {
		if sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(*remoteTrial) {
			sub.TrialEndsAt = remoteTrial
			changed = true
		}
	}

	if remote.CancelAtPeriodEnd {
		// A cancellation scheduled during a trial takes effect at trial
		// end, not at the next billing boundary.
		var endsAt time.Time
		if sub.Status == types.SubStatusTrialing && sub.TrialEndsAt != nil {
			endsAt = *sub.TrialEndsAt
		} else {
			endsAt = remote.CurrentPeriodEndTime()
		}
		if !endsAt.IsZero() && (sub.EndsAt == nil || !sub.EndsAt.Equal(endsAt)) {
			sub.EndsAt = &endsAt
			changed = true
		}
	} else if sub.EndsAt != nil && !sub.Canceled() {
		// Pending cancellation was revoked upstream.
		sub.EndsAt = nil
		changed = true
	}

	if remoteStatus != sub.Status {
		sub.Status = remoteStatus
		changed = true
		if remoteStatus == types.SubStatusCanceled && sub.EndsAt == nil {
			at := now.UTC()
			sub.EndsAt = &at
		}
	}

	if syncPause(sub, remote.PauseCollection) {
		changed = true
	}

	return changed, nil
}

// syncPause mirrors the remote pause-collection object onto sub. Pause state
// only exists while the status permits pausing; otherwise it is cleared
// regardless of what the remote payload carries.
func syncPause(sub *types.Subscription, remote *types.RemotePauseCollection) bool {
	if remote == nil || !sub.Status.Pausable() {
		if sub.Pause != nil {
			sub.Pause = nil
			return true
		}
		return false
	}

	behavior := types.PauseBehavior(remote.Behavior)
	resumesAt := remote.ResumesAtTime()

	if sub.Pause != nil && sub.Pause.Behavior == behavior && timesEqual(sub.Pause.ResumesAt, resumesAt) {
		return false
	}
	sub.Pause = &types.PauseCollection{Behavior: behavior, ResumesAt: resumesAt}
	return true
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SyncItems replaces sub's item list from the remote snapshot when the
// provider reported one. Returns the authoritative list and whether it
// differs from what was stored. Items already known locally keep their local
// ID; items new to us are minted one here.
func SyncItems(sub *types.Subscription, remote *types.RemoteSubscription) ([]types.SubscriptionItem, bool) {
	if len(remote.Items.Data) == 0 {
		return sub.Items, false
	}

	known := make(map[string]types.SubscriptionItem, len(sub.Items))
	for _, it := range sub.Items {
		known[it.ProviderItemID] = it
	}

	items := make([]types.SubscriptionItem, 0, len(remote.Items.Data))
	for _, ri := range remote.Items.Data {
		item := types.SubscriptionItem{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			ProviderItemID: ri.ID,
			ProductID:      ri.Price.ProductID,
			PriceID:        ri.Price.ID,
			Quantity:       ri.Quantity,
		}
		if prev, ok := known[ri.ID]; ok {
			item.ID = prev.ID
			item.CreatedAt = prev.CreatedAt
		}
		items = append(items, item)
	}

	if itemsEqual(sub.Items, items) {
		return sub.Items, false
	}
	sub.Items = items
	return items, true
}

func itemsEqual(a, b []types.SubscriptionItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProviderItemID != b[i].ProviderItemID ||
			a[i].PriceID != b[i].PriceID ||
			a[i].ProductID != b[i].ProductID {
			return false
		}
		if (a[i].Quantity == nil) != (b[i].Quantity == nil) {
			return false
		}
		if a[i].Quantity != nil && *a[i].Quantity != *b[i].Quantity {
			return false
		}
	}
	return true
}

// MarkCanceled moves sub to its terminal canceled state and fixes ends_at to
// the cancellation moment. Idempotent: re-canceling a canceled subscription
// changes nothing.
func MarkCanceled(sub *types.Subscription, at time.Time) bool {
	if sub.Canceled() {
		return false
	}
	at = at.UTC()
	sub.Status = types.SubStatusCanceled
	sub.EndsAt = &at
	sub.Pause = nil
	return true
}

// MarkCanceledSkipTrial cancels immediately and discards any remaining
// trial. Used by the customer-deletion cascade: when the remote customer is
// gone, nothing billable remains and the trial is not honored.
func MarkCanceledSkipTrial(sub *types.Subscription, at time.Time) bool {
	trialed := sub.TrialEndsAt != nil
	sub.TrialEndsAt = nil
	return MarkCanceled(sub, at) || trialed
}
