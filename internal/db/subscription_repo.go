package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"paysync/internal/types"
)

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SubscriptionRepository provides data access for the subscriptions and
// subscription_items tables.
//
// Key invariants:
//   - GetByProviderIDForUpdate takes a row lock so concurrent webhook
//     deliveries for the same subscription serialize instead of clobbering
//     each other.
//   - Save persists the full mutable state in one statement; the state
//     machine in internal/billing owns which fields actually changed.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by
// the given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, owner_id, name, provider_subscription_id,
	status, price_id, quantity, trial_ends_at, ends_at,
	pause_behavior, pause_resumes_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		s             types.Subscription
		pauseBehavior *string
		pauseResumes  *time.Time
	)
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.Name,
		&s.ProviderSubscriptionID,
		&s.Status,
		&s.PriceID,
		&s.Quantity,
		&s.TrialEndsAt,
		&s.EndsAt,
		&pauseBehavior,
		&pauseResumes,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pauseBehavior != nil {
		s.Pause = &types.PauseCollection{
			Behavior:  types.PauseBehavior(*pauseBehavior),
			ResumesAt: pauseResumes,
		}
	}
	return &s, nil
}

// pausePersistence flattens the optional pause sub-state into its two
// nullable columns.
func pausePersistence(sub *types.Subscription) (*string, *time.Time) {
	if sub.Pause == nil {
		return nil, nil
	}
	b := string(sub.Pause.Behavior)
	return &b, sub.Pause.ResumesAt
}

// Create inserts a new subscription row together with its items. Must run
// inside a transaction when items are present.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription) error {
	pauseBehavior, pauseResumes := pausePersistence(sub)

	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
			id, owner_id, name, provider_subscription_id, status, price_id,
			quantity, trial_ends_at, ends_at, pause_behavior, pause_resumes_at,
			created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`,
		sub.ID,
		sub.OwnerID,
		sub.Name,
		sub.ProviderSubscriptionID,
		sub.Status,
		sub.PriceID,
		sub.Quantity,
		sub.TrialEndsAt,
		sub.EndsAt,
		pauseBehavior,
		pauseResumes,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}

	for i := range sub.Items {
		if err := r.AddItem(ctx, sub.ID, &sub.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the mutable fields of a subscription. The caller holds the
// row lock from GetByProviderIDForUpdate when racing webhooks matter.
func (r *SubscriptionRepository) Save(ctx context.Context, sub *types.Subscription) error {
	pauseBehavior, pauseResumes := pausePersistence(sub)

	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     price_id = $2,
		     quantity = $3,
		     trial_ends_at = $4,
		     ends_at = $5,
		     pause_behavior = $6,
		     pause_resumes_at = $7,
		     updated_at = NOW()
		 WHERE id = $8`,
		sub.Status,
		sub.PriceID,
		sub.Quantity,
		sub.TrialEndsAt,
		sub.EndsAt,
		pauseBehavior,
		pauseResumes,
		sub.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// GetByProviderID retrieves a subscription by its remote identifier.
func (r *SubscriptionRepository) GetByProviderID(ctx context.Context, providerSubID string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubID,
	)
}

// GetByProviderIDForUpdate retrieves a subscription by its remote identifier
// with a FOR UPDATE row lock. Concurrent webhook transactions for the same
// subscription queue behind the lock.
func (r *SubscriptionRepository) GetByProviderIDForUpdate(ctx context.Context, providerSubID string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1 FOR UPDATE`,
		providerSubID,
	)
}

// GetByID retrieves a subscription by its local identifier.
func (r *SubscriptionRepository) GetByID(ctx context.Context, subID string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		subID,
	)
}

// GetByOwnerAndName retrieves the owner's subscription in the named slot,
// terminal or not. Slot uniqueness checks look at the result's status.
func (r *SubscriptionRepository) GetByOwnerAndName(ctx context.Context, ownerID, name string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE owner_id = $1 AND name = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		ownerID, name,
	)
}

func (r *SubscriptionRepository) getOne(ctx context.Context, query string, args ...any) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	items, err := r.ListItems(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Items = items
	return sub, nil
}

// ListByOwnerForUpdate retrieves all non-terminal subscriptions for an owner
// with row locks, in stable id order to avoid lock-order deadlocks between
// concurrent cascades.
func (r *SubscriptionRepository) ListByOwnerForUpdate(ctx context.Context, ownerID string) ([]*types.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE owner_id = $1
		   AND status NOT IN ($2, $3)
		 ORDER BY id
		 FOR UPDATE`,
		ownerID, types.SubStatusCanceled, types.SubStatusIncompleteExpired,
	)
}

// ListNonTerminal pages through every subscription still linked to a live
// remote counterpart. The reconciler walks these to repair drift.
func (r *SubscriptionRepository) ListNonTerminal(ctx context.Context, afterID string, limit int) ([]*types.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status NOT IN ($1, $2)
		   AND id > $3
		 ORDER BY id
		 LIMIT $4`,
		types.SubStatusCanceled, types.SubStatusIncompleteExpired, afterID, limit,
	)
}

func (r *SubscriptionRepository) list(ctx context.Context, query string, args ...any) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscriptions", err)
	}

	for _, sub := range subs {
		items, err := r.ListItems(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		sub.Items = items
	}
	return subs, nil
}

// --- Items ---

// AddItem inserts one subscription item. The partial unique index on
// (subscription_id, price_id) backs the duplicate-price invariant; a
// violation surfaces as ErrCodeDuplicatePrice.
func (r *SubscriptionRepository) AddItem(ctx context.Context, subID string, item *types.SubscriptionItem) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscription_items (
			id, subscription_id, provider_item_id, product_id, price_id,
			quantity, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		item.ID,
		subID,
		item.ProviderItemID,
		item.ProductID,
		item.PriceID,
		item.Quantity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(
				types.ErrCodeDuplicatePrice,
				fmt.Sprintf("subscription already has an item at price %s", item.PriceID),
				err,
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to add subscription item", err)
	}
	return nil
}

// RemoveItem deletes a subscription item by its provider identifier.
func (r *SubscriptionRepository) RemoveItem(ctx context.Context, subID, providerItemID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM subscription_items
		 WHERE subscription_id = $1 AND provider_item_id = $2`,
		subID, providerItemID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove subscription item", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundItem, "subscription item not found", nil)
	}
	return nil
}

// ReplaceItems swaps the item set wholesale. The synchronizer uses this when
// a remote snapshot carries the authoritative item list.
func (r *SubscriptionRepository) ReplaceItems(ctx context.Context, subID string, items []types.SubscriptionItem) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM subscription_items WHERE subscription_id = $1`,
		subID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear subscription items", err)
	}
	for i := range items {
		if err := r.AddItem(ctx, subID, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

// ListItems retrieves all items on a subscription ordered by creation.
func (r *SubscriptionRepository) ListItems(ctx context.Context, subID string) ([]types.SubscriptionItem, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, subscription_id, provider_item_id, product_id, price_id,
		        quantity, created_at
		 FROM subscription_items
		 WHERE subscription_id = $1
		 ORDER BY created_at, id`,
		subID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscription items", err)
	}
	defer rows.Close()

	var items []types.SubscriptionItem
	for rows.Next() {
		var it types.SubscriptionItem
		if err := rows.Scan(
			&it.ID,
			&it.SubscriptionID,
			&it.ProviderItemID,
			&it.ProductID,
			&it.PriceID,
			&it.Quantity,
			&it.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscription items", err)
	}
	return items, nil
}
