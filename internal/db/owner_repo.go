package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"paysync/internal/types"
)

// OwnerRepository provides data access for the owners table. Owners are the
// local billable entities linked to remote provider customers via
// provider_customer_id.
type OwnerRepository struct {
	db DBTX
}

// NewOwnerRepository creates a new OwnerRepository backed by the given
// database connection (pool or transaction).
func NewOwnerRepository(db DBTX) *OwnerRepository {
	return &OwnerRepository{db: db}
}

const ownerColumns = `id, provider_customer_id, billing_email,
	payment_method_brand, payment_method_last4, trial_ends_at,
	created_at, updated_at, deleted_at`

func scanOwner(row pgx.Row) (*types.Owner, error) {
	var o types.Owner
	err := row.Scan(
		&o.ID,
		&o.ProviderCustomerID,
		&o.BillingEmail,
		&o.PaymentMethodBrand,
		&o.PaymentMethodLast4,
		&o.TrialEndsAt,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetByID retrieves an owner by its local identifier. Soft-deleted owners
// are still returned; callers decide whether deletion matters.
func (r *OwnerRepository) GetByID(ctx context.Context, ownerID string) (*types.Owner, error) {
	owner, err := scanOwner(r.db.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE id = $1`,
		ownerID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOwner, "owner not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get owner", err)
	}
	return owner, nil
}

// GetByProviderCustomerID resolves the owner linked to a remote customer.
// Webhook handlers use this to map provider events back to local state.
func (r *OwnerRepository) GetByProviderCustomerID(ctx context.Context, customerID string) (*types.Owner, error) {
	owner, err := scanOwner(r.db.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE provider_customer_id = $1`,
		customerID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOwner, "no owner linked to provider customer", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get owner by provider customer", err)
	}
	return owner, nil
}

// SetProviderCustomerID links an owner to a freshly created remote customer.
// The link is written at most once; a second write for a different customer
// indicates a race and fails with a conflict.
func (r *OwnerRepository) SetProviderCustomerID(ctx context.Context, ownerID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE owners
		 SET provider_customer_id = $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND (provider_customer_id IS NULL OR provider_customer_id = $1)`,
		customerID,
		ownerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link provider customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(
			types.ErrCodeSubscriptionStateConflict,
			"owner is already linked to a different provider customer",
			nil,
		)
	}
	return nil
}

// UpdateBillingContact refreshes the cached billing email and default payment
// method details from a customer.updated event. Nil brand/last4 clears the
// cached card.
func (r *OwnerRepository) UpdateBillingContact(ctx context.Context, ownerID string, email string, brand, last4 *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE owners
		 SET billing_email = $1,
		     payment_method_brand = $2,
		     payment_method_last4 = $3,
		     updated_at = NOW()
		 WHERE id = $4`,
		email,
		brand,
		last4,
		ownerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update billing contact", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOwner, "owner not found", nil)
	}
	return nil
}

// ClearPaymentMethod drops the cached default payment method. Used when the
// remote source backing it is detached (customer.source.deleted).
func (r *OwnerRepository) ClearPaymentMethod(ctx context.Context, ownerID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE owners
		 SET payment_method_brand = NULL,
		     payment_method_last4 = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		ownerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear payment method", err)
	}
	return nil
}

// ClearRemoteLinkage severs the owner's connection to the remote provider:
// customer id, cached payment method, and any provider-managed trial. Called
// from the customer.deleted cascade after local subscriptions are canceled.
func (r *OwnerRepository) ClearRemoteLinkage(ctx context.Context, ownerID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE owners
		 SET provider_customer_id = NULL,
		     payment_method_brand = NULL,
		     payment_method_last4 = NULL,
		     trial_ends_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		ownerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear remote linkage", err)
	}
	return nil
}

// SetTrialEnd records an owner-level trial deadline granted without a
// payment method on file.
func (r *OwnerRepository) SetTrialEnd(ctx context.Context, ownerID string, trialEndsAt *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE owners SET trial_ends_at = $1, updated_at = NOW() WHERE id = $2`,
		trialEndsAt,
		ownerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set trial end", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOwner, "owner not found", nil)
	}
	return nil
}
