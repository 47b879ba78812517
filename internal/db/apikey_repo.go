package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"paysync/internal/types"
)

// APIKeyRepository provides data access for the api_keys table. API keys use
// bcrypt hashing; plaintext secrets are never stored. Lookups run against
// the key prefix, then the caller verifies the full secret against key_hash.
type APIKeyRepository struct {
	db DBTX
}

// NewAPIKeyRepository creates a new APIKeyRepository backed by the given
// database connection (pool or transaction).
func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// GetByPrefix retrieves the API key record matching a key prefix. Revoked
// keys are returned with RevokedAt set so the caller can distinguish
// "revoked" from "never existed".
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error) {
	var k types.APIKey
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, key_hash, key_prefix, name, last_used_at,
		        revoked_at, created_at
		 FROM api_keys
		 WHERE key_prefix = $1`,
		prefix,
	).Scan(
		&k.ID,
		&k.OwnerID,
		&k.KeyHash,
		&k.KeyPrefix,
		&k.Name,
		&k.LastUsedAt,
		&k.RevokedAt,
		&k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthAPIKeyInvalid, "api key not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get api key", err)
	}
	return &k, nil
}

// Create inserts a new API key record. Only the bcrypt hash is persisted.
func (r *APIKeyRepository) Create(ctx context.Context, key *types.APIKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, key_hash, key_prefix, name, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		key.ID,
		key.OwnerID,
		key.KeyHash,
		key.KeyPrefix,
		key.Name,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create api key", err)
	}
	return nil
}

// TouchLastUsed records key usage. Best-effort; auth succeeds even if the
// timestamp write fails.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, keyID string, usedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`,
		usedAt,
		keyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch api key", err)
	}
	return nil
}

// Revoke marks an API key unusable. Idempotent; revoking twice keeps the
// original timestamp.
func (r *APIKeyRepository) Revoke(ctx context.Context, keyID string, revokedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys
		 SET revoked_at = $1
		 WHERE id = $2 AND revoked_at IS NULL`,
		revokedAt,
		keyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOwner, "api key not found or already revoked", nil)
	}
	return nil
}
