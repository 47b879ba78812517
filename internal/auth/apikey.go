// Package auth implements API-key authentication for the paysync platform.
// Keys are presented as "psk_<secret>", stored as bcrypt hashes, and looked
// up by a fixed-length prefix so verification never scans the table.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"paysync/internal/types"
)

// bcryptCost is the bcrypt cost factor used for API key hashing.
const bcryptCost = 12

const (
	keyPrefix = "psk_"
	// prefixLength is the number of leading key characters persisted in
	// plaintext for lookup, "psk_" included.
	prefixLength = 12
	// secretBytes is the entropy of the generated secret.
	secretBytes = 24
)

// KeyStore defines the data access the service needs. Implemented by
// db.APIKeyRepository.
type KeyStore interface {
	GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error)
	Create(ctx context.Context, key *types.APIKey) error
	TouchLastUsed(ctx context.Context, keyID string, usedAt time.Time) error
}

// APIKeyService authenticates presented API keys against stored bcrypt
// hashes. It implements core.APIKeyAuthenticator.
type APIKeyService struct {
	keys   KeyStore
	clock  types.Clock
	logger *slog.Logger
}

// NewAPIKeyService creates an APIKeyService.
func NewAPIKeyService(keys KeyStore, clock types.Clock, logger *slog.Logger) *APIKeyService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyService{keys: keys, clock: clock, logger: logger}
}

// Authenticate resolves a presented key to its owning Actor. Revoked keys
// are rejected with a distinct code; an unknown prefix and a hash mismatch
// are indistinguishable to the caller.
func (s *APIKeyService) Authenticate(r *http.Request, key string) (types.Actor, error) {
	ctx := r.Context()

	if len(key) < prefixLength || key[:len(keyPrefix)] != keyPrefix {
		return types.Actor{}, types.NewAppError(
			types.ErrCodeAuthAPIKeyInvalid,
			"malformed api key",
			nil,
		)
	}

	record, err := s.keys.GetByPrefix(ctx, key[:prefixLength])
	if err != nil {
		return types.Actor{}, err
	}

	if record.Revoked() {
		return types.Actor{}, types.NewAppError(
			types.ErrCodeAuthAPIKeyRevoked,
			"api key has been revoked",
			nil,
		)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.KeyHash), []byte(key)); err != nil {
		return types.Actor{}, types.NewAppError(
			types.ErrCodeAuthAPIKeyInvalid,
			"api key verification failed",
			nil,
		)
	}

	// Best effort; a failed touch never blocks an authenticated request.
	if err := s.keys.TouchLastUsed(ctx, record.ID, s.clock.Now()); err != nil {
		s.logger.WarnContext(ctx, "failed to touch api key",
			"key_id", record.ID,
			"error", err,
		)
	}

	return types.Actor{
		ID:     record.OwnerID,
		Type:   types.ActorTypeAPIKey,
		Source: record.Name,
	}, nil
}

// Issue mints a new API key for an owner and persists its hash. The returned
// plaintext is shown to the caller exactly once and never stored.
func (s *APIKeyService) Issue(ctx context.Context, ownerID, name string) (string, *types.APIKey, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate api key", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash api key", err)
	}

	record := &types.APIKey{
		ID:        fmt.Sprintf("key_%s", uuid.NewString()),
		OwnerID:   ownerID,
		KeyHash:   string(hash),
		KeyPrefix: plaintext[:prefixLength],
		Name:      name,
		CreatedAt: s.clock.Now(),
	}
	if err := s.keys.Create(ctx, record); err != nil {
		return "", nil, err
	}

	s.logger.InfoContext(ctx, "api key issued",
		"key_id", record.ID,
		"owner_id", ownerID,
		"name", name,
	)
	return plaintext, record, nil
}
