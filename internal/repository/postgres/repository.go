package postgres

import (
	"context"
	"time"

	"parishhub-auth/internal/model"
)

// AccountRepository is the credential-store boundary consumed by the
// authentication service.
type AccountRepository interface {
	Create(ctx context.Context, account *model.Account) error
	GetByID(ctx context.Context, id string) (*model.Account, error)
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)

	// UpdateRecovery persists a recovery sub-record transition with
	// compare-and-swap semantics on the account's version column.
	UpdateRecovery(ctx context.Context, id string, rec model.RecoveryRequest, expectedVersion int64) error

	// CompleteRecovery atomically replaces the password hash and clears the
	// recovery sub-record, also CAS-guarded.
	CompleteRecovery(ctx context.Context, id, newPasswordHash string, expectedVersion int64) error

	// StampLogin records the login time and the fingerprint of the freshly
	// issued credential (single-active-session check).
	StampLogin(ctx context.Context, id, fingerprint string, at time.Time) error

	HealthCheck(ctx context.Context) error
}

// SettingsRepository stores the global gate flags.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*model.Setting, error)
	Set(ctx context.Context, setting *model.Setting) error
}
