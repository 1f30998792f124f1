package model

import "time"

// Known roles. The capability defaults for each live in configuration,
// so adding a role does not require a rebuild.
const (
	RoleAdmin   = "admin"
	RoleUsher   = "usher"
	RolePastor  = "pastor"
	RoleMedia   = "media"
	RoleFinance = "finance"
)

// Account is the identity record backing authentication. The recovery
// sub-record is typed (not a free-form metadata blob) so that illegal
// recovery states are unrepresentable, and Version backs compare-and-swap
// updates of recovery transitions.
type Account struct {
	ID       string `db:"id"`
	Username string `db:"username"`
	Email    string `db:"email"`
	Role     string `db:"role"`
	IsActive bool   `db:"is_active"`

	PasswordHash string `db:"password_hash"`

	// Populated together for admin accounts, absent for all others.
	AdminPINHash  string `db:"admin_pin_hash"`
	TOTPSecretEnc string `db:"totp_secret_enc"`
	TOTPSecretDEK string `db:"totp_secret_dek"`
	TOTPKeyID     string `db:"totp_key_id"`

	AllowedTabsOverride []string `db:"allowed_tabs_override"`

	Recovery RecoveryRequest `db:"-"`

	// Fingerprint of the most recently issued session credential; an older
	// credential fails validation by fingerprint mismatch.
	SessionFingerprint string `db:"session_fingerprint"`

	LastLogin *time.Time `db:"last_login"`
	Version   int64      `db:"version"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
}

// HasSecondFactor reports whether a TOTP secret is provisioned.
func (a *Account) HasSecondFactor() bool {
	return a.TOTPSecretEnc != ""
}
