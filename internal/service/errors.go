package service

import "errors"

// Error taxonomy of the authentication core. Handlers normalize the
// security-sensitive ones to a generic external message; the distinctions
// exist for logs and for the few places the workflow genuinely branches.
var (
	ErrNotFound           = errors.New("account not found")
	ErrInactive           = errors.New("account inactive")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPinRequired        = errors.New("admin pin required")
	ErrPinInvalid         = errors.New("admin pin invalid")

	ErrSecondFactorNotConfigured = errors.New("second factor not configured")
	ErrInvalidSecondFactorCode   = errors.New("invalid or expired second factor code")

	ErrRecoveryExpired     = errors.New("recovery request expired")
	ErrInvalidRecoveryCode = errors.New("incorrect or expired code")
	ErrRecoveryNotVerified = errors.New("recovery request not verified")

	ErrWeakPassword     = errors.New("password too weak")
	ErrDuplicateAccount = errors.New("account already exists")
	ErrRateLimited      = errors.New("too many attempts")
	ErrInvalidSession   = errors.New("invalid session")
	ErrUnknownSetting   = errors.New("unknown setting key")

	// ErrLoginsDisabled means the login-enabled flag is down. While it is,
	// every non-admin login outcome collapses into this one signal so the
	// flag state cannot be used to test credentials.
	ErrLoginsDisabled = errors.New("logins are disabled")

	// ErrConflict means a recovery transition lost a compare-and-swap race
	// twice; the caller restarts from a fresh read.
	ErrConflict = errors.New("conflicting update, retry")

	// ErrStoreUnavailable wraps any credential-store failure. It is fatal
	// to the request; nothing in this core falls back to "allow".
	ErrStoreUnavailable = errors.New("credential store unavailable")
)
