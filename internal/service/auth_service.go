package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parishhub-auth/internal/audit"
	"parishhub-auth/internal/capability"
	"parishhub-auth/internal/config"
	"parishhub-auth/internal/encryption"
	"parishhub-auth/internal/hashing"
	"parishhub-auth/internal/model"
	"parishhub-auth/internal/recovery"
	"parishhub-auth/internal/repository/postgres"
	redisrepo "parishhub-auth/internal/repository/redis"
	"parishhub-auth/internal/token"
	"parishhub-auth/internal/totp"
	"parishhub-auth/internal/util"
)

const (
	scopeLogin    = "login"
	scopeRecovery = "recovery"
)

// AuthService implements the authentication and recovery operations of the
// core. Each call is an independent request/response pair; all durable
// state lives in the account store.
type AuthService struct {
	accounts   postgres.AccountRepository
	hasher     *hashing.Hasher
	totp       *totp.Manager
	issuer     *token.Issuer
	resolver   *capability.Resolver
	machine    *recovery.Machine
	secrets    *encryption.Manager
	rateLimits *redisrepo.RateLimitCache
	recorder   *audit.Recorder
	settings   *SettingsService
	cfg        *config.Config
	now        func() time.Time
}

func NewAuthService(
	accounts postgres.AccountRepository,
	hasher *hashing.Hasher,
	totpManager *totp.Manager,
	issuer *token.Issuer,
	resolver *capability.Resolver,
	machine *recovery.Machine,
	secrets *encryption.Manager,
	rateLimits *redisrepo.RateLimitCache,
	recorder *audit.Recorder,
	settings *SettingsService,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		accounts:   accounts,
		hasher:     hasher,
		totp:       totpManager,
		issuer:     issuer,
		resolver:   resolver,
		machine:    machine,
		secrets:    secrets,
		rateLimits: rateLimits,
		recorder:   recorder,
		settings:   settings,
		cfg:        cfg,
		now:        time.Now,
	}
}

// WithClock overrides the service clock. Tests only.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// RequestMeta carries request-scoped context recorded with audit events.
type RequestMeta struct {
	IPAddress string
	ClientEnv string
}

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	PIN      string `json:"pin,omitempty"`
	Meta     RequestMeta
}

// LoginResult is the outcome of Authenticate / VerifySecondFactor. When
// SecondFactorRequired is set no credential has been issued yet; the caller
// must follow up with VerifySecondFactor.
type LoginResult struct {
	Token                string     `json:"token,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	Role                 string     `json:"role"`
	AllowedTabs          []string   `json:"allowed_tabs,omitempty"`
	SecondFactorRequired bool       `json:"second_factor_required"`
}

// Authenticate verifies username/password (and the admin PIN when one is
// provisioned). Lookup failures and password mismatches are indistinguishable
// to the caller; only the inactive state is surfaced distinctly so the UI
// can point at an administrator instead of the password form.
//
// The login-enabled flag admits administrators only: they must be able to
// sign in to flip the flag back. While logins are disabled every non-admin
// outcome, success and failure alike, collapses into ErrLoginsDisabled.
func (s *AuthService) Authenticate(ctx context.Context, req AuthenticateRequest) (*LoginResult, error) {
	loginsEnabled, err := s.loginsEnabled(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.authenticate(ctx, req, loginsEnabled)
	if err != nil && !loginsEnabled && !errors.Is(err, ErrStoreUnavailable) {
		return nil, ErrLoginsDisabled
	}
	return result, err
}

func (s *AuthService) authenticate(ctx context.Context, req AuthenticateRequest, loginsEnabled bool) (*LoginResult, error) {
	if err := s.checkRateLimit(ctx, scopeLogin, req.Username); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.noteLoginFailure(ctx, req, nil, "unknown_username")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !account.IsActive {
		s.noteLoginFailure(ctx, req, account, "inactive")
		return nil, ErrInactive
	}

	ok, err := s.hasher.VerifyPassword(req.Password, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		s.noteLoginFailure(ctx, req, account, "wrong_password")
		return nil, ErrInvalidCredentials
	}

	if account.AdminPINHash != "" {
		if req.PIN == "" {
			return nil, ErrPinRequired
		}
		pinOK, err := s.hasher.VerifyPIN(req.PIN, account.AdminPINHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !pinOK {
			s.noteLoginFailure(ctx, req, account, "wrong_pin")
			return nil, ErrPinInvalid
		}
	}

	if !loginsEnabled && account.Role != model.RoleAdmin {
		s.record(ctx, account, model.EventLoginFailure, req.Meta, "logins_disabled")
		return nil, ErrLoginsDisabled
	}

	if account.HasSecondFactor() {
		// Credential issuance waits for the time-based code.
		return &LoginResult{Role: account.Role, SecondFactorRequired: true}, nil
	}

	return s.issueSession(ctx, account, s.cfg.Auth.LoginTTL, req.Meta)
}

// VerifySecondFactor validates a time-based code and issues the
// longer-lived admin credential.
func (s *AuthService) VerifySecondFactor(ctx context.Context, username, code string, meta RequestMeta) (*LoginResult, error) {
	if err := s.checkRateLimit(ctx, scopeLogin, username); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !account.IsActive {
		return nil, ErrInactive
	}
	if !account.HasSecondFactor() {
		return nil, ErrSecondFactorNotConfigured
	}
	if account.Role != model.RoleAdmin {
		enabled, err := s.loginsEnabled(ctx)
		if err != nil {
			return nil, err
		}
		if !enabled {
			return nil, ErrLoginsDisabled
		}
	}

	secret, err := s.secrets.DecryptSecret(ctx, &encryption.EncryptedSecret{
		Value: account.TOTPSecretEnc,
		DEK:   account.TOTPSecretDEK,
		KeyID: account.TOTPKeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ok, err := s.totp.VerifyCode(secret, code, s.now())
	if err != nil {
		return nil, ErrSecondFactorNotConfigured
	}
	if !ok {
		s.record(ctx, account, model.EventSecondFactorFail, meta, "code_mismatch")
		s.bumpAttempts(ctx, scopeLogin, username, s.cfg.RateLimit.LoginMaxAttempts,
			s.cfg.RateLimit.LoginWindow, s.cfg.RateLimit.LoginLockout)
		return nil, ErrInvalidSecondFactorCode
	}

	s.record(ctx, account, model.EventSecondFactorOK, meta, "")
	return s.issueSession(ctx, account, s.cfg.Auth.AdminLoginTTL, meta)
}

// ResolveCapabilities recomputes the allowed tabs for an account. Pure
// function of the current role and override set, so admin changes take
// effect on the next call.
func (s *AuthService) ResolveCapabilities(ctx context.Context, accountID string) ([]string, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.resolver.Resolve(account.Role, account.AllowedTabsOverride), nil
}

// Profile is the session-gated self view, with capabilities re-derived on
// every fetch.
type Profile struct {
	AccountID   string     `json:"account_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	AllowedTabs []string   `json:"allowed_tabs"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

func (s *AuthService) GetProfile(ctx context.Context, accountID string) (*Profile, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &Profile{
		AccountID:   account.ID,
		Username:    account.Username,
		Email:       account.Email,
		Role:        account.Role,
		AllowedTabs: s.resolver.Resolve(account.Role, account.AllowedTabsOverride),
		LastLogin:   account.LastLogin,
	}, nil
}

// ValidateSession checks signature and expiry, then layers the stateful
// single-active-session comparison on top: the presented credential's
// fingerprint must match the one stored at issuance.
func (s *AuthService) ValidateSession(ctx context.Context, tokenString string) (*token.Claims, error) {
	claims, err := s.issuer.Verify(tokenString)
	if err != nil {
		return nil, ErrInvalidSession
	}

	account, err := s.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !account.IsActive {
		return nil, ErrInvalidSession
	}
	if s.cfg.Auth.SingleSession && account.SessionFingerprint != token.Fingerprint(tokenString) {
		s.record(ctx, account, model.EventSessionRevoked, RequestMeta{}, "fingerprint_mismatch")
		return nil, ErrInvalidSession
	}

	return claims, nil
}

func (s *AuthService) issueSession(ctx context.Context, account *model.Account, ttl time.Duration, meta RequestMeta) (*LoginResult, error) {
	tabs := s.resolver.Resolve(account.Role, account.AllowedTabsOverride)

	issued, err := s.issuer.Issue(account.ID, account.Username, account.Role, tabs, ttl)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	if err := s.accounts.StampLogin(ctx, account.ID, issued.Fingerprint, s.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.resetAttempts(ctx, scopeLogin, account.Username)
	s.record(ctx, account, model.EventLoginSuccess, meta, "")

	return &LoginResult{
		Token:       issued.Token,
		ExpiresAt:   &issued.ExpiresAt,
		Role:        account.Role,
		AllowedTabs: tabs,
	}, nil
}

func (s *AuthService) noteLoginFailure(ctx context.Context, req AuthenticateRequest, account *model.Account, reason string) {
	event := model.SecurityEvent{
		Username:  req.Username,
		EventType: model.EventLoginFailure,
		IPAddress: req.Meta.IPAddress,
		ClientEnv: req.Meta.ClientEnv,
		Details:   reason,
	}
	if account != nil {
		event.AccountID = account.ID
	}
	if s.recorder != nil {
		s.recorder.Record(ctx, event)
	}
	s.bumpAttempts(ctx, scopeLogin, req.Username, s.cfg.RateLimit.LoginMaxAttempts,
		s.cfg.RateLimit.LoginWindow, s.cfg.RateLimit.LoginLockout)
}

func (s *AuthService) record(ctx context.Context, account *model.Account, eventType string, meta RequestMeta, details string) {
	if s.recorder == nil {
		return
	}
	event := model.SecurityEvent{
		EventType: eventType,
		IPAddress: meta.IPAddress,
		ClientEnv: meta.ClientEnv,
		Details:   details,
	}
	if account != nil {
		event.AccountID = account.ID
		event.Username = account.Username
	}
	s.recorder.Record(ctx, event)
}

// loginsEnabled reads the login-enabled flag, failing closed on a store
// error. With no settings service wired the flag is treated as up.
func (s *AuthService) loginsEnabled(ctx context.Context) (bool, error) {
	if s.settings == nil {
		return true, nil
	}
	return s.settings.IsLoginEnabled(ctx)
}

func (s *AuthService) checkRateLimit(ctx context.Context, scope, subject string) error {
	if s.rateLimits == nil {
		return nil
	}
	locked, err := s.rateLimits.IsLocked(ctx, scope, subject)
	if err != nil {
		// Fail closed: an unreadable limiter denies, it never allows.
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if locked {
		return ErrRateLimited
	}
	return nil
}

func (s *AuthService) bumpAttempts(ctx context.Context, scope, subject string, max int, window, lockout time.Duration) {
	if s.rateLimits == nil {
		return
	}
	count, err := s.rateLimits.IncrementAttempts(ctx, scope, subject, window)
	if err != nil {
		util.Warn("Failed to count auth attempt", zap.Error(err))
		return
	}
	if count >= max {
		if err := s.rateLimits.SetLock(ctx, scope, subject, lockout); err != nil {
			util.Warn("Failed to set auth lock", zap.Error(err))
		}
	}
}

func (s *AuthService) resetAttempts(ctx context.Context, scope, subject string) {
	if s.rateLimits == nil {
		return
	}
	if err := s.rateLimits.ResetAttempts(ctx, scope, subject); err != nil {
		util.Warn("Failed to reset auth attempts", zap.Error(err))
	}
}

func newAccountID() string {
	return uuid.NewString()
}
