package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parishhub-auth/internal/capability"
	"parishhub-auth/internal/config"
	"parishhub-auth/internal/encryption"
	"parishhub-auth/internal/hashing"
	"parishhub-auth/internal/model"
	"parishhub-auth/internal/recovery"
	"parishhub-auth/internal/repository/postgres"
	"parishhub-auth/internal/token"
	"parishhub-auth/internal/totp"
)

// fakeAccountRepo is an in-memory AccountRepository with the same CAS
// semantics as the Postgres implementation.
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*model.Account

	// interleave, when set, runs once as a concurrent writer right before
	// the next UpdateRecovery applies: it mutates the stored row, the
	// version advances, and the caller's update loses its CAS race.
	interleave func(*model.Account)
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: map[string]*model.Account{}}
}

func (f *fakeAccountRepo) Create(_ context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Username == account.Username || (account.Email != "" && a.Email == account.Email) {
			return postgres.ErrDuplicate
		}
	}
	cp := *account
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.Recovery.Status == "" {
		cp.Recovery.Status = model.RecoveryNone
	}
	f.accounts[cp.ID] = &cp
	return nil
}

func (f *fakeAccountRepo) GetByID(_ context.Context, id string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccountRepo) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (f *fakeAccountRepo) GetByEmail(_ context.Context, email string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (f *fakeAccountRepo) UpdateRecovery(_ context.Context, id string, rec model.RecoveryRequest, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return postgres.ErrNotFound
	}
	if f.interleave != nil {
		fn := f.interleave
		f.interleave = nil
		fn(a)
		a.Version++
		return postgres.ErrConflict
	}
	if a.Version != expectedVersion {
		return postgres.ErrConflict
	}
	a.Recovery = rec
	a.Version++
	return nil
}

func (f *fakeAccountRepo) CompleteRecovery(_ context.Context, id, newPasswordHash string, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return postgres.ErrNotFound
	}
	if a.Version != expectedVersion {
		return postgres.ErrConflict
	}
	a.PasswordHash = newPasswordHash
	a.Recovery = model.RecoveryRequest{Status: model.RecoveryNone}
	a.Version++
	return nil
}

func (f *fakeAccountRepo) StampLogin(_ context.Context, id, fingerprint string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return postgres.ErrNotFound
	}
	a.SessionFingerprint = fingerprint
	a.LastLogin = &at
	return nil
}

func (f *fakeAccountRepo) HealthCheck(context.Context) error { return nil }

// mutate applies fn to the stored account under lock, bypassing CAS. Test
// setup only.
func (f *fakeAccountRepo) mutate(id string, fn func(*model.Account)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.accounts[id])
}

type testEnv struct {
	svc   *AuthService
	repo  *fakeAccountRepo
	flags *fakeSettingsRepo
	clock time.Time
}

func (e *testEnv) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{Environment: "test"}
	cfg.Auth.LoginTTL = time.Hour
	cfg.Auth.AdminLoginTTL = 6 * time.Hour
	cfg.Auth.TOTPPeriod = 30
	cfg.Auth.TOTPDigits = 6
	cfg.Auth.TOTPSkew = 1
	cfg.Auth.RecoveryOTPTTL = 10 * time.Minute
	cfg.Auth.MinPasswordLen = 8
	cfg.Auth.SingleSession = true
	cfg.Auth.Argon2Memory = 16 * 1024
	cfg.Auth.Argon2Time = 1
	cfg.Auth.Argon2Threads = 1
	cfg.Auth.Argon2SaltLen = 16
	cfg.Auth.Argon2KeyLen = 32
	cfg.Capability.AllTabs = []string{"dashboard", "members", "attendance", "services", "media", "finance", "reports", "settings"}
	cfg.Capability.RoleDefaults = map[string]string{
		"usher": "attendance", "pastor": "members", "media": "media", "finance": "finance",
	}
	cfg.Capability.BaseTab = "dashboard"

	env := &testEnv{
		repo:  newFakeAccountRepo(),
		flags: newFakeSettingsRepo(),
		clock: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return env.clock }

	env.svc = NewAuthService(
		env.repo,
		hashing.NewHasher(cfg),
		totp.NewManager(cfg.Auth.TOTPPeriod, cfg.Auth.TOTPDigits, cfg.Auth.TOTPSkew, "parishhub"),
		token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "parishhub", now),
		capability.NewResolver(cfg.Capability),
		recovery.NewMachine(cfg.Auth.RecoveryOTPTTL),
		encryption.NewManager(cfg, nil),
		nil,
		nil,
		NewSettingsService(env.flags, nil, cfg),
		cfg,
	).WithClock(now)

	return env
}

// disableLogins flips the login-enabled flag off directly in the store.
func (e *testEnv) disableLogins() {
	e.flags.rows[model.SettingLoginEnabled] = &model.Setting{
		Key: model.SettingLoginEnabled, Value: "false",
	}
}

func (e *testEnv) createAccount(t *testing.T, username, password, role string) *CreateAccountResult {
	t.Helper()
	result, err := e.svc.CreateAccount(context.Background(), CreateAccountRequest{
		Username: username,
		Email:    username + "@parish.test",
		Password: password,
		Role:     role,
		PIN:      map[bool]string{true: "4711", false: ""}[role == model.RoleAdmin],
	})
	require.NoError(t, err)
	return result
}

func TestAuthenticateSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")

	result, err := env.svc.Authenticate(context.Background(), AuthenticateRequest{
		Username: "usher.bob",
		Password: "str0ng passphrase",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.Token)
	assert.False(t, result.SecondFactorRequired)
	assert.Equal(t, "usher", result.Role)
	assert.Equal(t, []string{"attendance"}, result.AllowedTabs)
	require.NotNil(t, result.ExpiresAt)
	assert.Equal(t, env.clock.Add(time.Hour), *result.ExpiresAt)

	// Login stamped fingerprint and time on the account row.
	stored, err := env.repo.GetByUsername(context.Background(), "usher.bob")
	require.NoError(t, err)
	assert.Equal(t, token.Fingerprint(result.Token), stored.SessionFingerprint)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, env.clock, *stored.LastLogin)
}

func TestAuthenticateFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")

	_, errWrongPassword := env.svc.Authenticate(context.Background(), AuthenticateRequest{
		Username: "usher.bob", Password: "wrong password1",
	})
	_, errUnknownUser := env.svc.Authenticate(context.Background(), AuthenticateRequest{
		Username: "nobody", Password: "wrong password1",
	})

	assert.ErrorIs(t, errWrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, errUnknownUser, ErrInvalidCredentials)
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")
	env.repo.mutate(created.AccountID, func(a *model.Account) { a.IsActive = false })

	_, err := env.svc.Authenticate(context.Background(), AuthenticateRequest{
		Username: "usher.bob", Password: "str0ng passphrase",
	})
	assert.ErrorIs(t, err, ErrInactive)
}

func TestAdminLoginRequiresPINAndSecondFactor(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "admin.eve", "str0ng passphrase", "admin")
	require.NotEmpty(t, created.TOTPSecret)
	require.Contains(t, created.ProvisionURI, "otpauth://totp/")

	ctx := context.Background()

	_, err := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "admin.eve", Password: "str0ng passphrase",
	})
	assert.ErrorIs(t, err, ErrPinRequired)

	_, err = env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "admin.eve", Password: "str0ng passphrase", PIN: "9999",
	})
	assert.ErrorIs(t, err, ErrPinInvalid)

	// Correct credentials stop short of a token until the code arrives.
	result, err := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "admin.eve", Password: "str0ng passphrase", PIN: "4711",
	})
	require.NoError(t, err)
	assert.True(t, result.SecondFactorRequired)
	assert.Empty(t, result.Token)
}

func TestVerifySecondFactor(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "admin.eve", "str0ng passphrase", "admin")
	ctx := context.Background()

	codeGen := totp.NewManager(30, 6, 1, "parishhub")
	code, err := codeGen.GenerateCode(created.TOTPSecret, env.clock)
	require.NoError(t, err)

	result, err := env.svc.VerifySecondFactor(ctx, "admin.eve", code, RequestMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	// Admin sessions run on the longer TTL.
	assert.Equal(t, env.clock.Add(6*time.Hour), *result.ExpiresAt)
	assert.Equal(t, env.svc.resolver.Universe(), result.AllowedTabs)
}

func TestVerifySecondFactorWrongCode(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "admin.eve", "str0ng passphrase", "admin")

	_, err := env.svc.VerifySecondFactor(context.Background(), "admin.eve", "000000", RequestMeta{})
	// A six digit code has a one-in-a-million chance per window; with skew 1
	// the test would flake once per ~330k runs, which we accept.
	assert.ErrorIs(t, err, ErrInvalidSecondFactorCode)
}

func TestVerifySecondFactorNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")

	_, err := env.svc.VerifySecondFactor(context.Background(), "usher.bob", "123456", RequestMeta{})
	assert.ErrorIs(t, err, ErrSecondFactorNotConfigured)
}

func TestSingleActiveSession(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")
	ctx := context.Background()

	first, err := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "usher.bob", Password: "str0ng passphrase",
	})
	require.NoError(t, err)

	_, err = env.svc.ValidateSession(ctx, first.Token)
	require.NoError(t, err)

	// A second login displaces the first session.
	second, err := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "usher.bob", Password: "str0ng passphrase",
	})
	require.NoError(t, err)

	_, err = env.svc.ValidateSession(ctx, second.Token)
	require.NoError(t, err)
	_, err = env.svc.ValidateSession(ctx, first.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidateSessionExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")
	ctx := context.Background()

	result, err := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "usher.bob", Password: "str0ng passphrase",
	})
	require.NoError(t, err)

	env.advance(time.Hour + time.Minute)
	_, err = env.svc.ValidateSession(ctx, result.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestCapabilityOverrideTakesEffectWithoutRelogin(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")
	ctx := context.Background()

	tabs, err := env.svc.ResolveCapabilities(ctx, created.AccountID)
	require.NoError(t, err)
	assert.Equal(t, []string{"attendance"}, tabs)

	env.repo.mutate(created.AccountID, func(a *model.Account) {
		a.AllowedTabsOverride = []string{"reports"}
	})

	tabs, err = env.svc.ResolveCapabilities(ctx, created.AccountID)
	require.NoError(t, err)
	assert.Equal(t, []string{"attendance", "reports"}, tabs)
}

func TestGetProfile(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "pastor.jane", "str0ng passphrase", "pastor")

	profile, err := env.svc.GetProfile(context.Background(), created.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "pastor.jane", profile.Username)
	assert.Equal(t, "pastor.jane@parish.test", profile.Email)
	assert.Equal(t, []string{"members"}, profile.AllowedTabs)
}

func TestCreateAccountValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateAccount(ctx, CreateAccountRequest{
		Username: "x", Email: "x@parish.test", Password: "short1", Role: "usher",
	})
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = env.svc.CreateAccount(ctx, CreateAccountRequest{
		Username: "x", Email: "x@parish.test", Password: "allletters", Role: "usher",
	})
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = env.svc.CreateAccount(ctx, CreateAccountRequest{
		Username: "admin.two", Email: "a2@parish.test", Password: "str0ng pass", Role: "admin",
	})
	assert.ErrorIs(t, err, ErrPinRequired)

	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")
	_, err = env.svc.CreateAccount(ctx, CreateAccountRequest{
		Username: "usher.bob", Email: "other@parish.test", Password: "str0ng pass", Role: "usher",
	})
	assert.ErrorIs(t, err, ErrDuplicateAccount)
}

func TestRecoveryFullFlow(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))

	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	code := stored.Recovery.OTPCode
	require.Len(t, code, 6)

	// Member types the code before approval: pending, not an error.
	verify, err := env.svc.VerifyRecoveryCode(ctx, "usher.bob", code, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, RecoveryOutcomePending, verify.Status)

	// Admin approves and receives the same code for out-of-band relay.
	approved, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "usher.bob", approved.Username)
	assert.Equal(t, code, approved.Code)

	// The very same code now verifies for real.
	verify, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", code, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, RecoveryOutcomeApproved, verify.Status)

	require.NoError(t, env.svc.CompleteRecovery(ctx, "usher.bob", "new passw0rd", RequestMeta{}))

	// Old password is dead, new one works.
	_, err = env.svc.Authenticate(ctx, AuthenticateRequest{Username: "usher.bob", Password: "old passw0rd"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.svc.Authenticate(ctx, AuthenticateRequest{Username: "usher.bob", Password: "new passw0rd"})
	assert.NoError(t, err)

	// The consumed request cannot complete twice.
	err = env.svc.CompleteRecovery(ctx, "usher.bob", "third passw0rd", RequestMeta{})
	assert.ErrorIs(t, err, ErrRecoveryNotVerified)
}

func TestRecoveryByEmailIdentifier(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "Usher.Bob@parish.test", RequestMeta{}))

	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	assert.Equal(t, model.RecoveryWaitingApproval, stored.Recovery.Status)
}

func TestRecoveryRequestUnknownAccountAcksSilently(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.RequestRecovery(context.Background(), "nobody", RequestMeta{})
	assert.NoError(t, err)
}

func TestRecoveryExpiry(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	code := stored.Recovery.OTPCode

	// Just inside the window still approves.
	env.advance(10*time.Minute - time.Second)
	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)

	// At the deadline the code stops verifying.
	env.advance(time.Second)
	_, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", code, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidRecoveryCode)
}

func TestApproveExpiredRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))

	env.advance(10 * time.Minute)
	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	assert.ErrorIs(t, err, ErrRecoveryExpired)
}

func TestApproveRecoveryWithoutRequest(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "old passw0rd", "usher")

	_, err := env.svc.ApproveRecovery(context.Background(), "usher.bob", RequestMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoveryWrongCode(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)

	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	wrong := "000000"
	if stored.Recovery.OTPCode == wrong {
		wrong = "000001"
	}

	_, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", wrong, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidRecoveryCode)
}

func TestCompleteRecoveryWithoutVerification(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)

	// Approved but never verified: the password stays put.
	err = env.svc.CompleteRecovery(ctx, "usher.bob", "new passw0rd", RequestMeta{})
	assert.ErrorIs(t, err, ErrRecoveryNotVerified)
}

func TestCompleteRecoveryWeakPassword(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)
	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	_, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", stored.Recovery.OTPCode, RequestMeta{})
	require.NoError(t, err)

	err = env.svc.CompleteRecovery(ctx, "usher.bob", "weak", RequestMeta{})
	assert.ErrorIs(t, err, ErrWeakPassword)

	// The request survives the rejected password and can still complete.
	require.NoError(t, env.svc.CompleteRecovery(ctx, "usher.bob", "new passw0rd", RequestMeta{}))
}

func TestNewRecoveryRequestReplacesOldCode(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	first, _ := env.repo.GetByID(ctx, created.AccountID)

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	second, _ := env.repo.GetByID(ctx, created.AccountID)

	assert.Equal(t, model.RecoveryWaitingApproval, second.Recovery.Status)
	if first.Recovery.OTPCode != second.Recovery.OTPCode {
		_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
		require.NoError(t, err)
		_, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", first.Recovery.OTPCode, RequestMeta{})
		assert.ErrorIs(t, err, ErrInvalidRecoveryCode)
	}
}

func TestPasswordPolicy(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		password string
		ok       bool
	}{
		{"g00d enough", true},
		{"Short1", false},
		{"lettersonly", false},
		{"1234567890", false},
		{"Abcdefg1", true},
	}
	for _, tc := range cases {
		err := env.svc.checkPasswordPolicy(tc.password)
		if tc.ok {
			assert.NoError(t, err, "password=%q", tc.password)
		} else {
			assert.ErrorIs(t, err, ErrWeakPassword, "password=%q", tc.password)
		}
	}
}

func TestStaleVersionRetriesFromFreshRead(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))

	// A concurrent writer bumps the version between the service's read and
	// write without touching the recovery record. The CAS retry re-reads
	// and the approval still lands.
	env.repo.interleave = func(*model.Account) {}

	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)

	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	assert.Equal(t, model.RecoveryAdminApproved, stored.Recovery.Status)
}

func TestApprovalRaceRecomputesFromWinningRequest(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	first, _ := env.repo.GetByID(ctx, created.AccountID)
	firstCode := first.Recovery.OTPCode

	// The member re-requests between the admin's read and write. The retry
	// must approve the request that won the race, not resurrect the stale
	// approved snapshot over it.
	expires := env.clock.Add(10 * time.Minute)
	env.repo.interleave = func(a *model.Account) {
		a.Recovery = model.RecoveryRequest{
			Status:    model.RecoveryWaitingApproval,
			OTPCode:   "999999",
			ExpiresAt: &expires,
		}
	}

	approved, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "999999", approved.Code)
	assert.NotEqual(t, firstCode, approved.Code)

	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	assert.Equal(t, model.RecoveryAdminApproved, stored.Recovery.Status)
	assert.Equal(t, "999999", stored.Recovery.OTPCode)

	// The displaced code is dead; only the surviving one verifies.
	_, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", firstCode, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidRecoveryCode)
	verify, err := env.svc.VerifyRecoveryCode(ctx, "usher.bob", "999999", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, RecoveryOutcomeApproved, verify.Status)
}

func TestVerifyRaceChecksCodeAgainstWinningRequest(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "usher.bob", "old passw0rd", "usher")
	ctx := context.Background()

	require.NoError(t, env.svc.RequestRecovery(ctx, "usher.bob", RequestMeta{}))
	_, err := env.svc.ApproveRecovery(ctx, "usher.bob", RequestMeta{})
	require.NoError(t, err)
	stored, _ := env.repo.GetByID(ctx, created.AccountID)
	code := stored.Recovery.OTPCode

	// A fresh request lands between the verify read and write; the old code
	// no longer matches what is stored, so the verify must fail instead of
	// marking the new request verified.
	expires := env.clock.Add(10 * time.Minute)
	env.repo.interleave = func(a *model.Account) {
		a.Recovery = model.RecoveryRequest{
			Status:    model.RecoveryWaitingApproval,
			OTPCode:   "999999",
			ExpiresAt: &expires,
		}
	}

	_, err = env.svc.VerifyRecoveryCode(ctx, "usher.bob", code, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidRecoveryCode)

	after, _ := env.repo.GetByID(ctx, created.AccountID)
	assert.False(t, after.Recovery.Verified)
	assert.Equal(t, model.RecoveryWaitingApproval, after.Recovery.Status)
}

func TestUsernameIsNotTrimmedIntoCollision(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")

	_, err := env.svc.Authenticate(context.Background(), AuthenticateRequest{
		Username: strings.ToUpper("usher.bob"), Password: "str0ng passphrase",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDisabledBlocksNonAdmins(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "usher.bob", "str0ng passphrase", "usher")
	ctx := context.Background()

	env.disableLogins()

	// Correct and wrong credentials collapse into the same signal, so the
	// flag cannot be used as a password oracle.
	_, errRight := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "usher.bob", Password: "str0ng passphrase",
	})
	_, errWrong := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "usher.bob", Password: "wrong password1",
	})
	_, errUnknown := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "nobody", Password: "wrong password1",
	})
	assert.ErrorIs(t, errRight, ErrLoginsDisabled)
	assert.ErrorIs(t, errWrong, ErrLoginsDisabled)
	assert.ErrorIs(t, errUnknown, ErrLoginsDisabled)
}

func TestLoginDisabledStillAdmitsAdmin(t *testing.T) {
	env := newTestEnv(t)
	created := env.createAccount(t, "admin.eve", "str0ng passphrase", "admin")
	ctx := context.Background()

	env.disableLogins()

	result, err := env.svc.Authenticate(ctx, AuthenticateRequest{
		Username: "admin.eve", Password: "str0ng passphrase", PIN: "4711",
	})
	require.NoError(t, err)
	require.True(t, result.SecondFactorRequired)

	code, err := totp.NewManager(30, 6, 1, "parishhub").GenerateCode(created.TOTPSecret, env.clock)
	require.NoError(t, err)
	result, err = env.svc.VerifySecondFactor(ctx, "admin.eve", code, RequestMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
}

func TestLoginFlagReadFailureDeniesEveryone(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "admin.eve", "str0ng passphrase", "admin")

	env.flags.fail = true

	_, err := env.svc.Authenticate(context.Background(), AuthenticateRequest{
		Username: "admin.eve", Password: "str0ng passphrase", PIN: "4711",
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
