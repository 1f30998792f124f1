package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
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
	"parishhub-auth/internal/service"
	"parishhub-auth/internal/token"
	"parishhub-auth/internal/totp"
)

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
}

func (m *memAccounts) Create(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Version = 1
	m.accounts[a.ID] = &cp
	return nil
}

func (m *memAccounts) GetByID(_ context.Context, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (m *memAccounts) GetByEmail(context.Context, string) (*model.Account, error) {
	return nil, postgres.ErrNotFound
}

func (m *memAccounts) UpdateRecovery(context.Context, string, model.RecoveryRequest, int64) error {
	return nil
}

func (m *memAccounts) CompleteRecovery(context.Context, string, string, int64) error {
	return nil
}

func (m *memAccounts) StampLogin(_ context.Context, id, fingerprint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.SessionFingerprint = fingerprint
		a.LastLogin = &at
	}
	return nil
}

func (m *memAccounts) HealthCheck(context.Context) error { return nil }

type memSettings struct {
	mu   sync.Mutex
	rows map[string]string
	down bool
}

func (m *memSettings) Get(_ context.Context, key string) (*model.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, assert.AnError
	}
	v, ok := m.rows[key]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return &model.Setting{Key: key, Value: v}, nil
}

func (m *memSettings) Set(_ context.Context, s *model.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.Key] = s.Value
	return nil
}

type gateEnv struct {
	gate     *Gate
	auth     *service.AuthService
	accounts *memAccounts
	settings *memSettings
}

func newGateEnv(t *testing.T) *gateEnv {
	t.Helper()

	cfg := &config.Config{Environment: "test"}
	cfg.Auth.LoginTTL = time.Hour
	cfg.Auth.AdminLoginTTL = 6 * time.Hour
	cfg.Auth.MinPasswordLen = 8
	cfg.Auth.SingleSession = true
	cfg.Auth.Argon2Memory = 16 * 1024
	cfg.Auth.Argon2Time = 1
	cfg.Auth.Argon2Threads = 1
	cfg.Auth.Argon2SaltLen = 16
	cfg.Auth.Argon2KeyLen = 32
	cfg.Capability.AllTabs = []string{"dashboard", "attendance", "settings"}
	cfg.Capability.RoleDefaults = map[string]string{"usher": "attendance"}
	cfg.Capability.BaseTab = "dashboard"

	accounts := &memAccounts{accounts: map[string]*model.Account{}}
	settings := &memSettings{rows: map[string]string{}}
	settingsSvc := service.NewSettingsService(settings, nil, cfg)

	auth := service.NewAuthService(
		accounts,
		hashing.NewHasher(cfg),
		totp.NewManager(30, 6, 1, "parishhub"),
		token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "parishhub", time.Now),
		capability.NewResolver(cfg.Capability),
		recovery.NewMachine(10*time.Minute),
		encryption.NewManager(cfg, nil),
		nil,
		nil,
		settingsSvc,
		cfg,
	)

	return &gateEnv{
		gate:     New(auth, settingsSvc, []string{"web", "pwa"}),
		auth:     auth,
		accounts: accounts,
		settings: settings,
	}
}

// login seeds an account and returns a live session token for it. Admin
// accounts walk the full PIN plus second-factor path.
func (e *gateEnv) login(t *testing.T, username, role string) string {
	t.Helper()
	ctx := context.Background()

	createReq := service.CreateAccountRequest{
		Username: username,
		Email:    username + "@parish.test",
		Password: "str0ng passphrase",
		Role:     role,
	}
	if role == model.RoleAdmin {
		createReq.PIN = "4711"
	}
	created, err := e.auth.CreateAccount(ctx, createReq)
	require.NoError(t, err)

	result, err := e.auth.Authenticate(ctx, service.AuthenticateRequest{
		Username: username, Password: "str0ng passphrase", PIN: createReq.PIN,
	})
	require.NoError(t, err)

	if result.SecondFactorRequired {
		code, err := totp.NewManager(30, 6, 1, "parishhub").GenerateCode(created.TOTPSecret, time.Now())
		require.NoError(t, err)
		result, err = e.auth.VerifySecondFactor(ctx, username, code, service.RequestMeta{})
		require.NoError(t, err)
	}
	return result.Token
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestClientEnvAllowList(t *testing.T) {
	env := newGateEnv(t)
	h := env.gate.ClientEnv(okHandler())

	cases := []struct {
		env    string
		status int
	}{
		{"web", http.StatusOK},
		{"PWA", http.StatusOK},
		{"", http.StatusForbidden},
		{"kiosk", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
		if tc.env != "" {
			req.Header.Set(ClientEnvHeader, tc.env)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code, "client_env=%q", tc.env)
	}
}

func TestLoginDisabledForcesOutNonAdminSessions(t *testing.T) {
	env := newGateEnv(t)
	usherToken := env.login(t, "usher.bob", "usher")
	adminToken := env.login(t, "admin.eve", "admin")
	h := env.gate.RequireSession(okHandler())

	env.settings.rows[model.SettingLoginEnabled] = "false"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+usherToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "live non-admin session is forced out")

	// The admin session survives so the flag can be flipped back.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionFlagChecksFailClosed(t *testing.T) {
	env := newGateEnv(t)
	tokenString := env.login(t, "usher.bob", "usher")
	h := env.gate.RequireSession(okHandler())

	env.settings.down = true

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireSession(t *testing.T) {
	env := newGateEnv(t)
	tokenString := env.login(t, "usher.bob", "usher")

	var seen *token.Claims
	h := env.gate.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "usher.bob", seen.Username)
	assert.Equal(t, "usher", seen.Role)
}

func TestRequireSessionRejectsBadCredentials(t *testing.T) {
	env := newGateEnv(t)
	h := env.gate.RequireSession(okHandler())

	for _, header := range []string{"", "Bearer garbage", "Basic dXNlcjpwYXNz"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header=%q", header)
	}
}

func TestSystemLockShutsOutNonAdmins(t *testing.T) {
	env := newGateEnv(t)
	tokenString := env.login(t, "usher.bob", "usher")
	h := env.gate.RequireSession(okHandler())

	env.settings.rows[model.SettingSystemLocked] = "true"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSystemLockKeepsAdminIn(t *testing.T) {
	env := newGateEnv(t)

	tokenString := env.login(t, "admin.eve", "admin")
	h := env.gate.RequireSession(okHandler())

	env.settings.rows[model.SettingSystemLocked] = "true"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole(t *testing.T) {
	env := newGateEnv(t)
	adminToken := env.login(t, "admin.eve", "admin")
	usherToken := env.login(t, "usher.bob", "usher")

	h := env.gate.RequireSession(env.gate.RequireRole(model.RoleAdmin)(okHandler()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/recovery/approve", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/recovery/approve", nil)
	req.Header.Set("Authorization", "Bearer "+usherToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
