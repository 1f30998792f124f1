package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.TOTPPeriod = 30
	cfg.Capability.AllTabs = []string{"dashboard"}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Auth.JWTSecret = "too short"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Auth.TOTPPeriod = 60
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Auth.TOTPPeriod = 120
	assert.NoError(t, cfg.Validate(), "extended period for low-end devices is allowed")

	cfg = validConfig()
	cfg.Capability.AllTabs = nil
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.KMS.Enabled = true
	assert.Error(t, cfg.Validate())
	cfg.KMS.KeyID = "alias/parishhub"
	assert.NoError(t, cfg.Validate())
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", "web, pwa ,,  kiosk")
	assert.Equal(t, []string{"web", "pwa", "kiosk"}, getEnvList("TEST_LIST", ""))

	assert.Equal(t, []string{"web", "pwa"}, getEnvList("TEST_LIST_UNSET", "web,pwa"))
}

func TestGetEnvMap(t *testing.T) {
	t.Setenv("TEST_MAP", "usher:attendance, pastor:members,broken")
	m := getEnvMap("TEST_MAP", "")
	assert.Equal(t, map[string]string{
		"usher":  "attendance",
		"pastor": "members",
	}, m)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_UNSET", time.Minute))

	t.Setenv("TEST_DUR_BAD", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	cfg.Environment = "development"
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.IsDevelopment())
}
