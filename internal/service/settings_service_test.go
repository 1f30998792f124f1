package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parishhub-auth/internal/client"
	"parishhub-auth/internal/config"
	"parishhub-auth/internal/model"
	"parishhub-auth/internal/repository/postgres"
	redisrepo "parishhub-auth/internal/repository/redis"
)

type fakeSettingsRepo struct {
	rows map[string]*model.Setting
	fail bool
	gets int
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{rows: map[string]*model.Setting{}}
}

func (f *fakeSettingsRepo) Get(_ context.Context, key string) (*model.Setting, error) {
	f.gets++
	if f.fail {
		return nil, errors.New("store down")
	}
	row, ok := f.rows[key]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeSettingsRepo) Set(_ context.Context, setting *model.Setting) error {
	if f.fail {
		return errors.New("store down")
	}
	cp := *setting
	f.rows[setting.Key] = &cp
	return nil
}

func newSettingsEnv(t *testing.T) (*SettingsService, *fakeSettingsRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientForAddr(mr.Addr())
	t.Cleanup(func() { rc.Close() })

	cfg := &config.Config{}
	cfg.Auth.FlagCacheTTL = 30 * time.Second

	repo := newFakeSettingsRepo()
	return NewSettingsService(repo, redisrepo.NewFlagCache(rc), cfg), repo
}

func TestFlagsDefaultWhenAbsent(t *testing.T) {
	svc, _ := newSettingsEnv(t)
	ctx := context.Background()

	locked, err := svc.IsSystemLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	enabled, err := svc.IsLoginEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestSetFlagRoundtrip(t *testing.T) {
	svc, _ := newSettingsEnv(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFlag(ctx, model.SettingSystemLocked, true, "admin.eve"))
	locked, err := svc.IsSystemLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, svc.SetFlag(ctx, model.SettingLoginEnabled, false, "admin.eve"))
	enabled, err := svc.IsLoginEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	flags, err := svc.Flags(ctx)
	require.NoError(t, err)
	assert.True(t, flags.SystemLocked)
	assert.False(t, flags.LoginEnabled)
}

func TestSetFlagRejectsUnknownKey(t *testing.T) {
	svc, _ := newSettingsEnv(t)

	err := svc.SetFlag(context.Background(), "maintenance_banner", true, "admin.eve")
	assert.ErrorIs(t, err, ErrUnknownSetting)
}

func TestFlagReadsAreCached(t *testing.T) {
	svc, repo := newSettingsEnv(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFlag(ctx, model.SettingSystemLocked, true, "admin.eve"))

	_, err := svc.IsSystemLocked(ctx)
	require.NoError(t, err)
	storeReads := repo.gets

	for i := 0; i < 5; i++ {
		_, err := svc.IsSystemLocked(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, storeReads, repo.gets, "repeat reads served from cache")
}

func TestSetFlagInvalidatesCache(t *testing.T) {
	svc, _ := newSettingsEnv(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFlag(ctx, model.SettingSystemLocked, true, "admin.eve"))
	locked, err := svc.IsSystemLocked(ctx)
	require.NoError(t, err)
	require.True(t, locked)

	// The flip is visible immediately despite the cache TTL.
	require.NoError(t, svc.SetFlag(ctx, model.SettingSystemLocked, false, "admin.eve"))
	locked, err = svc.IsSystemLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFlagReadFailsClosed(t *testing.T) {
	svc, repo := newSettingsEnv(t)
	repo.fail = true

	_, err := svc.IsLoginEnabled(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
