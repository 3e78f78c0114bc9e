package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NakedTrashPanda/autoshift/internal/config"
	"github.com/NakedTrashPanda/autoshift/keys"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SHIFT_DATA_DIR", dir)
	return dir
}

func TestLoadDefaultsOnFirstRun(t *testing.T) {
	dir := isolate(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, 120, cfg.Schedule)
	require.Equal(t, 255, cfg.Limit)
	require.Equal(t, config.DefaultCodeFeedURL, cfg.CodeFeedURL)
	require.Equal(t, config.DefaultShiftURL, cfg.ShiftURL)
	require.Equal(t, keys.AllGames, cfg.Games)
	require.Equal(t, []keys.Platform{keys.PlatformSteam}, cfg.Platforms)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := isolate(t)
	yaml := `
user: john.doe@example.com
platforms: [epic, psn]
schedule: 30
limit: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte(yaml), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "john.doe@example.com", cfg.User)
	require.Equal(t, []keys.Platform{keys.PlatformEpic, keys.PlatformPSN}, cfg.Platforms)
	require.Equal(t, 30, cfg.Schedule)
	require.Equal(t, 10, cfg.Limit)
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	dir := isolate(t)
	yaml := "user: file.user@example.com\nschedule: 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte(yaml), 0o600))

	t.Setenv("SHIFT_USER", "env.user@example.com")
	t.Setenv("SHIFT_PASS", "hunter2")
	t.Setenv("SHIFT_SCHEDULE", "45")
	t.Setenv("SHIFT_PLATFORMS", "xboxlive,steam")
	t.Setenv("SHIFT_GAMES", "bl3,ttw")
	t.Setenv("SHIFT_VERBOSE", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "env.user@example.com", cfg.User)
	require.Equal(t, "hunter2", cfg.Password)
	require.Equal(t, 45, cfg.Schedule)
	require.Equal(t, []keys.Platform{keys.PlatformXboxLive, keys.PlatformSteam}, cfg.Platforms)
	require.Equal(t, []keys.Game{keys.GameBL3, keys.GameTTW}, cfg.Games)
	require.True(t, cfg.Verbose)
}

func TestSaveRoundTrips(t *testing.T) {
	isolate(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.User = "john.doe@example.com"
	cfg.Limit = 42
	require.NoError(t, config.Save(cfg))

	loaded, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "john.doe@example.com", loaded.User)
	require.Equal(t, 42, loaded.Limit)
}

func TestValidateRequiresCredentialsAndLedger(t *testing.T) {
	isolate(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg.User = "john.doe@example.com"
	require.Error(t, cfg.Validate())
	cfg.Password = "hunter2"
	require.Error(t, cfg.Validate())
	cfg.DBSource = "postgres://localhost:5432/autoshift"
	require.NoError(t, cfg.Validate())
}
