package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/NakedTrashPanda/autoshift/keys"
)

const (
	userEnvVar      = "SHIFT_USER"
	passEnvVar      = "SHIFT_PASS"
	dbSourceEnvVar  = "SHIFT_DB_SOURCE"
	dataDirEnvVar   = "SHIFT_DATA_DIR"
	feedURLEnvVar   = "SHIFT_CODE_FEED_URL"
	shiftURLEnvVar  = "SHIFT_URL"
	platformsEnvVar = "SHIFT_PLATFORMS"
	gamesEnvVar     = "SHIFT_GAMES"
	scheduleEnvVar  = "SHIFT_SCHEDULE"
	limitEnvVar     = "SHIFT_LIMIT"
	metricsEnvVar   = "SHIFT_METRICS_ADDR"
	verboseEnvVar   = "SHIFT_VERBOSE"
)

// applyEnvOverrides layers environment variables over the file config.
// Credentials are typically supplied this way so they never touch disk.
func applyEnvOverrides(cfg *Config) {
	cfg.User = GetEnv(userEnvVar, cfg.User)
	cfg.Password = GetEnv(passEnvVar, cfg.Password)
	cfg.DBSource = GetEnv(dbSourceEnvVar, cfg.DBSource)
	cfg.DataDir = GetEnv(dataDirEnvVar, cfg.DataDir)
	cfg.CodeFeedURL = GetEnv(feedURLEnvVar, cfg.CodeFeedURL)
	cfg.ShiftURL = GetEnv(shiftURLEnvVar, cfg.ShiftURL)
	cfg.MetricsAddr = GetEnv(metricsEnvVar, cfg.MetricsAddr)

	if v := os.Getenv(scheduleEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Schedule = n
		}
	}
	if v := os.Getenv(limitEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limit = n
		}
	}
	if v := os.Getenv(verboseEnvVar); v != "" {
		cfg.Verbose = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(platformsEnvVar); v != "" {
		var platforms []keys.Platform
		for _, part := range strings.Split(v, ",") {
			if p, err := keys.ParsePlatform(part); err == nil {
				platforms = append(platforms, p)
			}
		}
		if len(platforms) > 0 {
			cfg.Platforms = platforms
		}
	}
	if v := os.Getenv(gamesEnvVar); v != "" {
		var games []keys.Game
		for _, part := range strings.Split(v, ",") {
			if g := keys.ParseGame(part); g != keys.GameUnknown {
				games = append(games, g)
			}
		}
		if len(games) > 0 {
			cfg.Games = games
		}
	}
}

// GetEnv returns the environment value for envVar, or defaultValue when unset.
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
