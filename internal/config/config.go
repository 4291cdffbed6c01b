package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string

	// DatabaseURL is optional: empty disables document persistence and
	// the engine runs purely in memory.
	DatabaseURL   string
	MigrationsDir string

	SessionCapacity int
	SessionIdleTTL  time.Duration
	CleanupCron     string
	OpHistory       int

	AwayTimeout    time.Duration
	OfflineTimeout time.Duration
	SweepInterval  time.Duration
}

func Load() Config {
	return Config{
		Addr:            getenv("COPAD_ADDR", ":8787"),
		CORSOrigin:      getenv("COPAD_CORS_ORIGIN", "*"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		MigrationsDir:   getenv("COPAD_MIGRATIONS_DIR", "./db/migrations"),
		SessionCapacity: getenvInt("COPAD_SESSION_CAPACITY", 8),
		SessionIdleTTL:  time.Duration(getenvInt("COPAD_SESSION_TTL_SECONDS", 1800)) * time.Second,
		CleanupCron:     getenv("COPAD_CLEANUP_CRON", "*/5 * * * *"),
		OpHistory:       getenvInt("COPAD_OP_HISTORY", 100),
		AwayTimeout:     time.Duration(getenvInt("COPAD_AWAY_TIMEOUT_SECONDS", 30)) * time.Second,
		OfflineTimeout:  time.Duration(getenvInt("COPAD_OFFLINE_TIMEOUT_SECONDS", 300)) * time.Second,
		SweepInterval:   time.Duration(getenvInt("COPAD_SWEEP_INTERVAL_SECONDS", 5)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
