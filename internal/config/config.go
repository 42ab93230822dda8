package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries the environment-derived settings shared by all entrypoints.
// Runtime knobs of the daemon loop (worker count, sleep, priorities) stay on
// the command line.
type Config struct {
	// Database
	DBDriver   string // "postgres" (default) or "sqlite"
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string
	SQLitePath string

	// Filesystem layout
	BaseRawDataDir string // root scanned for YYYYMMDD raw-data directories
	OutputDir      string // archive/group/log/caldb output root
	TmpDir         string // scratch space for transforms

	// Review API
	Port      string
	JWTSecret string

	// Hardening
	WorkerTimeout time.Duration // 0 disables the per-worker deadline

	// Discovery
	DiscoverySchedule string // cron spec for periodic re-discovery
}

// Load reads configuration from the environment, applying defaults suitable
// for local development.
func Load() *Config {
	cfg := &Config{
		DBDriver:          getenv("DB_DRIVER", "postgres"),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBUser:            getenv("DB_USER", "psrpipe"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            getenv("DB_NAME", "psrpipe"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBSSLMode:         getenv("DB_SSLMODE", "disable"),
		SQLitePath:        getenv("SQLITE_PATH", "psrpipe.db"),
		BaseRawDataDir:    getenv("RAWDATA_DIR", "/data/rawdata"),
		OutputDir:         getenv("OUTPUT_DIR", "/data/reduced"),
		TmpDir:            getenv("TMP_DIR", os.TempDir()),
		Port:              getenv("PORT", "8080"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		DiscoverySchedule: getenv("DISCOVERY_SCHEDULE", "@every 1h"),
	}
	if secs, err := strconv.Atoi(os.Getenv("WORKER_TIMEOUT")); err == nil && secs > 0 {
		cfg.WorkerTimeout = time.Duration(secs) * time.Second
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
