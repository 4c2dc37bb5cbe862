// Package config loads server configuration from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/reward-ledger/ledger"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	DBDriver    string
	SQLitePath  string
	PostgresDSN string

	RedisAddr   string
	NATSURL     string
	NATSSubject string

	PartnersFile   string
	PartnerSecrets map[string]string
	WalletMinimums map[string]int64

	SweepEnabled  bool
	SweepInterval time.Duration

	CORSOrigins []string
}

// New loads .env (if any), reads LEDGER_* variables and validates them.
func New() (*Config, error) {
	_ = godotenv.Load()
	return Load(os.Getenv)
}

// Load builds a Config from an arbitrary lookup, for tests.
func Load(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Env:         env("LEDGER_ENV", "production"),
		HTTPAddr:    env("LEDGER_HTTP_ADDR", ":8080"),
		LogLevel:    env("LEDGER_LOG_LEVEL", "info"),
		DBDriver:    strings.ToLower(env("LEDGER_DB_DRIVER", DriverSQLite)),
		SQLitePath:  env("LEDGER_SQLITE_PATH", "./data/ledger.db"),
		PostgresDSN: env("LEDGER_POSTGRES_DSN", ""),
		RedisAddr:   env("LEDGER_REDIS_ADDR", ""),
		NATSURL:     env("LEDGER_NATS_URL", ""),
		NATSSubject: env("LEDGER_NATS_SUBJECT", "ledger.notifications"),

		PartnersFile: env("LEDGER_PARTNERS_FILE", ""),
		PartnerSecrets: map[string]string{
			"notik":     env("LEDGER_NOTIK_SECRET", ""),
			"wannads":   env("LEDGER_WANNADS_SECRET", ""),
			"primewall": env("LEDGER_PRIMEWALL_SECRET", ""),
		},
		CORSOrigins: splitList(env("LEDGER_CORS_ORIGINS", "*")),
	}

	switch cfg.DBDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("missing required env for postgres: LEDGER_POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("invalid LEDGER_DB_DRIVER %q, must be sqlite, postgres or memory", cfg.DBDriver)
	}

	var err error
	if cfg.WalletMinimums, err = parseWallets(env("LEDGER_WALLET_MINIMUMS", "")); err != nil {
		return nil, err
	}
	if cfg.SweepEnabled, err = strconv.ParseBool(env("LEDGER_SWEEP_ENABLED", "true")); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_SWEEP_ENABLED: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(env("LEDGER_SWEEP_INTERVAL", "1h")); err != nil {
		return nil, fmt.Errorf("invalid LEDGER_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("LEDGER_SWEEP_INTERVAL must be positive")
	}

	return cfg, nil
}

// parseWallets reads "paypal:500,bitcoin:1000"; empty means the defaults.
func parseWallets(raw string) (map[string]int64, error) {
	if raw == "" {
		return ledger.DefaultWallets(), nil
	}
	out := make(map[string]int64)
	for _, item := range splitList(raw) {
		name, value, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid LEDGER_WALLET_MINIMUMS entry %q, want name:coins", item)
		}
		minimum, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || minimum < 0 {
			return nil, fmt.Errorf("invalid minimum for wallet %q", name)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = minimum
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
