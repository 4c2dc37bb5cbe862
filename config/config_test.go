package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-ledger/config"
)

func lookup(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(lookup(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.True(t, cfg.SweepEnabled)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, int64(500), cfg.WalletMinimums["paypal"])
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := config.Load(lookup(map[string]string{
		"LEDGER_DB_DRIVER":       "Postgres",
		"LEDGER_POSTGRES_DSN":    "postgres://ledger@localhost/ledger",
		"LEDGER_WALLET_MINIMUMS": "PayPal:100, usdt:2000",
		"LEDGER_SWEEP_INTERVAL":  "15m",
		"LEDGER_SWEEP_ENABLED":   "false",
		"LEDGER_CORS_ORIGINS":    "https://app.example.com, https://admin.example.com",
		"LEDGER_NOTIK_SECRET":    "n",
	}))
	require.NoError(t, err)

	assert.Equal(t, config.DriverPostgres, cfg.DBDriver)
	assert.Equal(t, map[string]int64{"paypal": 100, "usdt": 2000}, cfg.WalletMinimums)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.False(t, cfg.SweepEnabled)
	assert.Len(t, cfg.CORSOrigins, 2)
	assert.Equal(t, "n", cfg.PartnerSecrets["notik"])
}

func TestLoad_Invalid(t *testing.T) {
	bad := []map[string]string{
		{"LEDGER_DB_DRIVER": "mysql"},
		{"LEDGER_DB_DRIVER": "postgres"},
		{"LEDGER_WALLET_MINIMUMS": "paypal"},
		{"LEDGER_WALLET_MINIMUMS": "paypal:-1"},
		{"LEDGER_SWEEP_INTERVAL": "soon"},
		{"LEDGER_SWEEP_INTERVAL": "-1m"},
		{"LEDGER_SWEEP_ENABLED": "maybe"},
	}
	for _, env := range bad {
		_, err := config.Load(lookup(env))
		assert.Error(t, err, "%v", env)
	}
}
