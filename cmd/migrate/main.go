package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/logging"
	"github.com/warp/reward-ledger/store/postgres"
	"go.uber.org/zap"
)

func main() {
	dsn := flag.String("dsn", "", "Postgres DSN (overrides LEDGER_POSTGRES_DSN)")
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: go run ./cmd/migrate [-dsn=...] [command]")
		fmt.Println("Commands: up, down, status, redo")
		os.Exit(1)
	}
	command := args[0]

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dsn != "" {
		cfg.PostgresDSN = *dsn
	}
	if cfg.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "LEDGER_POSTGRES_DSN or -dsn is required")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := postgres.RunMigrations(ctx, cfg.PostgresDSN, command, log); err != nil {
		log.Fatal("migration failed", zap.String("command", command), zap.Error(err))
	}
	log.Info("migration finished", zap.String("command", command))
}
