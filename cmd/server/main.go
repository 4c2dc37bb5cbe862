/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reward ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, LEDGER_* variables, flags)
  2. Build the zap logger
  3. Open the store (sqlite, postgres with migrations, or memory)
  4. Connect optional Redis (duplicate fast path) and NATS (notifications)
  5. Register partner adapters (built-ins with secrets, partners file)
  6. Start the expiry sweep scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides LEDGER_HTTP_ADDR)
  -db      SQLite database path (overrides LEDGER_SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain NATS, close Redis and the database

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against Postgres
  LEDGER_DB_DRIVER=postgres LEDGER_POSTGRES_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/reward-ledger/api"
	"github.com/warp/reward-ledger/cache"
	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
	"github.com/warp/reward-ledger/logging"
	"github.com/warp/reward-ledger/notify"
	"github.com/warp/reward-ledger/postback"
	"github.com/warp/reward-ledger/store/postgres"
	"github.com/warp/reward-ledger/store/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
		cfg.DBDriver = config.DriverSQLite
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []ledger.Option{
		ledger.WithLogger(log.Named("ledger")),
		ledger.WithWallets(cfg.WalletMinimums),
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, ledger.WithSeenCache(cache.NewSeen(rdb, cache.DefaultTTL)))
		log.Info("redis duplicate cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	sinks := []ledger.Notifier{notify.NewStore(st), notify.NewLog(log)}
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		sinks = append(sinks, notify.NewNATS(nc, cfg.NATSSubject))
		log.Info("nats notifications enabled", zap.String("subject", cfg.NATSSubject))
	}
	opts = append(opts, ledger.WithNotifier(ledger.Multi(sinks...)))

	engine := ledger.NewEngine(st, opts...)

	partners, err := registerPartners(cfg)
	if err != nil {
		return err
	}
	if len(partners.Names()) == 0 {
		log.Warn("no partner adapters configured; postbacks will be rejected")
	}
	log.Info("partners registered", zap.Strings("partners", partners.Names()))

	scheduler := api.NewExpirySweepScheduler(engine, log)
	scheduler.Interval = cfg.SweepInterval
	scheduler.Enabled = cfg.SweepEnabled

	handler := api.NewHandler(engine, partners, scheduler, log)
	scheduler.Metrics = handler.Metrics

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		log.Info("shutting down server")
		scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// openStore opens the configured driver. Postgres is migrated to the latest
// schema first.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (ledger.Store, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		if err := postgres.RunMigrations(ctx, cfg.PostgresDSN, "up", log); err != nil {
			return nil, nil, err
		}
		pg, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil

	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil

	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return lite, func() { lite.Close() }, nil
	}
}

func registerPartners(cfg *config.Config) (*postback.Registry, error) {
	reg := postback.NewRegistry()

	builtins, err := postback.Builtins(cfg.PartnerSecrets)
	if err != nil {
		return nil, err
	}
	adapters := builtins

	if cfg.PartnersFile != "" {
		custom, err := factory.LoadPartnersFile(cfg.PartnersFile, os.Getenv)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, custom...)
	}

	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
