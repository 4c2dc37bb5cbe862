/*
scheduler.go - Automated expiry sweep scheduler

PURPOSE:
  Periodically releases pending tasks whose hold has outlived the expiry
  horizon (PendingPolicy.ExpiryDays), crediting them to the spendable
  balance.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start, then on every tick
  - The horizon is read from the stored policy on every run, so a policy
    change takes effect on the next tick
  - A failed run is logged and counted; the next tick tries again

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpirySweepScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - ledger/expiry.go: ExpirePendingBatch
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/reward-ledger/ledger"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the scheduler sweeps when not configured.
const DefaultSweepInterval = time.Hour

// ExpirySweepScheduler runs the expiry sweep on a ticker.
type ExpirySweepScheduler struct {
	Engine   *ledger.Engine
	Interval time.Duration
	Enabled  bool
	Metrics  *Metrics

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	statMu     sync.Mutex
	lastRun    time.Time
	lastReport ledger.SweepReport
}

// NewExpirySweepScheduler creates a new scheduler.
func NewExpirySweepScheduler(engine *ledger.Engine, log *zap.Logger) *ExpirySweepScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpirySweepScheduler{
		Engine:   engine,
		Interval: DefaultSweepInterval,
		Enabled:  true,
		log:      log.Named("sweep"),
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *ExpirySweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSweepInterval
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *ExpirySweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("scheduler stopped")
	}
}

func (s *ExpirySweepScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.sweep(ctx, "scheduled")

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx, "scheduled")
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *ExpirySweepScheduler) RunNow(ctx context.Context) (ledger.SweepReport, error) {
	return s.sweep(ctx, "manual")
}

// LastRun returns the time and report of the most recent successful sweep.
func (s *ExpirySweepScheduler) LastRun() (time.Time, ledger.SweepReport) {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.lastRun, s.lastReport
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *ExpirySweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}

func (s *ExpirySweepScheduler) sweep(ctx context.Context, trigger string) (ledger.SweepReport, error) {
	start := time.Now()
	report, err := s.Engine.ExpirePendingBatch(ctx, 0)
	if s.Metrics != nil {
		s.Metrics.sweepRuns.WithLabelValues(trigger, result(err)).Inc()
		s.Metrics.sweepPromoted.Add(float64(report.Promoted))
	}
	if err != nil {
		s.log.Error("sweep failed", zap.String("trigger", trigger), zap.Error(err))
		return report, err
	}

	s.statMu.Lock()
	s.lastRun = start
	s.lastReport = report
	s.statMu.Unlock()

	s.log.Info("sweep completed",
		zap.String("trigger", trigger),
		zap.Int("horizon_days", report.Horizon),
		zap.Int("scanned", report.Scanned),
		zap.Int("promoted", report.Promoted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)))
	return report, nil
}
