/*
scheduler.go - Automated renewal and expiry scheduler

PURPOSE:
  Periodically charges wallet-auto-renew services that are about to expire
  and suspends services whose paid period has ended.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass is one hosting.Lifecycle.Sweep; every service is its own
    unit of work, so one failing service never blocks the others
  - A service the wallet cannot fund stays due and is retried next pass
  - Stopping cancels the pass between services; a unit of work already
    started runs to completion

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 15 minutes)
  - RenewAhead: Charge services expiring within this window (default: 24h)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewRenewalScheduler(lifecycle)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - admin.go: POST /api/admin/sweep (manual pass)
  - hosting/lifecycle.go: Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/hosting-engine/hosting"
)

// Sweeper runs one renewal and expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context, ahead time.Duration) (hosting.SweepReport, error)
}

// RenewalScheduler runs Sweep on a ticker.
type RenewalScheduler struct {
	Sweeper       Sweeper
	CheckInterval time.Duration
	RenewAhead    time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	lastRun time.Time
	wg      sync.WaitGroup
	mu      sync.Mutex
	runMu   sync.Mutex
}

// NewRenewalScheduler creates a new scheduler.
func NewRenewalScheduler(sweeper Sweeper) *RenewalScheduler {
	return &RenewalScheduler{
		Sweeper:       sweeper,
		CheckInterval: 15 * time.Minute,
		RenewAhead:    24 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (rs *RenewalScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Info().Msg("Renewal scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx, rs.ticker, rs.stop)

	log.Info().
		Dur("interval", rs.CheckInterval).
		Dur("renew_ahead", rs.RenewAhead).
		Msg("Renewal scheduler started")
}

// Stop stops the scheduler and waits for a running pass to return.
func (rs *RenewalScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	log.Info().Msg("Renewal scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (rs *RenewalScheduler) Run(ctx context.Context) error {
	rs.Start()
	<-ctx.Done()
	rs.Stop()
	return nil
}

func (rs *RenewalScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			rs.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate pass (for admin and the CLI).
func (rs *RenewalScheduler) RunNow(ctx context.Context) (hosting.SweepReport, error) {
	return rs.sweep(ctx)
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (rs *RenewalScheduler) GetNextRunTime() time.Time {
	rs.runMu.Lock()
	last := rs.lastRun
	rs.runMu.Unlock()
	if last.IsZero() {
		return time.Now().Add(rs.CheckInterval)
	}
	return last.Add(rs.CheckInterval)
}

// sweep serializes passes so a manual run never overlaps a scheduled one.
func (rs *RenewalScheduler) sweep(ctx context.Context) (hosting.SweepReport, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	start := time.Now()
	report, err := rs.Sweeper.Sweep(ctx, rs.RenewAhead)
	SchedulerDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		SchedulerRuns.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("Renewal sweep failed")
		return report, err
	}

	rs.lastRun = start
	SchedulerRuns.WithLabelValues("ok").Inc()
	SchedulerLastRun.Set(float64(start.Unix()))
	SchedulerServices.WithLabelValues("renewed").Add(float64(len(report.Renewed)))
	SchedulerServices.WithLabelValues("suspended").Add(float64(len(report.Suspended)))
	SchedulerServices.WithLabelValues("failed").Add(float64(len(report.Failed)))

	for _, f := range report.Failed {
		log.Warn().Err(f.Err).Str("service_id", f.ServiceID).Msg("Service renewal failed")
	}
	if len(report.Renewed) > 0 || len(report.Suspended) > 0 || len(report.Failed) > 0 {
		log.Info().
			Int("renewed", len(report.Renewed)).
			Int("suspended", len(report.Suspended)).
			Int("failed", len(report.Failed)).
			Msg("Renewal sweep completed")
	}
	return report, nil
}
