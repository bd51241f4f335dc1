// Package scheduler drives the periodic workers: the ingestion sync on a
// fixed interval and the archival sweep once per day.
//
// Worker invocations carry their own budgets, so a slow run exits cleanly
// before the next tick rather than stacking up.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/buildingvitals/vitals/internal/archive"
	"github.com/buildingvitals/vitals/internal/ingest"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/registry"
)

// Options configures the scheduler.
type Options struct {
	SyncInterval time.Duration
	HotRetention time.Duration
	DefaultSite  string

	// StartupJitter delays the first sync by up to this much, so restarts
	// of several instances do not hit the upstream at once.
	StartupJitter time.Duration
}

// Stats holds scheduler statistics.
type Stats struct {
	SyncRuns     int64
	SyncFailures int64
	ArchiveRuns  int64
	ArchiveFails int64
	LastSyncAt   time.Time
	LastSweepAt  time.Time
}

// Scheduler runs the periodic workers until stopped.
type Scheduler struct {
	opts     Options
	sync     *ingest.Worker
	archive  *archive.Worker
	registry *registry.Registry
	log      *slog.Logger

	mu    sync.Mutex
	stats Stats
	wg    sync.WaitGroup
}

// New creates a scheduler.
func New(opts Options, syncWorker *ingest.Worker, archiveWorker *archive.Worker, reg *registry.Registry) *Scheduler {
	return &Scheduler{
		opts:     opts,
		sync:     syncWorker,
		archive:  archiveWorker,
		registry: reg,
		log:      logging.Component("scheduler"),
	}
}

// Start launches the scheduling loop. It returns immediately; Stop or
// context cancellation ends the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Wait blocks until the scheduling loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns a snapshot of scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) run(ctx context.Context) {
	if s.opts.StartupJitter > 0 {
		delay := time.Duration(rand.Int63n(int64(s.opts.StartupJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	syncTicker := time.NewTicker(s.opts.SyncInterval)
	defer syncTicker.Stop()

	sweepTimer := time.NewTimer(untilNextSweep(time.Now()))
	defer sweepTimer.Stop()

	// Catch up on overdue days from before this process started.
	s.runSync(ctx)
	s.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			s.runSync(ctx)
		case <-sweepTimer.C:
			s.runSweep(ctx)
			sweepTimer.Reset(untilNextSweep(time.Now()))
		}
	}
}

// untilNextSweep returns the wait until the next daily archival sweep,
// shortly after midnight UTC so the just-elapsed day is fully behind us.
func untilNextSweep(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 15, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}

// runSync runs one sync pass for every known site.
func (s *Scheduler) runSync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	for _, site := range s.sites(ctx) {
		if _, err := s.sync.Run(ctx, site); err != nil {
			s.log.Error("scheduled sync failed", "site", site, "error", err)
			s.mu.Lock()
			s.stats.SyncFailures++
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		s.stats.SyncRuns++
		s.stats.LastSyncAt = time.Now().UTC()
		s.mu.Unlock()
	}
}

// runSweep archives every due day for every known site.
func (s *Scheduler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	for _, site := range s.sites(ctx) {
		if err := s.archive.RunDue(ctx, site, s.opts.HotRetention); err != nil {
			s.log.Error("archival sweep failed", "site", site, "error", err)
			s.mu.Lock()
			s.stats.ArchiveFails++
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		s.stats.ArchiveRuns++
		s.stats.LastSweepAt = time.Now().UTC()
		s.mu.Unlock()
	}
}

// sites returns the registered sites, always including the default.
func (s *Scheduler) sites(ctx context.Context) []string {
	sites, err := s.registry.Sites(ctx)
	if err != nil {
		s.log.Warn("list sites", "error", err)
	}
	for _, site := range sites {
		if site == s.opts.DefaultSite {
			return sites
		}
	}
	return append(sites, s.opts.DefaultSite)
}
