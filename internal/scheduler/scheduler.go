// Package scheduler runs crawlers on cron schedules, one at a time.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc runs a single crawl of site.
type RunFunc func(ctx context.Context, site string) error

// Entry describes a scheduled site.
type Entry struct {
	Site     string
	Schedule string
	Next     time.Time
}

// Scheduler owns a cron instance whose jobs share one browser at a time.
type Scheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	run     RunFunc
	timeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	// runMu serializes crawls across sites; each needs its own Chrome and
	// the machine is assumed to host one at a time.
	runMu sync.Mutex

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
	started bool
}

// New creates a Scheduler. timeout bounds every run; zero means unbounded.
func New(logger *zap.Logger, run RunFunc, timeout time.Duration) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		run:     run,
		timeout: timeout,
		baseCtx: ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// Add schedules site with a standard five-field cron spec or descriptor.
func (s *Scheduler) Add(site, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[site]; ok {
		return fmt.Errorf("site %q is already scheduled", site)
	}
	id, err := s.cron.AddFunc(spec, func() { s.execute(site) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for site %q: %w", spec, site, err)
	}
	s.entries[site] = id
	s.specs[site] = spec
	s.logger.Info("Site scheduled.", zap.String("site", site), zap.String("schedule", spec))
	return nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("Scheduler started.", zap.Int("sites", len(s.entries)))
}

// Stop cancels any running crawl and waits for jobs to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}

// RunNow runs site immediately, still serialized with scheduled runs.
func (s *Scheduler) RunNow(site string) {
	s.execute(site)
}

// Entries returns the scheduled sites ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for site, id := range s.entries {
		out = append(out, Entry{Site: site, Schedule: s.specs[site], Next: s.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}

func (s *Scheduler) execute(site string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.baseCtx.Err() != nil {
		return
	}

	ctx, cancel := s.baseCtx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, s.timeout)
	}
	defer cancel()

	logger := s.logger.With(zap.String("site", site))
	start := time.Now()
	logger.Info("Scheduled run starting.")
	if err := s.run(ctx, site); err != nil {
		logger.Error("Scheduled run failed.", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Info("Scheduled run finished.", zap.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger. Cron's chatty info lines go to debug.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
