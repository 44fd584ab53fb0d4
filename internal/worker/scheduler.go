// Package worker runs configured extractions on a schedule. Several worker
// processes may run side by side; a distributed lock per schedule keeps a
// window from being extracted twice.
package worker

import (
	"context"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/ecomm-report-extractor/internal/config"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/engine"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/distlock"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// DefaultTick is how often the scheduler checks for due schedules.
const DefaultTick = time.Minute

// Runner executes one extraction over a date range.
type Runner interface {
	RunRange(ctx context.Context, retailer, reportType string, params map[string]string, opts ...engine.RunOption) ([]*domain.NormalizedResult, error)
}

// LockFactory returns the lock guarding key, or nil for no coordination.
type LockFactory func(key string) distlock.DistLock

// Stats counts scheduler activity since start.
type Stats struct {
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	Skipped  int64 `json:"skipped"`
}

// Scheduler triggers each schedule once per interval.
type Scheduler struct {
	runner    Runner
	schedules []config.ScheduleConfig
	locks     LockFactory
	limit     int
	tick      time.Duration
	now       func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time

	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLocks(f LockFactory) Option { return func(s *Scheduler) { s.locks = f } }

// WithConcurrency bounds how many schedules run at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func NewScheduler(runner Runner, schedules []config.ScheduleConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    runner,
		schedules: schedules,
		limit:     1,
		tick:      DefaultTick,
		now:       time.Now,
		lastRun:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks for due schedules immediately and then every tick until ctx
// is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("worker: scheduler started", "schedules", len(s.schedules), "tick", s.tick.String(), "concurrency", s.limit)

	s.RunDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker: scheduler stopping")
			return nil
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue starts every schedule whose interval has elapsed and waits for
// them. It returns how many were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)

	started := 0
	for _, sc := range s.schedules {
		if !s.claim(sc) {
			continue
		}
		started++
		g.Go(func() error {
			s.runOne(gctx, sc)
			return nil
		})
	}
	_ = g.Wait()
	return started
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Runs: s.runs.Load(), Failures: s.failures.Load(), Skipped: s.skipped.Load()}
}

// claim marks sc as run now when it is due.
func (s *Scheduler) claim(sc config.ScheduleConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.lastRun[sc.Name]; ok && now.Sub(last) < sc.Interval() {
		return false
	}
	s.lastRun[sc.Name] = now
	return true
}

func (s *Scheduler) runOne(ctx context.Context, sc config.ScheduleConfig) {
	if s.locks != nil {
		if lock := s.locks(distlock.ScheduleKey(sc.Name)); lock != nil {
			ok, err := lock.Acquire(ctx)
			if err != nil {
				logger.Warn("worker: schedule lock failed", "schedule", sc.Name, "error", err.Error())
				s.skipped.Add(1)
				return
			}
			if !ok {
				logger.Info("worker: schedule held by another worker", "schedule", sc.Name)
				s.skipped.Add(1)
				return
			}
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("worker: schedule unlock failed", "schedule", sc.Name, "error", err.Error())
				}
			}()
			stop := keepAlive(ctx, sc.Name, lock)
			defer stop()
		}
	}

	params := ScheduleParams(sc, s.now())
	s.runs.Add(1)
	start := time.Now()
	results, err := s.runner.RunRange(ctx, sc.Retailer, sc.ReportType, params)
	if err != nil {
		s.failures.Add(1)
		logger.Error("worker: scheduled extraction failed",
			"schedule", sc.Name,
			"kind", string(domain.KindOf(err)),
			"cause", string(domain.CauseKind(err)),
			"error", err.Error())
		return
	}

	rows := 0
	for _, r := range results {
		rows += len(r.Records)
	}
	logger.Info("worker: scheduled extraction completed",
		"schedule", sc.Name,
		"windows", len(results),
		"rows", rows,
		"duration", time.Since(start).Round(time.Millisecond).String())
}

// keepAlive renews an expiring lock every half TTL until stop is called. A
// run covers several windows, each bounded by the run timeout, so the
// lock's TTL alone does not cover it.
func keepAlive(ctx context.Context, name string, lock distlock.DistLock) (stop func()) {
	ext, ok := lock.(distlock.Extender)
	if !ok || ext.TTL() <= 0 {
		return func() {}
	}
	ttl := ext.TTL()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, ttl); err != nil {
					if ctx.Err() == nil {
						logger.Warn("worker: schedule lock renewal failed", "schedule", name, "error", err.Error())
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ScheduleParams builds the report parameters for one scheduled run: the
// configured params plus a window ending yesterday (UTC) and covering
// LookbackDays days.
func ScheduleParams(sc config.ScheduleConfig, now time.Time) map[string]string {
	params := maps.Clone(sc.Params)
	if params == nil {
		params = make(map[string]string, 3)
	}
	days := sc.LookbackDays
	if days < 1 {
		days = 1
	}
	end := now.UTC().AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(days - 1))
	params["start_date"] = start.Format(engine.DateLayout)
	params["end_date"] = end.Format(engine.DateLayout)
	if sc.CountryCode != "" {
		params["country_code"] = strings.ToUpper(sc.CountryCode)
	}
	return params
}
