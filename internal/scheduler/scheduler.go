// Package scheduler runs the periodic jobs — pattern detection sweeps,
// aggregate rollups, capability cache refresh, and the
// weather-opportunity scan — each single-instance: a tick that arrives
// while the previous run of the same job is still in flight is skipped
// rather than queued, and the skip is counted.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic unit of work. It receives a context carrying the
// scheduler's deadline policy for the job kind and should return
// promptly on cancellation.
type Job func(ctx context.Context) error

// Stats tracks a job's run history for the admin API and logs.
type Stats struct {
	Name           string
	Runs           int64
	Failures       int64
	SkippedOverlap int64
	LastRun        time.Time
	LastErr        error
	LastDuration   time.Duration
}

type registeredJob struct {
	name    string
	spec    string
	job     Job
	timeout time.Duration

	running atomic.Bool
	mu      sync.Mutex
	stats   Stats
}

// Scheduler owns a set of named periodic jobs and a cron driver.
type Scheduler struct {
	log  *zap.Logger
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]*registeredJob
}

// New creates a Scheduler. Call Start to begin ticking; call Shutdown to
// stop accepting new ticks and wait for in-flight jobs to finish.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:  log.Named("scheduler"),
		cron: cron.New(),
		jobs: make(map[string]*registeredJob),
	}
}

// Register adds a job on the given cron spec (standard 5-field or
// "@every 6h" style duration spec) with a per-run timeout. It must be
// called before Start.
func (s *Scheduler) Register(name, spec string, timeout time.Duration, job Job) error {
	rj := &registeredJob{name: name, spec: spec, job: job, timeout: timeout, stats: Stats{Name: name}}

	s.mu.Lock()
	s.jobs[name] = rj
	s.mu.Unlock()

	_, err := s.cron.AddFunc(spec, func() { s.runOnce(rj) })
	return err
}

// Start begins ticking every registered job on its schedule.
func (s *Scheduler) Start() { s.cron.Start() }

// Shutdown stops the cron driver and waits (up to the cron library's own
// internal bookkeeping) for any job already dispatched to return.
func (s *Scheduler) Shutdown(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// RunNow runs every registered job immediately and synchronously,
// ignoring its schedule — used by the CLI's --once flag. It
// respects the same single-instance guarantee: a job already running
// (from the cron driver) is skipped rather than run twice concurrently.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*registeredJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	var firstErr error
	for _, j := range jobs {
		if err := s.runOnceCtx(ctx, j); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) runOnce(rj *registeredJob) {
	ctx := context.Background()
	_ = s.runOnceCtx(ctx, rj)
}

func (s *Scheduler) runOnceCtx(parent context.Context, rj *registeredJob) error {
	if !rj.running.CompareAndSwap(false, true) {
		rj.mu.Lock()
		rj.stats.SkippedOverlap++
		rj.mu.Unlock()
		s.log.Warn("job tick skipped, previous run still in flight", zap.String("job", rj.name))
		return nil
	}
	defer rj.running.Store(false)

	ctx := parent
	var cancel context.CancelFunc
	if rj.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, rj.timeout)
		defer cancel()
	}

	start := time.Now()
	err := rj.job(ctx)
	dur := time.Since(start)

	rj.mu.Lock()
	rj.stats.Runs++
	rj.stats.LastRun = start
	rj.stats.LastDuration = dur
	rj.stats.LastErr = err
	if err != nil {
		rj.stats.Failures++
	}
	rj.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", zap.String("job", rj.name), zap.Error(err), zap.Duration("duration", dur))
	} else {
		s.log.Info("job completed", zap.String("job", rj.name), zap.Duration("duration", dur))
	}
	return err
}

// Stats returns a snapshot of every registered job's run history.
func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.jobs))
	for _, rj := range s.jobs {
		rj.mu.Lock()
		out = append(out, rj.stats)
		rj.mu.Unlock()
	}
	return out
}
