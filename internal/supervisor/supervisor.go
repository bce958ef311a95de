// Package supervisor restarts long-lived background tasks that crash,
// with exponential backoff, and reports their health, so no goroutine
// is spawned ad hoc without an owner.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a long-lived goroutine body. It should return promptly when ctx
// is cancelled. Any return while the Supervisor's context is still live,
// nil or error, triggers a restart.
type Task func(ctx context.Context) error

// Status reports the current health of one supervised task.
type Status struct {
	Name         string
	Running      bool
	Restarts     int
	LastErr      error
	LastRestart  time.Time
}

// Supervisor owns a set of named tasks, restarting each with exponential
// backoff (100ms up to a 30s cap) whenever it returns before Shutdown.
type Supervisor struct {
	log *zap.Logger
	ctx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	statuses map[string]*Status

	wg sync.WaitGroup
}

// New creates a Supervisor rooted at parent; every registered task shares
// this lifetime and is cancelled together on Shutdown.
func New(parent context.Context, log *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		log:      log.Named("supervisor"),
		ctx:      ctx,
		cancel:   cancel,
		statuses: make(map[string]*Status),
	}
}

// Register starts task under the given name, supervised for the lifetime
// of the Supervisor.
func (s *Supervisor) Register(name string, task Task) {
	s.mu.Lock()
	s.statuses[name] = &Status{Name: name}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(s.ctx, name, task)
}

func (s *Supervisor) run(ctx context.Context, name string, task Task) {
	defer s.wg.Done()

	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		s.setRunning(name, true)
		err := task(ctx)
		s.setRunning(name, false)

		if ctx.Err() != nil {
			return
		}

		s.recordRestart(name, err, backoff)
		s.log.Warn("task exited, restarting",
			zap.String("task", name), zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Supervisor) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[name]; ok {
		st.Running = running
	}
}

func (s *Supervisor) recordRestart(name string, err error, backoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[name]; ok {
		st.Restarts++
		st.LastErr = err
		st.LastRestart = time.Now()
	}
}

// Statuses returns a snapshot of every registered task's health.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	return out
}

// Shutdown cancels every supervised task and waits up to timeout for them
// to drain before returning.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("supervisor shutdown timed out waiting for tasks to drain")
	}
}
