// Package supervisor keeps the daemon's background tasks alive. Every
// long-running loop registers here; a panic or error gets logged and the
// task restarts with exponential backoff instead of silently dying.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
)

// Task is one supervised loop. It runs until its context is cancelled;
// returning nil stops the task for good, returning an error (or
// panicking) triggers a restart.
type Task func(ctx context.Context) error

// Config tunes the restart schedule.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// healthyReset is how long a task must run before its next failure is
// treated as fresh rather than part of a crash loop.
const healthyReset = time.Minute

type task struct {
	name string
	fn   Task
}

// Supervisor owns registered tasks and their restart loops.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   []task
	started bool
	runCtx  context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. Zero config fields take the defaults of
// 1 second initial and 60 seconds maximum backoff.
func New(cfg Config) *Supervisor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: log.WithComponent("supervisor"),
	}
}

// Register adds a named task. Tasks registered after Start are launched
// immediately.
func (s *Supervisor) Register(name string, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := task{name: name, fn: fn}
	s.tasks = append(s.tasks, t)
	if s.started {
		s.launch(t)
	}
}

// Start launches every registered task.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx = ctx
	s.started = true
	for _, t := range s.tasks {
		s.launch(t)
	}
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Supervisor started")
}

// launch must be called with mu held.
func (s *Supervisor) launch(t task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(s.runCtx, t)
	}()
}

// Stop cancels every task and waits for them to unwind.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Supervisor stopped")
}

func (s *Supervisor) supervise(ctx context.Context, t task) {
	backoff := s.cfg.InitialBackoff
	for {
		started := time.Now()
		err := s.safeRun(ctx, t)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info().Str("task", t.name).Msg("Task stopped")
			return
		}

		if time.Since(started) >= healthyReset {
			backoff = s.cfg.InitialBackoff
		}

		// WithLevel(FatalLevel) records a critical entry without the
		// os.Exit that Fatal() carries.
		s.logger.WithLevel(zerolog.FatalLevel).
			Err(err).
			Str("task", t.name).
			Dur("restart_in", backoff).
			Msg("Task failed, restarting")
		metrics.TaskRestartsTotal.WithLabelValues(t.name).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// safeRun executes the task inside a recovery boundary so one panicking
// loop cannot take the daemon down.
func (s *Supervisor) safeRun(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			s.logger.Error().
				Str("task", t.name).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
		}
	}()
	return t.fn(ctx)
}
