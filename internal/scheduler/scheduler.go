// Package scheduler runs the node's periodic background work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"catalyst-go/internal/catalyst"
)

var (
	ErrAlreadyStarted  = errors.New("scheduler already started")
	ErrUnknownTask     = errors.New("unknown task")
	ErrShutdownTimeout = errors.New("tasks still running after shutdown grace period")
)

// Task is a named unit of work repeated every Interval.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once as soon as the scheduler starts instead
	// of waiting a full interval.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Result reports one run of a task.
type Result struct {
	Task     string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Scheduler owns one goroutine per task. A task never overlaps with itself;
// a tick that arrives while it runs is dropped.
type Scheduler struct {
	logger  catalyst.Logger
	results chan Result

	mu       sync.Mutex
	tasks    map[string]*entry
	order    []string
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type entry struct {
	task    Task
	trigger chan struct{}
}

// New creates a scheduler whose results channel buffers up to buffer runs.
// Results that find the buffer full are dropped.
func New(logger catalyst.Logger, buffer int) *Scheduler {
	if logger == nil {
		logger = catalyst.NewNopLogger()
	}
	return &Scheduler{
		logger:  logger,
		results: make(chan Result, buffer),
		tasks:   make(map[string]*entry),
	}
}

// Add registers a task. Tasks can only be added before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	s.tasks[t.Name] = &entry{task: t, trigger: make(chan struct{}, 1)}
	s.order = append(s.order, t.Name)
	return nil
}

// Results delivers the outcome of every run.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Start launches every task. The tasks stop when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		e := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("scheduler started", "tasks", len(s.order))
	return nil
}

// RunNow asks a task to run as soon as it is idle. Requests made while one
// is already pending are merged.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels all tasks and waits up to grace for them to return. The
// results channel is closed once every task has returned.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		cancel()
		go func() {
			s.wg.Wait()
			close(s.results)
		}()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-time.After(grace):
		return ErrShutdownTimeout
	}
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(e.task.Interval)
	defer ticker.Stop()

	if e.task.RunAtStart {
		s.run(ctx, e.task)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, e.task)
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	start := time.Now()
	err := t.Run(ctx)
	res := Result{Task: t.Name, Started: start, Duration: time.Since(start), Err: err}

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("task failed", "task", t.Name, "duration", res.Duration, "error", err)
	} else {
		s.logger.Debug("task finished", "task", t.Name, "duration", res.Duration)
	}

	select {
	case s.results <- res:
	default:
	}
}
