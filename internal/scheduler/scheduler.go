// Package scheduler runs cancellable periodic and one-shot tasks.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of scheduled work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Option configures a Repeat.
type Option func(*Repeat)

// WithErrorHandler receives every error returned by the task. The loop keeps
// running regardless.
func WithErrorHandler(fn func(error)) Option {
	return func(r *Repeat) { r.onError = fn }
}

// Repeat executes a task at a fixed interval until its context is cancelled
// or Stop is called. The first execution happens one interval after Start.
// Executions never overlap. The interval may change while running; the new
// value applies from the next wait.
type Repeat struct {
	task     Task
	interval atomic.Int64
	onError  func(error)
	reset    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRepeat returns a stopped loop running task every interval.
func NewRepeat(interval time.Duration, task Task, opts ...Option) *Repeat {
	r := &Repeat{
		task:  task,
		reset: make(chan struct{}, 1),
	}
	r.interval.Store(int64(interval))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the loop. It is a no-op while the loop is running.
func (r *Repeat) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go r.run(ctx, done)
}

// Stop cancels the loop without waiting for it. Safe to call from inside
// the task and safe to call repeatedly.
func (r *Repeat) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Running reports whether the loop has been started and not stopped.
func (r *Repeat) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Done is closed when the most recently started loop has exited. It is nil
// before the first Start.
func (r *Repeat) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Interval returns the current period.
func (r *Repeat) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetInterval changes the period. Non-positive values are ignored.
func (r *Repeat) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.interval.Store(int64(d))
	select {
	case r.reset <- struct{}{}:
	default:
	}
}

func (r *Repeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(r.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.Interval())
		case <-timer.C:
			if err := r.task.Execute(ctx); err != nil && r.onError != nil {
				r.onError(err)
			}
			timer.Reset(r.Interval())
		}
	}
}

// After runs task once after delay unless ctx is cancelled first. The
// returned stop function cancels a pending run and reports whether it did.
func After(ctx context.Context, delay time.Duration, task Task) (stop func() bool) {
	t := time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		_ = task.Execute(ctx)
	})
	return t.Stop
}
