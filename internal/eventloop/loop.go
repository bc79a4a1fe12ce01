// Package eventloop provides the single-threaded dispatch core each process runs on.
//
// Socket readers, process waiters and HTTP handlers run on their own goroutines and hand
// work to the loop with Post or Do. Everything posted runs to completion on the loop
// goroutine, one task at a time, so state owned by loop tasks needs no locking.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStopped is returned by Do when the loop exits before running the task
var ErrStopped = errors.New("event loop stopped")

// Loop is a task queue with timers, drained by Run
type Loop struct {
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a loop. A nil clock uses wall time.
func New(clk clock.Clock, logger *slog.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		clock:  clk,
		logger: logger.With("component", "loop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Clock returns the loop's time source
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Now returns the current time of the loop's clock
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Task panicked", "panic", r)
		}
	}()
	fn()
}

// AfterFunc schedules fn to run once on the loop after d
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.arm(d)
	return t
}

// Every schedules fn to run on the loop every period, first after one period
func (l *Loop) Every(period time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, period: period}
	t.arm(period)
	return t
}

// Timer is a cancellable handle to a scheduled callback
type Timer struct {
	loop   *Loop
	fn     func()
	period time.Duration

	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

func (t *Timer) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = t.loop.clock.AfterFunc(d, func() {
		t.loop.Post(t.fire)
	})
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.period == 0 {
		t.stopped = true
	}
	t.mu.Unlock()

	if t.period > 0 {
		t.arm(t.period)
	}
	t.fn()
}

// Stop deregisters the callback. It reports whether the timer was still active and is
// safe to call any number of times, including from inside the callback.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Active reports whether the timer can still fire
func (t *Timer) Active() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}
