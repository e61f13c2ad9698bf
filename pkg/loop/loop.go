// Package loop runs the protocol stack on a single goroutine.
//
// Socket readers and the HTTP API never touch protocol state directly:
// they hand closures to the loop with Post or Do, and a ticker drives
// every deadline-based component (retry timers, reassembly expiry).
package loop

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultTick is the tick interval used when none is configured.
const DefaultTick = 50 * time.Millisecond

// ErrStopped is returned when posting to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop is a single-threaded cooperative event loop.
type Loop struct {
	events  chan func()
	done    chan struct{}
	tick    time.Duration
	tickers []func(now time.Time)
	now     func() time.Time
}

// New creates a loop ticking every tick (DefaultTick if zero).
func New(tick time.Duration) *Loop {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Loop{
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		tick:   tick,
		now:    time.Now,
	}
}

// OnTick registers fn to run on every tick. It must be called before Run.
func (l *Loop) OnTick(fn func(now time.Time)) {
	l.tickers = append(l.tickers, fn)
}

// Post queues fn for execution on the loop goroutine. It blocks while the
// queue is full and fails once the loop has stopped.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.events <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Run dispatches events and ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	slog.Debug("loop: started", "tick", l.tick)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("loop: stopped")
			return ctx.Err()
		case fn := <-l.events:
			fn()
		case <-ticker.C:
			now := l.now()
			for _, t := range l.tickers {
				t(now)
			}
		}
	}
}
