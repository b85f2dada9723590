package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/timectrl"
)

// ErrNotRunning is returned by Call when the loop is not running.
var ErrNotRunning = errors.New("dispatch loop not running")

// Loop is the production Dispatcher: a single goroutine draining an
// unbounded mailbox and firing timers from the configured clock.
type Loop struct {
	clock timectrl.Clock
	log   logging.Logger

	mu      sync.Mutex
	mailbox []func()
	timers  *timerQueue
	running bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used to report recovered callback panics.
func WithLogger(l logging.Logger) LoopOption {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// NewLoop creates a loop driven by clock; a nil clock uses wall time.
func NewLoop(clock timectrl.Clock, opts ...LoopOption) *Loop {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	l := &Loop{
		clock:  clock,
		log:    logging.Noop(),
		timers: newTimerQueue("ev"),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop goroutine. It runs until ctx is done or Stop is
// called. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop terminates the loop and waits for the running callback to return.
// Queued work and timers that have not run are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// Now returns the current time of the loop's clock.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Post queues f on the loop.
func (l *Loop) Post(f func()) {
	if f == nil {
		return
	}
	l.mu.Lock()
	l.mailbox = append(l.mailbox, f)
	l.mu.Unlock()
	l.signal()
}

// Schedule registers f to run at 'at'.
func (l *Loop) Schedule(at time.Time, f func()) string {
	l.mu.Lock()
	id := l.timers.schedule(at, f)
	l.mu.Unlock()
	l.signal()
	return id
}

// Cancel removes a pending timer.
func (l *Loop) Cancel(id string) {
	l.mu.Lock()
	l.timers.cancel(id)
	l.mu.Unlock()
}

// Pending returns the number of queued callbacks and live timers.
func (l *Loop) Pending() (posted, timers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mailbox), l.timers.len()
}

// Call runs f on the loop and waits for it to return. It must not be called
// from a loop callback.
func (l *Loop) Call(ctx context.Context, f func()) error {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		f()
	})
	select {
	case <-finished:
		return nil
	case <-l.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if f := l.next(); f != nil {
			l.invoke(f)
			continue
		}

		var timerC <-chan time.Time
		l.mu.Lock()
		at, ok := l.timers.next()
		l.mu.Unlock()
		if ok {
			timerC = l.clock.After(at.Sub(l.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-timerC:
		}
	}
}

// next pops the next posted callback, falling back to the earliest due
// timer. Posted work runs before timers.
func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.mailbox) > 0 {
		f := l.mailbox[0]
		l.mailbox[0] = nil
		l.mailbox = l.mailbox[1:]
		return f
	}
	if t := l.timers.popDue(l.clock.Now()); t != nil {
		return t.f
	}
	return nil
}

func (l *Loop) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error(context.Background(), "dispatch callback panicked",
				logging.String("panic", fmt.Sprint(r)))
		}
	}()
	f()
}
