package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the dispatcher, the task queue and the
// simulated transport. It lets the engine run against wall-clock time in
// production and against a controlled time line in tests and scenario
// replays.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// WallClock is the real-time Clock.
type WallClock struct{}

// Now returns time.Now().
func (WallClock) Now() time.Time { return time.Now() }

// After delegates to time.After.
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime advances by Tick once per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances by Tick once per Tick/Speedup of wall-clock time.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// DefaultSpeedup is used by Accelerated mode when Speedup is unset.
const DefaultSpeedup = 20

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives a simulated time line and notifies registered
// listeners on every tick. It implements Clock; channels returned by After
// fire when simulated time passes their deadline.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode
	Speedup   int

	currentTime time.Time
	waiters     []waiter // ordered by deadline

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		Speedup:     DefaultSpeedup,
		currentTime: start,
	}
}

// Now returns the current simulated time. Implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After returns a channel that receives the simulated time once it has
// advanced by d. Implements Clock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	tc.mu.Lock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		now := tc.currentTime
		tc.mu.Unlock()
		ch <- now
		return ch
	}
	idx := sort.Search(len(tc.waiters), func(i int) bool {
		return tc.waiters[i].at.After(at)
	})
	tc.waiters = append(tc.waiters, waiter{})
	copy(tc.waiters[idx+1:], tc.waiters[idx:])
	tc.waiters[idx] = waiter{at: at, ch: ch}
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// SetTime moves simulated time to t, firing due After channels. Time never
// moves backwards.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	if t.Before(tc.currentTime) {
		tc.mu.Unlock()
		return
	}
	tc.currentTime = t
	due := tc.popDueLocked(t)
	tc.mu.Unlock()

	for _, w := range due {
		w.ch <- t
	}
}

// Advance moves simulated time forward by d.
func (tc *TimeController) Advance(d time.Duration) {
	tc.SetTime(tc.Now().Add(d))
}

func (tc *TimeController) popDueLocked(now time.Time) []waiter {
	n := 0
	for n < len(tc.waiters) && !tc.waiters[n].at.After(now) {
		n++
	}
	due := append([]waiter(nil), tc.waiters[:n]...)
	tc.waiters = tc.waiters[n:]
	return due
}

func (tc *TimeController) period() time.Duration {
	if tc.Mode != Accelerated {
		return tc.Tick
	}
	speedup := tc.Speedup
	if speedup < 1 {
		speedup = DefaultSpeedup
	}
	p := tc.Tick / time.Duration(speedup)
	if p <= 0 {
		p = time.Microsecond
	}
	return p
}

// Start runs the controller for the given simulated duration (0 runs until
// ctx is done) in a separate goroutine. It returns a channel that is closed
// when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(tc.period())
		defer ticker.Stop()

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			elapsed += tc.Tick
			simTime := tc.Now().Add(tc.Tick)
			tc.SetTime(simTime)

			tc.mu.RLock()
			listeners := append([]func(time.Time){}, tc.listeners...)
			tc.mu.RUnlock()
			for _, fn := range listeners {
				fn(simTime)
			}
		}
	}()
	return done
}
