// Package dispatch provides the serial executor that owns the engine's
// mutable state. Work is posted as closures and timers are scheduled on the
// same executor, so every callback runs on one logical thread.
package dispatch

import (
	"time"
)

// EventScheduler schedules callbacks to run at specific times on the
// dispatcher.
type EventScheduler interface {
	// Schedule registers a callback f to run at time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current time of the underlying clock.
	Now() time.Time
}

// Dispatcher is a serial executor with timers. Callbacks passed to Post and
// Schedule never run concurrently with each other.
type Dispatcher interface {
	EventScheduler

	// Post queues f to run on the dispatcher. It never blocks and may be
	// called from any goroutine, including from a running callback.
	Post(f func())
}

// After schedules f to run once delay has elapsed on the scheduler's clock.
func After(d EventScheduler, delay time.Duration, f func()) string {
	return d.Schedule(d.Now().Add(delay), f)
}
