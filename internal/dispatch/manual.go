package dispatch

import (
	"sync"
	"time"
)

// ManualLoop is a test Dispatcher that maintains its own notion of time and
// runs callbacks on the calling goroutine. Tests call AdvanceTo or Advance
// to move time forward and fire due timers deterministically.
//
// Post runs f immediately unless a callback is already running, in which
// case f is queued and runs once the current callback returns. Callbacks
// therefore never nest and never run concurrently.
type ManualLoop struct {
	mu       sync.Mutex
	now      time.Time
	timers   *timerQueue
	mailbox  []func()
	draining bool
}

// NewManualLoop creates a manual loop starting at the given time.
func NewManualLoop(start time.Time) *ManualLoop {
	return &ManualLoop{
		now:    start,
		timers: newTimerQueue("manual-ev"),
	}
}

// Now returns the current manual time.
func (m *ManualLoop) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Post runs f serially with every other callback.
func (m *ManualLoop) Post(f func()) {
	if f == nil {
		return
	}
	m.mu.Lock()
	m.mailbox = append(m.mailbox, f)
	m.mu.Unlock()
	m.drain()
}

// Schedule registers a callback to run at the specified time. A deadline
// at or before Now runs on the next drain.
func (m *ManualLoop) Schedule(at time.Time, f func()) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.schedule(at, f)
}

// Cancel attempts to cancel a previously scheduled event.
func (m *ManualLoop) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.cancel(id)
}

// Pending reports the number of live timers.
func (m *ManualLoop) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.len()
}

// NextTimer returns the deadline of the earliest live timer.
func (m *ManualLoop) NextTimer() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.next()
}

// RunDue executes queued callbacks and all timers whose deadline is <= Now.
func (m *ManualLoop) RunDue() {
	m.drain()
}

// AdvanceTo moves time to t, firing due timers in deadline order with the
// clock set to each timer's deadline. Time is kept monotonic.
func (m *ManualLoop) AdvanceTo(t time.Time) {
	for {
		m.mu.Lock()
		if t.Before(m.now) {
			m.mu.Unlock()
			return
		}
		at, ok := m.timers.next()
		if !ok || at.After(t) {
			m.now = t
			m.mu.Unlock()
			m.drain()
			return
		}
		if at.After(m.now) {
			m.now = at
		}
		m.mu.Unlock()
		m.drain()
	}
}

// Advance moves time forward by d.
func (m *ManualLoop) Advance(d time.Duration) {
	m.AdvanceTo(m.Now().Add(d))
}

func (m *ManualLoop) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var f func()
		if len(m.mailbox) > 0 {
			f = m.mailbox[0]
			m.mailbox[0] = nil
			m.mailbox = m.mailbox[1:]
		} else if t := m.timers.popDue(m.now); t != nil {
			f = t.f
		}
		if f == nil {
			m.draining = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		f()
	}
}
