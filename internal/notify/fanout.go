// Package notify delivers engine events to consumers that may be slow:
// loggers, websocket clients and control-API watchers. The engine calls its
// listeners on the dispatcher, so everything here hands events off without
// blocking.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/logging"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Event is either a state change or a subscription value.
type Event struct {
	Change *central.StateChange
	Value  *central.Value
}

// Fanout is a central.Listener and central.ValueListener that copies every
// event into one bounded queue per subscriber. A full queue drops the event
// for that subscriber only; the order of delivered events is kept.
type Fanout struct {
	buffer int
	log    logging.Logger
	onDrop func()

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

type subscription struct {
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithLogger sets the logger used to report drops.
func WithLogger(l logging.Logger) Option {
	return func(f *Fanout) {
		if l != nil {
			f.log = l
		}
	}
}

// WithDropHook is called once per dropped event, e.g. to count it.
func WithDropHook(fn func()) Option {
	return func(f *Fanout) { f.onDrop = fn }
}

// NewFanout constructs an empty Fanout.
func NewFanout(opts ...Option) *Fanout {
	f := &Fanout{
		buffer: DefaultBuffer,
		log:    logging.Noop(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnStateChange implements central.Listener.
func (f *Fanout) OnStateChange(c central.StateChange) {
	f.publish(Event{Change: &c})
}

// OnValue implements central.ValueListener.
func (f *Fanout) OnValue(v central.Value) {
	f.publish(Event{Value: &v})
}

func (f *Fanout) publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
				f.log.Warn(context.Background(), "notification dropped for slow subscriber",
					logging.Int("dropped_total", int(n)))
			}
			if f.onDrop != nil {
				f.onDrop()
			}
		}
	}
}

// Subscribe delivers events to l, and to its OnValue when l is also a
// central.ValueListener, on a goroutine of its own. The returned function
// unsubscribes and waits for in-progress delivery to finish.
func (f *Fanout) Subscribe(l central.Listener) (unsubscribe func()) {
	s := f.add()
	if s == nil {
		return func() {}
	}
	vl, _ := l.(central.ValueListener)
	done := make(chan struct{})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(done)
		for ev := range s.ch {
			switch {
			case ev.Change != nil:
				l.OnStateChange(*ev.Change)
			case ev.Value != nil && vl != nil:
				vl.OnValue(*ev.Value)
			}
		}
	}()
	return func() {
		f.remove(s)
		<-done
	}
}

// Watch returns a channel of events that is closed when ctx ends or the
// Fanout is closed.
func (f *Fanout) Watch(ctx context.Context) <-chan Event {
	s := f.add()
	if s == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	go func() {
		<-ctx.Done()
		f.remove(s)
	}()
	return s.ch
}

// Dropped returns the number of events dropped across all subscribers.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (f *Fanout) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription and waits for listener goroutines.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		s.close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Fanout) add() *subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	s := &subscription{ch: make(chan Event, f.buffer)}
	f.subs[s] = struct{}{}
	return s
}

func (f *Fanout) remove(s *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		s.close()
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}
