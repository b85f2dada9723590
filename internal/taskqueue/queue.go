package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/model"
)

// Runner hands a task to the transport. done may be called from any
// goroutine, at most once; calls after the task was retired are ignored.
type Runner interface {
	Run(t *Task, done func(model.Outcome))
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(t *Task, done func(model.Outcome))

func (f RunnerFunc) Run(t *Task, done func(model.Outcome)) { f(t, done) }

// Observer receives queue measurements. Calls happen on the dispatcher.
type Observer interface {
	TaskFinished(kind model.OpKind, result string, inFlight time.Duration)
	QueueChanged(pending, inFlight int)
}

type entryState int

const (
	statePending entryState = iota
	stateRunning
	stateDone
)

type entry struct {
	task    Task
	state   entryState
	started time.Time
	timerID string

	// cancelRequested defers a cancel until a non-abortable task answers.
	cancelRequested bool
}

type lane struct {
	id      model.PeripheralID
	pending []*entry
	running *entry
	waiting bool // queued for a global slot
}

// Queue is the per-peripheral operation queue.
type Queue struct {
	disp   dispatch.Dispatcher
	runner Runner
	obs    Observer
	log    logging.Logger

	maxConcurrent   int
	defaultTimeout  time.Duration
	immediateWindow time.Duration

	lanes   map[model.PeripheralID]*lane
	entries map[Handle]*entry
	waiting []*lane
	active  int
	pending int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrent bounds the number of peripherals with a task in
// flight; 0 means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxConcurrent = n
		}
	}
}

// WithDefaultTimeout sets the deadline used by tasks without one. Values
// that are not positive keep DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.defaultTimeout = d
		}
	}
}

// WithImmediateWindow sets how soon after start a failure without a timing
// classification counts as immediate.
func WithImmediateWindow(d time.Duration) Option {
	return func(q *Queue) { q.immediateWindow = d }
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.obs = o }
}

// WithLogger sets the queue logger.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// Default queue settings.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultImmediateWindow = 500 * time.Millisecond
)

// New creates a queue that runs tasks through runner on disp.
func New(disp dispatch.Dispatcher, runner Runner, opts ...Option) *Queue {
	q := &Queue{
		disp:            disp,
		runner:          runner,
		log:             logging.Noop(),
		defaultTimeout:  DefaultTimeout,
		immediateWindow: DefaultImmediateWindow,
		lanes:           make(map[model.PeripheralID]*lane),
		entries:         make(map[Handle]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and queues t. Invalid tasks fail synchronously: OnResult
// receives ErrInvalidTask and the same error is returned.
func (q *Queue) Enqueue(t Task) (Handle, error) {
	if t.Handle == "" {
		t.Handle = NewHandle()
	}
	if err := t.Validate(); err != nil {
		if t.OnResult != nil {
			t.OnResult(Failure(model.StatusInvalidRequest, model.TimingImmediate, err))
		}
		q.observeFinished(t.Op.Kind, model.Outcome{Err: err}, 0)
		return t.Handle, err
	}
	if _, dup := q.entries[t.Handle]; dup {
		err := fmt.Errorf("%w: duplicate handle %s", ErrInvalidTask, t.Handle)
		if t.OnResult != nil {
			t.OnResult(Failure(model.StatusInvalidRequest, model.TimingImmediate, err))
		}
		return t.Handle, err
	}

	e := &entry{task: t}
	q.entries[t.Handle] = e
	l := q.lane(t.Peripheral)

	if t.Op.Kind == model.OpDisconnect {
		q.supersede(l)
		// Retiring the superseded tasks may have dropped an idle lane.
		l = q.lane(t.Peripheral)
		l.pending = append([]*entry{e}, l.pending...)
	} else {
		l.insert(e)
	}
	q.pending++
	q.log.Debug(context.Background(), "task queued",
		logging.Peripheral(string(t.Peripheral)),
		logging.String("kind", t.Op.Kind.String()),
		logging.String("handle", string(t.Handle)),
	)

	q.pump(l)
	q.observeQueue()
	return t.Handle, nil
}

// Cancel cancels a queued or in-flight task. Queued tasks and abortable
// in-flight tasks finish at once with ErrCanceled. Non-abortable in-flight
// tasks are canceled when the transport answers. It reports false for
// completed or unknown handles.
func (q *Queue) Cancel(h Handle) bool {
	e, ok := q.entries[h]
	if !ok || e.state == stateDone {
		return false
	}
	switch {
	case e.state == statePending:
		q.removePending(e)
		q.finish(e, Failure(model.StatusCanceled, model.TimingNotApplicable, ErrCanceled))
	case e.task.Op.Kind.Abortable():
		q.finish(e, Failure(model.StatusCanceled, model.TimingNotApplicable, ErrCanceled))
	default:
		e.cancelRequested = true
	}
	return true
}

// CancelPeripheral fails every queued task of a peripheral, and its
// in-flight task when abortable, with err. It returns the number of tasks
// finished.
func (q *Queue) CancelPeripheral(id model.PeripheralID, status model.Status, err error) int {
	l, ok := q.lanes[id]
	if !ok {
		return 0
	}
	n := 0
	pending := l.pending
	l.pending = nil
	for _, e := range pending {
		q.pending--
		q.finish(e, Failure(status, model.TimingNotApplicable, err))
		n++
	}
	if r := l.running; r != nil && r.task.Op.Kind.Abortable() {
		q.finish(r, Failure(status, model.TimingNotApplicable, err))
		n++
	}
	q.observeQueue()
	return n
}

// Running returns the in-flight task of a peripheral.
func (q *Queue) Running(id model.PeripheralID) (Task, bool) {
	l, ok := q.lanes[id]
	if !ok || l.running == nil {
		return Task{}, false
	}
	return l.running.task, true
}

// Pending returns the number of queued tasks of a peripheral.
func (q *Queue) Pending(id model.PeripheralID) int {
	if l, ok := q.lanes[id]; ok {
		return len(l.pending)
	}
	return 0
}

// Stats returns the total number of queued and in-flight tasks.
func (q *Queue) Stats() (pending, inFlight int) {
	return q.pending, q.active
}

// Has reports whether h is queued or in flight.
func (q *Queue) Has(h Handle) bool {
	_, ok := q.entries[h]
	return ok
}

func (q *Queue) lane(id model.PeripheralID) *lane {
	l, ok := q.lanes[id]
	if !ok {
		l = &lane{id: id}
		q.lanes[id] = l
	}
	return l
}

// insert places e after every entry of equal or higher priority.
func (l *lane) insert(e *entry) {
	idx := len(l.pending)
	for i, p := range l.pending {
		if e.task.Priority > p.task.Priority {
			idx = i
			break
		}
	}
	l.pending = append(l.pending, nil)
	copy(l.pending[idx+1:], l.pending[idx:])
	l.pending[idx] = e
}

// supersede fails every queued task of l and its in-flight task when
// abortable. Committed connection management keeps running.
func (q *Queue) supersede(l *lane) {
	pending := l.pending
	l.pending = nil
	for _, e := range pending {
		q.pending--
		q.finish(e, Failure(model.StatusSuperseded, model.TimingNotApplicable, ErrSuperseded))
	}
	if r := l.running; r != nil && r.task.Op.Kind.Abortable() {
		q.finish(r, Failure(model.StatusSuperseded, model.TimingNotApplicable, ErrSuperseded))
	}
}

func (q *Queue) removePending(e *entry) {
	l := q.lanes[e.task.Peripheral]
	if l == nil {
		return
	}
	for i, p := range l.pending {
		if p == e {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			q.pending--
			return
		}
	}
}

func (q *Queue) hasSlot() bool {
	return q.maxConcurrent == 0 || q.active < q.maxConcurrent
}

// pump queues l for a slot when it is idle with work, then hands out free
// slots in arrival order.
func (q *Queue) pump(l *lane) {
	if l.running == nil && len(l.pending) > 0 && !l.waiting {
		l.waiting = true
		q.waiting = append(q.waiting, l)
	}
	q.drainNext()
}

// drainNext starts tasks on waiting lanes while slots are available.
func (q *Queue) drainNext() {
	for len(q.waiting) > 0 && q.hasSlot() {
		l := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		l.waiting = false
		if l.running == nil && len(l.pending) > 0 {
			q.start(l)
		}
	}
}

func (q *Queue) start(l *lane) {
	e := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	q.pending--

	l.running = e
	e.state = stateRunning
	e.started = q.disp.Now()
	q.active++

	timeout := e.task.Timeout
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	e.timerID = dispatch.After(q.disp, timeout, func() { q.expire(e) })

	q.log.Debug(context.Background(), "task started",
		logging.Peripheral(string(l.id)),
		logging.String("kind", e.task.Op.Kind.String()),
		logging.String("handle", string(e.task.Handle)),
	)

	task := e.task
	q.runner.Run(&task, func(o model.Outcome) {
		q.disp.Post(func() { q.complete(e, o) })
	})
}

// complete accepts a transport answer for e. Answers for retired tasks are
// discarded.
func (q *Queue) complete(e *entry, o model.Outcome) {
	if e.state != stateRunning {
		q.log.Debug(context.Background(), "late completion discarded",
			logging.Peripheral(string(e.task.Peripheral)),
			logging.String("kind", e.task.Op.Kind.String()),
		)
		return
	}
	o = normalize(o)
	if o.Err != nil && o.Timing == model.TimingNotApplicable {
		if q.disp.Now().Sub(e.started) < q.immediateWindow {
			o.Timing = model.TimingImmediate
		} else {
			o.Timing = model.TimingEventually
		}
	}
	if e.cancelRequested {
		o = Failure(model.StatusCanceled, o.Timing, fmt.Errorf("%w after transport answered: %v", ErrCanceled, o.Status))
	}
	q.finish(e, o)
}

func (q *Queue) expire(e *entry) {
	if e.state != stateRunning {
		return
	}
	e.timerID = ""
	q.log.Warn(context.Background(), "task deadline exceeded",
		logging.Peripheral(string(e.task.Peripheral)),
		logging.String("kind", e.task.Op.Kind.String()),
		logging.Duration("after", q.disp.Now().Sub(e.started)),
	)
	q.finish(e, Failure(model.StatusTimedOut, model.TimingTimedOut, ErrTimedOut))
}

// finish retires e, reports its outcome and advances its lane. The next
// task of the lane starts only after OnResult has returned.
func (q *Queue) finish(e *entry, o model.Outcome) {
	wasRunning := e.state == stateRunning
	e.state = stateDone
	delete(q.entries, e.task.Handle)
	if e.timerID != "" {
		q.disp.Cancel(e.timerID)
		e.timerID = ""
	}

	var elapsed time.Duration
	l := q.lanes[e.task.Peripheral]
	if wasRunning {
		elapsed = q.disp.Now().Sub(e.started)
		if l != nil && l.running == e {
			l.running = nil
		}
		q.active--
	}
	q.observeFinished(e.task.Op.Kind, o, elapsed)

	if e.task.OnResult != nil {
		e.task.OnResult(o)
	}

	// OnResult may have enqueued again, retiring l and opening a new lane
	// for the same peripheral; only the current lane is advanced or dropped.
	if cur := q.lanes[e.task.Peripheral]; cur != nil {
		q.pump(cur)
		if cur.running == nil && len(cur.pending) == 0 && !cur.waiting {
			delete(q.lanes, cur.id)
		}
	}
	q.drainNext()
	q.observeQueue()
}

func (q *Queue) observeFinished(kind model.OpKind, o model.Outcome, d time.Duration) {
	if q.obs != nil {
		q.obs.TaskFinished(kind, ResultLabel(o), d)
	}
}

func (q *Queue) observeQueue() {
	if q.obs != nil {
		q.obs.QueueChanged(q.pending, q.active)
	}
}
