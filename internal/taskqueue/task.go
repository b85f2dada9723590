// Package taskqueue serializes transport operations per peripheral.
//
// At most one task per peripheral is in flight at any time. Tasks for a
// peripheral run by priority and then in submission order; a disconnect
// jumps to the front of its peripheral's lane and supersedes whatever was
// queued before it. Across peripherals tasks run concurrently up to a
// configurable limit.
//
// A Queue is owned by a dispatch.Dispatcher: every method must be called on
// the dispatcher, and transport completions are marshaled back onto it.
package taskqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/blecentral/model"
)

var (
	// ErrTransportRejected wraps failures the native stack refused outright.
	ErrTransportRejected = errors.New("transport rejected operation")
	// ErrTimedOut is synthesized when a task misses its deadline.
	ErrTimedOut = errors.New("operation timed out")
	// ErrSuperseded is reported for tasks preempted by a disconnect.
	ErrSuperseded = errors.New("operation superseded")
	// ErrCanceled is reported for tasks canceled by the caller.
	ErrCanceled = errors.New("operation canceled")
	// ErrInvalidTask is reported synchronously for tasks that fail
	// validation; they never reach the transport.
	ErrInvalidTask = errors.New("invalid task")
)

// Handle identifies an enqueued task.
type Handle string

// NewHandle returns a fresh random handle.
func NewHandle() Handle { return Handle(uuid.NewString()) }

// Priority is the tier of a task within its peripheral's lane. Higher tiers
// run first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch {
	case p < PriorityNormal:
		return "low"
	case p > PriorityNormal:
		return "high"
	default:
		return "normal"
	}
}

// Task is one transport operation bound to a peripheral.
type Task struct {
	// Handle is generated by Enqueue when empty.
	Handle     Handle
	Peripheral model.PeripheralID
	Op         model.Operation
	Priority   Priority

	// Timeout bounds the time the task may spend in flight. Zero or a
	// negative value uses the queue default; every task has a deadline.
	Timeout time.Duration

	// OnResult receives the terminal outcome exactly once, on the
	// dispatcher. It may be nil.
	OnResult func(model.Outcome)
}

// Validate checks the task before it is queued.
func (t *Task) Validate() error {
	if t.Peripheral == "" {
		return fmt.Errorf("%w: missing peripheral", ErrInvalidTask)
	}
	if _, err := model.ParsePeripheralID(string(t.Peripheral)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := t.Op.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// Failure builds a failed outcome carrying err.
func Failure(status model.Status, timing model.Timing, err error) model.Outcome {
	return model.Outcome{Status: status, Timing: timing, Err: err}
}

// ResultLabel classifies an outcome for metrics.
func ResultLabel(o model.Outcome) string {
	switch {
	case o.Err == nil:
		return "ok"
	case errors.Is(o.Err, ErrTimedOut):
		return "timed_out"
	case errors.Is(o.Err, ErrSuperseded):
		return "superseded"
	case errors.Is(o.Err, ErrCanceled):
		return "canceled"
	case errors.Is(o.Err, ErrInvalidTask):
		return "invalid"
	case errors.Is(o.Err, ErrTransportRejected):
		return "rejected"
	default:
		return "failed"
	}
}

// normalize makes Status and Err agree for outcomes reported by a runner.
func normalize(o model.Outcome) model.Outcome {
	switch {
	case o.Err == nil && (o.Status == model.StatusUnknown || o.Status == model.StatusSuccess):
		o.Status = model.StatusSuccess
		return o
	case o.Err != nil && o.Status == model.StatusSuccess:
		o.Status = model.StatusUnknown
	case o.Err == nil:
		o.Err = errors.New(o.Status.String())
	}
	if o.Status == model.StatusRejected && !errors.Is(o.Err, ErrTransportRejected) {
		o.Err = fmt.Errorf("%w: %v", ErrTransportRejected, o.Err)
	}
	return o
}
