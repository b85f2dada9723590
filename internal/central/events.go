package central

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/blecentral/internal/taskqueue"
	"github.com/signalsfoundry/blecentral/model"
)

var (
	// ErrNotConnected is reported for operations on a peripheral that is
	// not connected, and for pending operations when the link drops.
	ErrNotConnected = errors.New("peripheral not connected")
	// ErrUnknownPeripheral is returned for addresses the engine never saw.
	ErrUnknownPeripheral = errors.New("unknown peripheral")
	// ErrEngineStopped is returned once Stop has been called.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrConnectFailed is wrapped by a Failure that ended a connect
	// episode.
	ErrConnectFailed = errors.New("connect failed")
	// ErrConnectionLost is wrapped by a Failure that ended a reconnect
	// episode.
	ErrConnectionLost = errors.New("connection lost")
)

// FailureKind tells which regime gave up.
type FailureKind int

const (
	FailureConnect FailureKind = iota + 1
	FailureConnectionLost
)

func (k FailureKind) String() string {
	switch k {
	case FailureConnect:
		return "connect_failed"
	case FailureConnectionLost:
		return "connection_lost"
	default:
		return "none"
	}
}

// Failure is the classification surfaced once when the policy gives up.
type Failure struct {
	Kind         FailureKind
	Status       model.Status
	Timing       model.Timing
	FailureCount int
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: status=%s timing=%s failures=%d", f.Kind, f.Status, f.Timing, f.FailureCount)
}

func (f *Failure) Unwrap() error {
	if f.Kind == FailureConnectionLost {
		return ErrConnectionLost
	}
	return ErrConnectFailed
}

// StateChange is emitted for every transition of a peripheral.
type StateChange struct {
	Peripheral model.PeripheralID
	Old        model.State
	New        model.State
	// Reason is the status that caused the transition.
	Reason model.Status
	// Terminal marks the end of a connect or reconnect episode, including
	// explicit disconnects.
	Terminal bool
	// Failure is set when the policy gave up.
	Failure *Failure
	At      time.Time
}

// Value is a characteristic value pushed by a subscribed peripheral.
type Value struct {
	Peripheral     model.PeripheralID
	Characteristic string
	Data           []byte
	At             time.Time
}

// Listener receives state changes on the engine's dispatcher. It must
// return quickly; notify.Fanout hands work off to other goroutines.
type Listener interface {
	OnStateChange(StateChange)
}

// ValueListener receives subscription values. Listeners passed to
// WithListener that also implement ValueListener get both.
type ValueListener interface {
	OnValue(Value)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(c StateChange) { f(c) }

// Snapshot is a point-in-time copy of a peripheral's bookkeeping.
type Snapshot struct {
	Peripheral        model.PeripheralID
	Role              model.Role
	State             model.State
	AutoConnect       bool
	ConnectFailures   int
	ShortTermFailures int
	LongTermFailures  int
	EpisodeStart      time.Time
	LastStatus        model.Status
	Pending           int
	InFlight          model.OpKind
	CustomPolicy      bool
}

// Metrics receives engine measurements on the dispatcher.
type Metrics interface {
	taskqueue.Observer
	StateTransition(from, to model.State)
	PeripheralStates(counts map[model.State]int)
	Directive(question, action string)
}

type noopMetrics struct{}

func (noopMetrics) TaskFinished(model.OpKind, string, time.Duration) {}
func (noopMetrics) QueueChanged(int, int)                           {}
func (noopMetrics) StateTransition(model.State, model.State)        {}
func (noopMetrics) PeripheralStates(map[model.State]int)            {}
func (noopMetrics) Directive(string, string)                        {}
