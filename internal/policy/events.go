package policy

import (
	"fmt"

	"github.com/signalsfoundry/blecentral/model"
)

// ConnectFailEvent describes one failed connection attempt.
type ConnectFailEvent struct {
	Peripheral model.PeripheralID
	Role       model.Role
	Status     model.Status
	Timing     model.Timing

	// AutoConnectUsed is the connect mode of the attempt that failed.
	AutoConnectUsed bool

	// FailureCount is the cumulative number of failed attempts in this
	// connect episode, including this one (so the first failure is 1).
	FailureCount int

	// LongTermReconnecting is set when the attempt belonged to a long-term
	// reconnect episode.
	LongTermReconnecting bool

	// AttemptTime is how long the failed attempt ran.
	AttemptTime model.Interval
}

// Question is what the state machine asks the policy about a connection
// loss episode.
type Question int

const (
	// ShouldTryAgain asks whether (and when) to make the next attempt.
	ShouldTryAgain Question = iota
	// ShouldContinue asks whether the episode as a whole stays alive.
	ShouldContinue
)

func (q Question) String() string {
	switch q {
	case ShouldTryAgain:
		return "should_try_again"
	case ShouldContinue:
		return "should_continue"
	default:
		return "unknown"
	}
}

// Phase is the reconnect episode an event belongs to.
type Phase int

const (
	ShortTerm Phase = iota
	LongTerm
)

func (p Phase) String() string {
	if p == LongTerm {
		return "long_term"
	}
	return "short_term"
}

// ConnectionLostEvent describes the state of a reconnect episode after an
// unexpected loss of an established connection.
type ConnectionLostEvent struct {
	Peripheral model.PeripheralID
	Role       model.Role
	Question   Question
	Phase      Phase

	// Status is why the link was lost, or why the latest reconnect attempt
	// failed.
	Status model.Status

	// FailureCount is the number of failed reconnect attempts in the
	// current episode; 0 for the loss that opened it.
	FailureCount int

	// TotalTimeReconnecting is the wall-clock time spent in the episode.
	TotalTimeReconnecting model.Interval

	// PreviousDelay is the delay returned for the previous attempt.
	PreviousDelay model.Interval

	// NativeLinkInProgress is set when the transport reports that the
	// native link is already established for the attempt in flight.
	NativeLinkInProgress bool
}

// ConnectFailAction is the kind of a ConnectFailDirective.
type ConnectFailAction int

const (
	ActionDoNotRetry ConnectFailAction = iota
	ActionRetry
	ActionRetryWithAutoConnect
)

// ConnectFailDirective is a policy decision for one failed attempt.
type ConnectFailDirective struct {
	Action ConnectFailAction
	// AutoConnect is the connect mode to switch to; meaningful only for
	// ActionRetryWithAutoConnect.
	AutoConnect bool
}

// DoNotRetry gives up on the connect episode.
func DoNotRetry() ConnectFailDirective { return ConnectFailDirective{Action: ActionDoNotRetry} }

// Retry makes another attempt with the current connect mode.
func Retry() ConnectFailDirective { return ConnectFailDirective{Action: ActionRetry} }

// RetryWithAutoConnect makes another attempt and switches the sticky
// connect mode.
func RetryWithAutoConnect(autoConnect bool) ConnectFailDirective {
	return ConnectFailDirective{Action: ActionRetryWithAutoConnect, AutoConnect: autoConnect}
}

// ShouldRetry reports whether the directive asks for another attempt.
func (d ConnectFailDirective) ShouldRetry() bool { return d.Action != ActionDoNotRetry }

func (d ConnectFailDirective) String() string {
	switch d.Action {
	case ActionRetry:
		return "retry"
	case ActionRetryWithAutoConnect:
		return fmt.Sprintf("retry_with_auto_connect(%t)", d.AutoConnect)
	default:
		return "do_not_retry"
	}
}

// LostAction is the kind of a ConnectionLostDirective.
type LostAction int

const (
	ActionStopRetrying LostAction = iota
	ActionRetryInstantly
	ActionRetryAfter
	ActionPersist
)

// ConnectionLostDirective is a policy decision for one reconnect question.
type ConnectionLostDirective struct {
	Action LostAction
	Delay  model.Interval
}

// StopRetrying ends the current episode.
func StopRetrying() ConnectionLostDirective {
	return ConnectionLostDirective{Action: ActionStopRetrying}
}

// RetryInstantly makes the next attempt now.
func RetryInstantly() ConnectionLostDirective {
	return ConnectionLostDirective{Action: ActionRetryInstantly}
}

// RetryAfter makes the next attempt once d has elapsed. A disabled delay
// stops retrying and a zero delay is the same as RetryInstantly.
func RetryAfter(d model.Interval) ConnectionLostDirective {
	switch {
	case d.IsDisabled():
		return StopRetrying()
	case d.IsZero():
		return RetryInstantly()
	}
	return ConnectionLostDirective{Action: ActionRetryAfter, Delay: d}
}

// Persist keeps the episode alive.
func Persist() ConnectionLostDirective {
	return ConnectionLostDirective{Action: ActionPersist}
}

// PersistIf keeps the episode alive only when cond holds.
func PersistIf(cond bool) ConnectionLostDirective {
	if cond {
		return Persist()
	}
	return StopRetrying()
}

// Continues reports whether the directive keeps the episode going.
func (d ConnectionLostDirective) Continues() bool { return d.Action != ActionStopRetrying }

func (d ConnectionLostDirective) String() string {
	switch d.Action {
	case ActionRetryInstantly:
		return "retry_instantly"
	case ActionRetryAfter:
		return "retry_after(" + d.Delay.String() + ")"
	case ActionPersist:
		return "persist"
	default:
		return "stop_retrying"
	}
}
