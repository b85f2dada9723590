package model

import "strings"

// Status classifies why a connection attempt, an operation or an
// established connection ended.
type Status int

const (
	// StatusUnknown is anything the transport could not classify. It never
	// allows a retry.
	StatusUnknown Status = iota
	StatusSuccess
	StatusNativeConnectionFailed
	StatusDiscoveringServicesFailed
	StatusInitializationFailed
	StatusBondingFailed
	StatusAuthenticationFailed
	StatusOutOfRange
	StatusRogueDisconnect
	StatusExplicitDisconnect
	StatusAlreadyConnecting
	StatusTransportOff
	StatusRejected
	StatusTimedOut
	StatusSuperseded
	StatusCanceled
	StatusInvalidRequest
	StatusNotConnected
)

var statusNames = map[Status]string{
	StatusUnknown:                   "unknown",
	StatusSuccess:                   "success",
	StatusNativeConnectionFailed:    "native_connection_failed",
	StatusDiscoveringServicesFailed: "discovering_services_failed",
	StatusInitializationFailed:      "initialization_failed",
	StatusBondingFailed:             "bonding_failed",
	StatusAuthenticationFailed:      "authentication_failed",
	StatusOutOfRange:                "out_of_range",
	StatusRogueDisconnect:           "rogue_disconnect",
	StatusExplicitDisconnect:        "explicit_disconnect",
	StatusAlreadyConnecting:         "already_connecting",
	StatusTransportOff:              "transport_off",
	StatusRejected:                  "rejected",
	StatusTimedOut:                  "timed_out",
	StatusSuperseded:                "superseded",
	StatusCanceled:                  "canceled",
	StatusInvalidRequest:            "invalid_request",
	StatusNotConnected:              "not_connected",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a textual status back to its value. Unrecognized text
// yields StatusUnknown.
func ParseStatus(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	for st, name := range statusNames {
		if name == s {
			return st
		}
	}
	return StatusUnknown
}

// IsKnown reports whether s is one of the declared statuses.
func (s Status) IsKnown() bool {
	_, ok := statusNames[s]
	return ok
}

// AllowsRetry reports whether a failure with this status may be retried.
// Transport rejection, explicit disconnects, a powered-off transport and
// unclassifiable conditions are final.
func (s Status) AllowsRetry() bool {
	switch s {
	case StatusNativeConnectionFailed,
		StatusDiscoveringServicesFailed,
		StatusInitializationFailed,
		StatusBondingFailed,
		StatusAuthenticationFailed,
		StatusOutOfRange,
		StatusRogueDisconnect,
		StatusTimedOut:
		return true
	default:
		return false
	}
}

// Timing describes when, relative to the start of an attempt, a failure was
// observed.
type Timing int

const (
	TimingNotApplicable Timing = iota
	// TimingImmediate failures were reported right away by the native stack.
	TimingImmediate
	// TimingEventually failures arrived after the attempt had been running.
	TimingEventually
	// TimingTimedOut failures are synthesized when nothing answered in time.
	TimingTimedOut
)

func (t Timing) String() string {
	switch t {
	case TimingImmediate:
		return "immediate"
	case TimingEventually:
		return "eventually"
	case TimingTimedOut:
		return "timed_out"
	default:
		return "not_applicable"
	}
}

// ParseTiming maps a textual timing back to its value.
func ParseTiming(s string) Timing {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "immediate", "immediately":
		return TimingImmediate
	case "eventually":
		return TimingEventually
	case "timed_out", "timeout":
		return TimingTimedOut
	default:
		return TimingNotApplicable
	}
}

// Progress is a native connection-progress signal reported by the
// transport while a connect attempt is underway.
type Progress int

const (
	ProgressNone Progress = iota
	// ProgressLinkUp means the native link is established but the attempt
	// has not completed (services, bonding or initialization still pending).
	ProgressLinkUp
	// ProgressServicesResolved means GATT discovery finished.
	ProgressServicesResolved
)

func (p Progress) String() string {
	switch p {
	case ProgressLinkUp:
		return "link_up"
	case ProgressServicesResolved:
		return "services_resolved"
	default:
		return "none"
	}
}
