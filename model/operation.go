package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OpKind is the kind of one transport operation.
type OpKind int

const (
	OpUnknown OpKind = iota
	OpConnect
	OpDisconnect
	OpRead
	OpWrite
	OpWriteNoResponse
	OpSubscribe
	OpUnsubscribe
	OpBond
	OpUnbond
	OpNegotiateMTU
	OpReadRSSI
	OpDiscoverServices
)

var opNames = map[OpKind]string{
	OpConnect:          "connect",
	OpDisconnect:       "disconnect",
	OpRead:             "read",
	OpWrite:            "write",
	OpWriteNoResponse:  "write_no_response",
	OpSubscribe:        "subscribe",
	OpUnsubscribe:      "unsubscribe",
	OpBond:             "bond",
	OpUnbond:           "unbond",
	OpNegotiateMTU:     "negotiate_mtu",
	OpReadRSSI:         "read_rssi",
	OpDiscoverServices: "discover_services",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseOpKind maps a textual kind back to its value.
func ParseOpKind(s string) OpKind {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range opNames {
		if name == s {
			return k
		}
	}
	return OpUnknown
}

// Abortable reports whether an in-flight operation of this kind may be
// abandoned before the transport answers. Connection management and
// bonding are committed once handed to the native stack.
func (k OpKind) Abortable() bool {
	switch k {
	case OpConnect, OpDisconnect, OpBond, OpUnbond:
		return false
	default:
		return k != OpUnknown
	}
}

// NeedsCharacteristic reports whether the kind addresses a characteristic.
func (k OpKind) NeedsCharacteristic() bool {
	switch k {
	case OpRead, OpWrite, OpWriteNoResponse, OpSubscribe, OpUnsubscribe:
		return true
	default:
		return false
	}
}

// MTU bounds for OpNegotiateMTU.
const (
	MinMTU = 23
	MaxMTU = 517
)

// ErrInvalidOperation is wrapped by Operation.Validate failures.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is the input of one transport operation.
type Operation struct {
	Kind OpKind

	// Service and Characteristic are canonical UUID strings.
	Service        string
	Characteristic string

	Data []byte
	MTU  int

	// AutoConnect selects the passive connect mode for OpConnect.
	AutoConnect bool
}

// Validate checks that the operation carries the parameters its kind needs.
func (op Operation) Validate() error {
	if _, ok := opNames[op.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, op.Kind)
	}
	if op.Kind.NeedsCharacteristic() {
		if op.Characteristic == "" {
			return fmt.Errorf("%w: %s requires a characteristic", ErrInvalidOperation, op.Kind)
		}
		if _, err := ParseUUID(op.Characteristic); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if op.Service != "" {
			if _, err := ParseUUID(op.Service); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
			}
		}
	}
	switch op.Kind {
	case OpWrite, OpWriteNoResponse:
		if len(op.Data) == 0 {
			return fmt.Errorf("%w: %s requires data", ErrInvalidOperation, op.Kind)
		}
	case OpNegotiateMTU:
		if op.MTU < MinMTU || op.MTU > MaxMTU {
			return fmt.Errorf("%w: mtu %d outside [%d, %d]", ErrInvalidOperation, op.MTU, MinMTU, MaxMTU)
		}
	}
	return nil
}

// bluetoothBaseUUID is the Bluetooth SIG base UUID used to expand 16 and
// 32 bit short forms.
const bluetoothBaseUUID = "-0000-1000-8000-00805f9b34fb"

// ParseUUID accepts 16-bit ("180f"), 32-bit ("0000180f") and full 128-bit
// UUIDs and returns the canonical lower-case 128-bit form.
func ParseUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBaseUUID
	case 8:
		s = s + bluetoothBaseUUID
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// Outcome is the terminal result of one task.
type Outcome struct {
	Data   []byte
	MTU    int
	RSSI   int
	Status Status
	Timing Timing
	Err    error
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == nil }
