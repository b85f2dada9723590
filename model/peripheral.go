package model

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidAddress indicates a peripheral address could not be parsed.
var ErrInvalidAddress = errors.New("invalid peripheral address")

// PeripheralID identifies one remote device by its 48-bit address in
// canonical upper-case colon form, e.g. "C0:FF:EE:00:00:01".
type PeripheralID string

// ParsePeripheralID normalizes and validates an address. Dashes and
// lower-case hex are accepted.
func ParsePeripheralID(s string) (PeripheralID, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return PeripheralID(strings.ToUpper(hw.String())), nil
}

// MustPeripheralID is ParsePeripheralID for literals known to be valid.
func MustPeripheralID(s string) PeripheralID {
	id, err := ParsePeripheralID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id PeripheralID) String() string { return string(id) }

// Role distinguishes first-class devices the central connects to from
// server-side peers that connected to our local GATT server.
type Role int

const (
	RoleDevice Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseRole accepts "device" (or empty) and "server".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device":
		return RoleDevice, nil
	case "server", "server_peer", "peer":
		return RoleServer, nil
	default:
		return RoleDevice, fmt.Errorf("unknown peripheral role %q", s)
	}
}

// State is the connection state of one peripheral.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectingShortTerm
	StateReconnectingLongTerm
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectingShortTerm:
		return "reconnecting_short_term"
	case StateReconnectingLongTerm:
		return "reconnecting_long_term"
	default:
		return "unknown"
	}
}

// IsReconnecting reports whether s is one of the reconnect episode states.
func (s State) IsReconnecting() bool {
	return s == StateReconnectingShortTerm || s == StateReconnectingLongTerm
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{
		StateDisconnected,
		StateConnecting,
		StateConnected,
		StateReconnectingShortTerm,
		StateReconnectingLongTerm,
	}
}
