// Package sbi defines the southbound boundary between the connection
// engine and a native BLE stack.
//
// A Transport executes raw operations and reports results through
// callbacks that may arrive on any goroutine. The engine treats every
// callback as untrusted input: it marshals it onto its dispatcher and
// ignores answers for tasks it has already retired.
package sbi

import (
	"errors"

	"github.com/signalsfoundry/blecentral/model"
)

// ErrClosed is reported by operations issued after Close.
var ErrClosed = errors.New("transport closed")

// Done receives the terminal outcome of one transport call.
type Done func(model.Outcome)

// Transport is the native stack adapter.
type Transport interface {
	// BeginConnect starts a connection attempt. autoConnect selects the
	// passive background mode. done fires when the link is usable or the
	// attempt failed.
	BeginConnect(id model.PeripheralID, autoConnect bool, done Done)

	// Disconnect tears the link down.
	Disconnect(id model.PeripheralID, done Done)

	// BeginOperation runs a GATT or link operation on a connected
	// peripheral.
	BeginOperation(id model.PeripheralID, op model.Operation, done Done)

	// SetEventHandler installs the receiver of unsolicited events. It is
	// called once before any other method.
	SetEventHandler(h EventHandler)

	// Close releases native resources.
	Close() error
}

// EventHandler receives unsolicited transport events.
type EventHandler interface {
	// LinkDropped reports that an established link went away without a
	// disconnect being requested.
	LinkDropped(id model.PeripheralID, status model.Status)

	// LinkProgress reports native connection progress while an attempt is
	// underway.
	LinkProgress(id model.PeripheralID, p model.Progress)

	// Notification delivers a value pushed by a subscribed characteristic.
	Notification(id model.PeripheralID, characteristic string, value []byte)
}

// EventFuncs adapts plain functions to EventHandler; nil fields ignore the
// event.
type EventFuncs struct {
	OnLinkDropped  func(model.PeripheralID, model.Status)
	OnLinkProgress func(model.PeripheralID, model.Progress)
	OnNotification func(model.PeripheralID, string, []byte)
}

func (f EventFuncs) LinkDropped(id model.PeripheralID, status model.Status) {
	if f.OnLinkDropped != nil {
		f.OnLinkDropped(id, status)
	}
}

func (f EventFuncs) LinkProgress(id model.PeripheralID, p model.Progress) {
	if f.OnLinkProgress != nil {
		f.OnLinkProgress(id, p)
	}
}

func (f EventFuncs) Notification(id model.PeripheralID, characteristic string, value []byte) {
	if f.OnNotification != nil {
		f.OnNotification(id, characteristic, value)
	}
}
