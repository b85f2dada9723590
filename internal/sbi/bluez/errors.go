package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/signalsfoundry/blecentral/model"
)

// D-Bus error names reported by bluetoothd and the bus itself.
const (
	errFailed              = "org.bluez.Error.Failed"
	errInProgress          = "org.bluez.Error.InProgress"
	errAlreadyConnected    = "org.bluez.Error.AlreadyConnected"
	errNotReady            = "org.bluez.Error.NotReady"
	errNotConnected        = "org.bluez.Error.NotConnected"
	errDoesNotExist        = "org.bluez.Error.DoesNotExist"
	errAuthFailed          = "org.bluez.Error.AuthenticationFailed"
	errAuthRejected        = "org.bluez.Error.AuthenticationRejected"
	errAuthCanceled        = "org.bluez.Error.AuthenticationCanceled"
	errAuthTimeout         = "org.bluez.Error.AuthenticationTimeout"
	errConnectionAttempt   = "org.bluez.Error.ConnectionAttemptFailed"
	errNotPermitted        = "org.bluez.Error.NotPermitted"
	errNotAuthorized       = "org.bluez.Error.NotAuthorized"
	errNotSupported        = "org.bluez.Error.NotSupported"
	errInvalidArguments    = "org.bluez.Error.InvalidArguments"
	errInvalidValueLength  = "org.bluez.Error.InvalidValueLength"
	errInvalidOffset       = "org.bluez.Error.InvalidOffset"
	errUnknownObject       = "org.freedesktop.DBus.Error.UnknownObject"
	errUnknownMethod       = "org.freedesktop.DBus.Error.UnknownMethod"
	errServiceUnknown      = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNoReply             = "org.freedesktop.DBus.Error.NoReply"
	errTimeout             = "org.freedesktop.DBus.Error.Timeout"
	errTimedOut            = "org.freedesktop.DBus.Error.TimedOut"
	errBusDisconnected     = "org.freedesktop.DBus.Error.Disconnected"
	errBusNoServer         = "org.freedesktop.DBus.Error.NoServer"
	errBusAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	errBusInvalidArguments = "org.freedesktop.DBus.Error.InvalidArgs"
)

// dbusErrorName returns the D-Bus error name carried by err, if any.
func dbusErrorName(err error) (string, string) {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name, firstString(de.Body)
	}
	var dp *dbus.Error
	if errors.As(err, &dp) && dp != nil {
		return dp.Name, firstString(dp.Body)
	}
	return "", ""
}

func firstString(body []interface{}) string {
	if len(body) == 0 {
		return ""
	}
	s, _ := body[0].(string)
	return s
}

// Status maps a D-Bus call error to the engine's failure taxonomy.
// Unrecognized errors classify as model.StatusUnknown, which is never
// retried.
func Status(err error) model.Status {
	if err == nil {
		return model.StatusSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.StatusTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return model.StatusCanceled
	}
	name, msg := dbusErrorName(err)
	switch name {
	case errInProgress:
		return model.StatusAlreadyConnecting
	case errNotReady, errServiceUnknown, errBusDisconnected, errBusNoServer:
		return model.StatusTransportOff
	case errNotConnected:
		return model.StatusNotConnected
	case errDoesNotExist, errUnknownObject:
		return model.StatusOutOfRange
	case errAuthFailed, errAuthRejected, errAuthCanceled, errAuthTimeout:
		return model.StatusAuthenticationFailed
	case errNotPermitted, errNotAuthorized, errNotSupported, errUnknownMethod, errBusAccessDenied:
		return model.StatusRejected
	case errInvalidArguments, errInvalidValueLength, errInvalidOffset, errBusInvalidArguments:
		return model.StatusInvalidRequest
	case errNoReply, errTimeout, errTimedOut:
		return model.StatusTimedOut
	case errConnectionAttempt:
		return model.StatusNativeConnectionFailed
	case errFailed:
		return failedStatus(msg)
	}
	return model.StatusUnknown
}

// failedStatus refines org.bluez.Error.Failed by its message, which
// bluetoothd fills from the HCI or ATT error.
func failedStatus(msg string) model.Status {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "page timeout"),
		strings.Contains(m, "host is down"),
		strings.Contains(m, "no route to host"):
		return model.StatusOutOfRange
	case strings.Contains(m, "le-connection-abort-by-local"),
		strings.Contains(m, "software caused connection abort"),
		strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"),
		strings.Contains(m, "br-connection"):
		return model.StatusNativeConnectionFailed
	case strings.Contains(m, "not connected"):
		return model.StatusNotConnected
	case strings.Contains(m, "authentication"), strings.Contains(m, "insufficient encryption"):
		return model.StatusAuthenticationFailed
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return model.StatusTimedOut
	case strings.Contains(m, "operation already in progress"):
		return model.StatusAlreadyConnecting
	case strings.Contains(m, "not permitted"), strings.Contains(m, "not supported"):
		return model.StatusRejected
	}
	return model.StatusUnknown
}

// failure builds the outcome of a failed call.
func failure(op string, err error, timing model.Timing) model.Outcome {
	st := Status(err)
	if st == model.StatusTimedOut {
		timing = model.TimingTimedOut
	}
	return model.Outcome{Status: st, Timing: timing, Err: fmt.Errorf("bluez %s: %w", op, err)}
}
