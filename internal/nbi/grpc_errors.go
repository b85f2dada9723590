package nbi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/taskqueue"
	"github.com/signalsfoundry/blecentral/kb"
	"github.com/signalsfoundry/blecentral/model"
)

// ErrInvalidRequest is a package-level sentinel used for client-side
// validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps engine and queue errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, taskqueue.ErrCanceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, taskqueue.ErrTimedOut):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, central.ErrUnknownPeripheral),
		errors.Is(err, kb.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, model.ErrInvalidAddress),
		errors.Is(err, model.ErrInvalidOperation),
		errors.Is(err, taskqueue.ErrInvalidTask):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, central.ErrNotConnected),
		errors.Is(err, central.ErrConnectFailed),
		errors.Is(err, central.ErrConnectionLost):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, taskqueue.ErrSuperseded),
		errors.Is(err, taskqueue.ErrTransportRejected):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, central.ErrEngineStopped):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
