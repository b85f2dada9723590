package notify

import (
	"context"
	"encoding/hex"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/logging"
)

// LogListener writes every event to a logger. Terminal failures are
// logged at warn level.
type LogListener struct {
	Log logging.Logger
}

func (l LogListener) logger() logging.Logger {
	if l.Log == nil {
		return logging.Noop()
	}
	return l.Log
}

func (l LogListener) OnStateChange(c central.StateChange) {
	fields := []logging.Field{
		logging.Peripheral(string(c.Peripheral)),
		logging.String("from", c.Old.String()),
		logging.String("to", c.New.String()),
		logging.String("reason", c.Reason.String()),
		logging.Bool("terminal", c.Terminal),
	}
	if c.Failure == nil {
		l.logger().Info(context.Background(), "peripheral state", fields...)
		return
	}
	fields = append(fields,
		logging.String("failure", c.Failure.Kind.String()),
		logging.String("timing", c.Failure.Timing.String()),
		logging.Int("failures", c.Failure.FailureCount),
	)
	l.logger().Warn(context.Background(), "peripheral given up", fields...)
}

func (l LogListener) OnValue(v central.Value) {
	l.logger().Debug(context.Background(), "characteristic value",
		logging.Peripheral(string(v.Peripheral)),
		logging.String("characteristic", v.Characteristic),
		logging.String("value", hex.EncodeToString(v.Data)),
	)
}
