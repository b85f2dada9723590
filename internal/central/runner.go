package central

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/blecentral/internal/sbi"
	"github.com/signalsfoundry/blecentral/internal/taskqueue"
	"github.com/signalsfoundry/blecentral/model"
)

// transportRunner hands queued tasks to the transport. It runs on the
// dispatcher; transport callbacks are marshaled back by the queue.
type transportRunner struct {
	e *Engine
}

func (r *transportRunner) Run(t *taskqueue.Task, done func(model.Outcome)) {
	e := r.e
	_, span := e.tracer.Start(context.Background(), "ble."+t.Op.Kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ble.peripheral", string(t.Peripheral)),
			attribute.String("ble.operation", t.Op.Kind.String()),
			attribute.String("ble.task", string(t.Handle)),
		),
	)
	if t.Op.Characteristic != "" {
		span.SetAttributes(attribute.String("ble.characteristic", t.Op.Characteristic))
	}
	if t.Op.Kind == model.OpConnect {
		span.SetAttributes(attribute.Bool("ble.auto_connect", t.Op.AutoConnect))
	}
	e.spans[t.Handle] = span

	cb := sbi.Done(done)
	switch t.Op.Kind {
	case model.OpConnect:
		e.transport.BeginConnect(t.Peripheral, t.Op.AutoConnect, cb)
	case model.OpDisconnect:
		e.transport.Disconnect(t.Peripheral, cb)
	default:
		e.transport.BeginOperation(t.Peripheral, t.Op, cb)
	}
}

// enqueue submits t, ending its span when the outcome is reported.
func (e *Engine) enqueue(t taskqueue.Task) (taskqueue.Handle, error) {
	if t.Handle == "" {
		t.Handle = taskqueue.NewHandle()
	}
	h, next := t.Handle, t.OnResult
	t.OnResult = func(o model.Outcome) {
		e.endSpan(h, o)
		if next != nil {
			next(o)
		}
	}
	return e.queue.Enqueue(t)
}

func (e *Engine) endSpan(h taskqueue.Handle, o model.Outcome) {
	span, ok := e.spans[h]
	if !ok {
		return
	}
	delete(e.spans, h)
	span.SetAttributes(
		attribute.String("ble.status", o.Status.String()),
		attribute.String("ble.result", taskqueue.ResultLabel(o)),
	)
	if o.Err != nil {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Status.String())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// transportEvents marshals unsolicited transport events onto the
// dispatcher.
type transportEvents struct {
	e *Engine
}

func (h transportEvents) LinkDropped(id model.PeripheralID, status model.Status) {
	if h.e.stopped.Load() {
		return
	}
	h.e.disp.Post(func() { h.e.onLinkDropped(canonical(id), status) })
}

func (h transportEvents) LinkProgress(id model.PeripheralID, p model.Progress) {
	if h.e.stopped.Load() {
		return
	}
	h.e.disp.Post(func() { h.e.onLinkProgress(canonical(id), p) })
}

func (h transportEvents) Notification(id model.PeripheralID, characteristic string, value []byte) {
	if h.e.stopped.Load() {
		return
	}
	data := append([]byte(nil), value...)
	h.e.disp.Post(func() {
		id := canonical(id)
		if _, ok := h.e.peripherals[id]; !ok {
			return
		}
		v := Value{Peripheral: id, Characteristic: characteristic, Data: data, At: h.e.disp.Now()}
		for _, l := range h.e.valueListeners {
			l.OnValue(v)
		}
	})
}
