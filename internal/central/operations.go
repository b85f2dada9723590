package central

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/blecentral/internal/taskqueue"
	"github.com/signalsfoundry/blecentral/model"
)

// OpOptions tune one operation.
type OpOptions struct {
	Priority taskqueue.Priority
	// Timeout overrides the engine operation timeout when positive.
	Timeout time.Duration
}

// Enqueue queues an operation on a connected peripheral and returns at
// once. onResult runs on the dispatcher exactly once and must not block.
// Connection management goes through Connect and Disconnect instead.
func (e *Engine) Enqueue(ctx context.Context, id model.PeripheralID, op model.Operation, opts OpOptions, onResult func(model.Outcome)) (taskqueue.Handle, error) {
	id = canonical(id)
	if op.Kind == model.OpConnect || op.Kind == model.OpDisconnect {
		return "", fmt.Errorf("%w: %s goes through Connect/Disconnect", taskqueue.ErrInvalidTask, op.Kind)
	}
	op = canonicalOp(op)

	h := taskqueue.NewHandle()
	var err error
	if cerr := e.call(ctx, func() {
		p, ok := e.peripherals[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
			return
		}
		if p.state != model.StateConnected {
			err = fmt.Errorf("%w: %s is %s", ErrNotConnected, id, p.state)
			return
		}
		_, err = e.enqueue(taskqueue.Task{
			Handle:     h,
			Peripheral: id,
			Op:         op,
			Priority:   opts.Priority,
			Timeout:    opts.Timeout,
			OnResult:   onResult,
		})
	}); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err
	}
	return h, nil
}

// Submit runs an operation and waits for its outcome. Canceling ctx
// cancels the task.
func (e *Engine) Submit(ctx context.Context, id model.PeripheralID, op model.Operation, opts OpOptions) (model.Outcome, error) {
	results := make(chan model.Outcome, 1)
	h, err := e.Enqueue(ctx, id, op, opts, func(o model.Outcome) { results <- o })
	if err != nil {
		return model.Outcome{}, err
	}
	select {
	case o := <-results:
		return o, o.Err
	case <-ctx.Done():
		e.disp.Post(func() { e.queue.Cancel(h) })
		return model.Outcome{}, ctx.Err()
	case <-e.stoppedCh:
		return model.Outcome{}, ErrEngineStopped
	}
}

// Cancel cancels a task returned by Enqueue. It reports false for tasks
// that already completed.
func (e *Engine) Cancel(ctx context.Context, h taskqueue.Handle) (bool, error) {
	var ok bool
	err := e.call(ctx, func() { ok = e.queue.Cancel(h) })
	return ok, err
}

// Read reads a characteristic value.
func (e *Engine) Read(ctx context.Context, id model.PeripheralID, service, characteristic string) ([]byte, error) {
	o, err := e.Submit(ctx, id, model.Operation{Kind: model.OpRead, Service: service, Characteristic: characteristic}, OpOptions{})
	if err != nil {
		return nil, err
	}
	return o.Data, nil
}

// Write writes a characteristic value, with or without response.
func (e *Engine) Write(ctx context.Context, id model.PeripheralID, service, characteristic string, data []byte, withResponse bool) error {
	kind := model.OpWrite
	if !withResponse {
		kind = model.OpWriteNoResponse
	}
	_, err := e.Submit(ctx, id, model.Operation{Kind: kind, Service: service, Characteristic: characteristic, Data: data}, OpOptions{})
	return err
}

// Subscribe enables notifications; values reach ValueListeners.
func (e *Engine) Subscribe(ctx context.Context, id model.PeripheralID, service, characteristic string) error {
	_, err := e.Submit(ctx, id, model.Operation{Kind: model.OpSubscribe, Service: service, Characteristic: characteristic}, OpOptions{})
	return err
}

// Unsubscribe disables notifications.
func (e *Engine) Unsubscribe(ctx context.Context, id model.PeripheralID, service, characteristic string) error {
	_, err := e.Submit(ctx, id, model.Operation{Kind: model.OpUnsubscribe, Service: service, Characteristic: characteristic}, OpOptions{})
	return err
}

// Bond pairs with the peripheral.
func (e *Engine) Bond(ctx context.Context, id model.PeripheralID) error {
	_, err := e.Submit(ctx, id, model.Operation{Kind: model.OpBond}, OpOptions{Timeout: e.connectTimeout})
	return err
}

// Unbond removes the pairing.
func (e *Engine) Unbond(ctx context.Context, id model.PeripheralID) error {
	_, err := e.Submit(ctx, id, model.Operation{Kind: model.OpUnbond}, OpOptions{})
	return err
}

// NegotiateMTU requests an MTU and returns the one granted.
func (e *Engine) NegotiateMTU(ctx context.Context, id model.PeripheralID, mtu int) (int, error) {
	o, err := e.Submit(ctx, id, model.Operation{Kind: model.OpNegotiateMTU, MTU: mtu}, OpOptions{})
	if err != nil {
		return 0, err
	}
	return o.MTU, nil
}

// ReadRSSI returns the current signal strength in dBm.
func (e *Engine) ReadRSSI(ctx context.Context, id model.PeripheralID) (int, error) {
	o, err := e.Submit(ctx, id, model.Operation{Kind: model.OpReadRSSI}, OpOptions{})
	if err != nil {
		return 0, err
	}
	return o.RSSI, nil
}

// DiscoverServices forces GATT discovery.
func (e *Engine) DiscoverServices(ctx context.Context, id model.PeripheralID) error {
	_, err := e.Submit(ctx, id, model.Operation{Kind: model.OpDiscoverServices}, OpOptions{})
	return err
}

// canonicalOp expands UUID short forms; invalid UUIDs are left for
// validation to reject.
func canonicalOp(op model.Operation) model.Operation {
	if op.Service != "" {
		if u, err := model.ParseUUID(op.Service); err == nil {
			op.Service = u
		}
	}
	if op.Characteristic != "" {
		if u, err := model.ParseUUID(op.Characteristic); err == nil {
			op.Characteristic = u
		}
	}
	return op
}
