// Package simulated is a scenario-driven sbi.Transport. Peripherals answer
// connect attempts, drop links and serve GATT operations as scripted, with
// every delay scheduled on the engine's dispatcher so replays run in
// simulated time.
package simulated

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/sbi"
	"github.com/signalsfoundry/blecentral/model"
)

// Transport implements sbi.Transport over a Scenario.
type Transport struct {
	sched dispatch.EventScheduler
	log   logging.Logger

	mu      sync.Mutex
	handler sbi.EventHandler
	devices map[model.PeripheralID]*device
	timers  map[string]struct{}
	closed  bool
	stats   Stats
}

// Stats counts what the transport has been asked to do.
type Stats struct {
	ConnectAttempts int
	Connections     int
	Drops           int
	Disconnects     int
	Operations      int
	Notifications   int
}

type device struct {
	script PeripheralScript

	attempts    int
	connections int
	connected   bool
	// link invalidates drop timers of earlier connections.
	link uint64

	values     map[string][]byte
	subscribed map[string]bool
	bonded     bool
	mtu        int
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// New builds a transport for s. Delays are scheduled on sched, normally the
// engine's dispatcher.
func New(s *Scenario, sched dispatch.EventScheduler, opts ...Option) *Transport {
	t := &Transport{
		sched:   sched,
		log:     logging.Noop(),
		devices: make(map[model.PeripheralID]*device),
		timers:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if s != nil {
		for _, p := range s.Peripherals {
			t.addDevice(p)
		}
	}
	return t
}

func (t *Transport) addDevice(p PeripheralScript) {
	d := &device{
		script:     p,
		values:     make(map[string][]byte, len(p.Characteristics)),
		subscribed: make(map[string]bool),
		mtu:        model.MinMTU,
	}
	for uuid, v := range p.Characteristics {
		b, _ := hex.DecodeString(v)
		d.values[uuid] = b
	}
	t.devices[model.PeripheralID(p.Address)] = d
}

// SetEventHandler implements sbi.Transport.
func (t *Transport) SetEventHandler(h sbi.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Close cancels every scripted event. Later requests fail with
// transport_off.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for id := range t.timers {
		t.sched.Cancel(id)
	}
	t.timers = nil
	return nil
}

// Stats returns a copy of the counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Connected reports whether the simulated link to id is up.
func (t *Transport) Connected(id model.PeripheralID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[id]
	return ok && d.connected
}

// Value returns the current value of a characteristic.
func (t *Transport) Value(id model.PeripheralID, characteristic string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[id]
	if !ok {
		return nil, false
	}
	v, ok := d.values[characteristic]
	return append([]byte(nil), v...), ok
}

// DropLink drops an established link now, as if the peripheral had walked
// out of range.
func (t *Transport) DropLink(id model.PeripheralID, status model.Status) bool {
	t.mu.Lock()
	d, ok := t.devices[id]
	if !ok || !d.connected {
		t.mu.Unlock()
		return false
	}
	h := t.dropLocked(d)
	t.mu.Unlock()
	if h != nil {
		h.LinkDropped(id, status)
	}
	return true
}

func (t *Transport) dropLocked(d *device) sbi.EventHandler {
	d.connected = false
	d.link++
	d.subscribed = make(map[string]bool)
	t.stats.Drops++
	return t.handler
}

// after schedules f on the dispatcher d from now. The transport lock is
// not held while f runs.
func (t *Transport) after(d time.Duration, f func()) {
	var id string
	id = dispatch.After(t.sched, d, func() {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		delete(t.timers, id)
		t.mu.Unlock()
		f()
	})
	t.timers[id] = struct{}{}
}

func closedOutcome() model.Outcome {
	return model.Outcome{Status: model.StatusTransportOff, Err: sbi.ErrClosed}
}

// BeginConnect implements sbi.Transport.
func (t *Transport) BeginConnect(id model.PeripheralID, autoConnect bool, done sbi.Done) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go done(closedOutcome())
		return
	}
	t.stats.ConnectAttempts++

	d, ok := t.devices[id]
	if !ok {
		// Nothing advertises at this address.
		t.after(DefaultConnectLatency, func() {
			done(model.Outcome{Status: model.StatusOutOfRange, Timing: model.TimingEventually})
		})
		return
	}

	step := ConnectStep{}
	if n := len(d.script.Connects); n > 0 {
		idx := d.attempts
		if idx >= n {
			idx = n - 1
		}
		step = d.script.Connects[idx]
	}
	d.attempts++

	latency := d.script.ConnectLatency
	if step.Latency > 0 {
		latency = step.Latency
	}
	t.log.Debug(context.Background(), "simulated connect attempt",
		logging.Peripheral(string(id)),
		logging.Bool("auto_connect", autoConnect),
		logging.Int("attempt", d.attempts),
	)

	if p := parseProgress(step.Progress); p != model.ProgressNone {
		t.after(latency/2, func() {
			if h := t.eventHandler(); h != nil {
				h.LinkProgress(id, p)
			}
		})
	}
	if step.Silent {
		return
	}

	status := statusOf(step.Status, model.StatusSuccess)
	if step.AutoConnectOnly && !autoConnect {
		status = model.StatusNativeConnectionFailed
	}
	t.after(latency, func() {
		if status != model.StatusSuccess {
			done(model.Outcome{Status: status})
			return
		}
		t.mu.Lock()
		d.connected = true
		d.connections++
		d.link++
		t.stats.Connections++
		t.armDropLocked(id, d)
		t.mu.Unlock()
		done(model.Outcome{})
	})
}

func (t *Transport) armDropLocked(id model.PeripheralID, d *device) {
	if d.connections > len(d.script.Drops) {
		return
	}
	drop := d.script.Drops[d.connections-1]
	link := d.link
	status := statusOf(drop.Status, model.StatusRogueDisconnect)
	t.after(drop.After, func() {
		t.mu.Lock()
		if !d.connected || d.link != link {
			t.mu.Unlock()
			return
		}
		h := t.dropLocked(d)
		t.mu.Unlock()
		t.log.Debug(context.Background(), "simulated link drop",
			logging.Peripheral(string(id)), logging.String("status", status.String()))
		if h != nil {
			h.LinkDropped(id, status)
		}
	})
}

func (t *Transport) eventHandler() sbi.EventHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Disconnect implements sbi.Transport. Disconnecting an idle peripheral
// succeeds.
func (t *Transport) Disconnect(id model.PeripheralID, done sbi.Done) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go done(closedOutcome())
		return
	}
	t.stats.Disconnects++
	latency := DefaultOperationLatency
	if d, ok := t.devices[id]; ok {
		latency = d.script.OperationLatency
	}
	t.after(latency, func() {
		t.mu.Lock()
		if d, ok := t.devices[id]; ok {
			d.connected = false
			d.link++
			d.subscribed = make(map[string]bool)
		}
		t.mu.Unlock()
		done(model.Outcome{})
	})
}

// BeginOperation implements sbi.Transport.
func (t *Transport) BeginOperation(id model.PeripheralID, op model.Operation, done sbi.Done) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go done(closedOutcome())
		return
	}
	t.stats.Operations++
	d, ok := t.devices[id]
	if !ok {
		t.after(0, func() { done(model.Outcome{Status: model.StatusNotConnected}) })
		return
	}
	link := d.link
	t.after(d.script.OperationLatency, func() {
		o, notify := t.perform(id, d, link, op)
		done(o)
		if notify != nil {
			notify()
		}
	})
}

// perform applies op to the device state and returns the outcome plus an
// optional notification to deliver after it.
func (t *Transport) perform(id model.PeripheralID, d *device, link uint64, op model.Operation) (model.Outcome, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !d.connected || d.link != link {
		return model.Outcome{Status: model.StatusNotConnected}, nil
	}
	if s, ok := d.script.Failures[op.Kind.String()]; ok {
		return model.Outcome{Status: statusOf(s, model.StatusRejected)}, nil
	}

	switch op.Kind {
	case model.OpRead:
		v, ok := d.values[op.Characteristic]
		if !ok {
			return rejected("no characteristic %s", op.Characteristic), nil
		}
		return model.Outcome{Data: append([]byte(nil), v...)}, nil
	case model.OpWrite, model.OpWriteNoResponse:
		if _, ok := d.values[op.Characteristic]; !ok {
			return rejected("no characteristic %s", op.Characteristic), nil
		}
		v := append([]byte(nil), op.Data...)
		d.values[op.Characteristic] = v
		if !d.subscribed[op.Characteristic] || t.handler == nil {
			return model.Outcome{}, nil
		}
		h, char := t.handler, op.Characteristic
		t.stats.Notifications++
		return model.Outcome{}, func() { h.Notification(id, char, v) }
	case model.OpSubscribe:
		if _, ok := d.values[op.Characteristic]; !ok {
			return rejected("no characteristic %s", op.Characteristic), nil
		}
		d.subscribed[op.Characteristic] = true
		return model.Outcome{}, nil
	case model.OpUnsubscribe:
		delete(d.subscribed, op.Characteristic)
		return model.Outcome{}, nil
	case model.OpBond:
		d.bonded = true
		return model.Outcome{}, nil
	case model.OpUnbond:
		d.bonded = false
		return model.Outcome{}, nil
	case model.OpNegotiateMTU:
		d.mtu = op.MTU
		if d.mtu > d.script.MaxMTU {
			d.mtu = d.script.MaxMTU
		}
		return model.Outcome{MTU: d.mtu}, nil
	case model.OpReadRSSI:
		return model.Outcome{RSSI: d.script.RSSI}, nil
	case model.OpDiscoverServices:
		return model.Outcome{}, nil
	default:
		return model.Outcome{Status: model.StatusInvalidRequest}, nil
	}
}

func rejected(format string, args ...any) model.Outcome {
	return model.Outcome{Status: model.StatusRejected, Err: fmt.Errorf(format, args...)}
}
