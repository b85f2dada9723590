// Package bluez is an sbi.Transport over the BlueZ D-Bus API
// (org.bluez.Device1, org.bluez.GattCharacteristic1). It runs blocking
// D-Bus calls on their own goroutines and reports link drops and
// notifications from PropertiesChanged signals.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/sbi"
	"github.com/signalsfoundry/blecentral/model"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	charIface      = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsChanged   = propsIface + ".PropertiesChanged"
	managedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Defaults.
const (
	DefaultAdapter        = "hci0"
	DefaultCallTimeout    = 30 * time.Second
	DefaultResolveTimeout = 10 * time.Second

	// Connect failures reported within this window count as immediate.
	immediateWindow = time.Second
	pollInterval    = 100 * time.Millisecond
)

// Bus is the part of a D-Bus connection the transport calls through.
// *dbus.Conn implements it.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Transport implements sbi.Transport over BlueZ.
type Transport struct {
	bus            Bus
	conn           *dbus.Conn
	adapter        string
	log            logging.Logger
	callTimeout    time.Duration
	resolveTimeout time.Duration

	mu      sync.Mutex
	handler sbi.EventHandler
	devices map[model.PeripheralID]*device
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type device struct {
	path       dbus.ObjectPath
	connecting bool
	connected  bool
	// leaving is set while a requested disconnect is in progress so the
	// resulting Connected=false signal is not reported as a drop.
	leaving bool
	// chars maps characteristic UUIDs to object paths.
	chars map[string]dbus.ObjectPath
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

// WithCallTimeout bounds each D-Bus call.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.callTimeout = d
		}
	}
}

// WithResolveTimeout bounds the wait for GATT discovery after a link is up.
func WithResolveTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.resolveTimeout = d
		}
	}
}

// New builds a transport that calls through bus. It does not subscribe to
// signals; Open does, or callers feed HandleSignal themselves.
func New(bus Bus, adapter string, opts ...Option) *Transport {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		bus:            bus,
		adapter:        adapter,
		log:            logging.Noop(),
		callTimeout:    DefaultCallTimeout,
		resolveTimeout: DefaultResolveTimeout,
		devices:        make(map[model.PeripheralID]*device),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects to the system bus, checks the adapter and starts watching
// BlueZ signals.
func Open(ctx context.Context, adapter string, opts ...Option) (*Transport, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	t := New(conn, adapter, opts...)
	t.conn = conn

	var powered bool
	if err := t.getProperty(ctx, t.adapterPath(), adapterIface, "Powered", &powered); err != nil {
		conn.Close()
		return nil, fmt.Errorf("adapter %s: %w", t.adapter, err)
	}
	if !powered {
		t.log.Warn(ctx, "bluetooth adapter is powered off", logging.String("adapter", t.adapter))
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(t.adapterPath()),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to bluez signals: %w", err)
	}
	signals := make(chan *dbus.Signal, 128)
	conn.Signal(signals)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.watch(signals)
	}()
	t.log.Info(ctx, "bluez transport opened", logging.String("adapter", t.adapter))
	return t, nil
}

func (t *Transport) watch(signals <-chan *dbus.Signal) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			t.HandleSignal(sig)
		}
	}
}

// SetEventHandler implements sbi.Transport.
func (t *Transport) SetEventHandler(h sbi.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Close cancels outstanding calls and closes the bus connection it opened.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + t.adapter)
}

// DevicePath returns the BlueZ object path of a peripheral.
func DevicePath(adapter string, id model.PeripheralID) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(string(id), ":", "_"))
}

// PeripheralFromPath extracts the peripheral address from a device or
// GATT object path.
func PeripheralFromPath(p dbus.ObjectPath) (model.PeripheralID, bool) {
	for _, seg := range strings.Split(string(p), "/") {
		if !strings.HasPrefix(seg, "dev_") {
			continue
		}
		id, err := model.ParsePeripheralID(strings.ReplaceAll(strings.TrimPrefix(seg, "dev_"), "_", ":"))
		return id, err == nil
	}
	return "", false
}

func (t *Transport) deviceLocked(id model.PeripheralID) *device {
	d, ok := t.devices[id]
	if !ok {
		d = &device{path: DevicePath(t.adapter, id), chars: make(map[string]dbus.ObjectPath)}
		t.devices[id] = d
	}
	return d
}

func (t *Transport) eventHandler() sbi.EventHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// async runs f on its own goroutine unless the transport is closed.
func (t *Transport) async(done sbi.Done, f func() model.Outcome) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		done(closedOutcome())
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		done(f())
	}()
}

func closedOutcome() model.Outcome {
	return model.Outcome{Status: model.StatusTransportOff, Timing: model.TimingImmediate, Err: sbi.ErrClosed}
}

func (t *Transport) call(obj dbus.BusObject, method string, out []interface{}, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.callTimeout)
	defer cancel()
	c := obj.CallWithContext(ctx, method, 0, args...)
	if c.Err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, ctx.Err())
		}
		return c.Err
	}
	if len(out) > 0 {
		return c.Store(out...)
	}
	return nil
}

func (t *Transport) getProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	var v dbus.Variant
	if err := t.bus.Object(busName, path).CallWithContext(ctx, propsIface+".Get", 0, iface, name).Store(&v); err != nil {
		return err
	}
	return dbus.Store([]interface{}{v.Value()}, out)
}

// BeginConnect implements sbi.Transport. Auto-connect marks the device
// trusted so bluetoothd keeps reconnecting it in the background.
func (t *Transport) BeginConnect(id model.PeripheralID, autoConnect bool, done sbi.Done) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		done(closedOutcome())
		return
	}
	d := t.deviceLocked(id)
	if d.connecting {
		t.mu.Unlock()
		done(model.Outcome{
			Status: model.StatusAlreadyConnecting,
			Timing: model.TimingImmediate,
			Err:    fmt.Errorf("bluez connect %s: already connecting", id),
		})
		return
	}
	d.connecting = true
	d.leaving = false
	path := d.path
	t.mu.Unlock()

	t.async(done, func() model.Outcome {
		o := t.connect(id, path, autoConnect)
		t.mu.Lock()
		d.connecting = false
		d.connected = o.Err == nil
		t.mu.Unlock()
		return o
	})
}

func (t *Transport) connect(id model.PeripheralID, path dbus.ObjectPath, autoConnect bool) model.Outcome {
	obj := t.bus.Object(busName, path)
	started := time.Now()
	if autoConnect {
		if err := t.call(obj, propsIface+".Set", nil, deviceIface, "Trusted", dbus.MakeVariant(true)); err != nil {
			t.log.Warn(t.ctx, "could not mark device trusted", logging.Peripheral(string(id)), logging.Err(err))
		}
	}
	if err := t.call(obj, deviceIface+".Connect", nil); err != nil {
		var alreadyConnected bool
		if name, _ := dbusErrorName(err); name == errAlreadyConnected {
			alreadyConnected = true
		}
		if !alreadyConnected {
			timing := model.TimingImmediate
			if time.Since(started) > immediateWindow {
				timing = model.TimingEventually
			}
			return failure("connect", err, timing)
		}
	}
	if h := t.eventHandler(); h != nil {
		h.LinkProgress(id, model.ProgressLinkUp)
	}

	if err := t.awaitServicesResolved(path); err != nil {
		return model.Outcome{
			Status: model.StatusDiscoveringServicesFailed,
			Timing: model.TimingEventually,
			Err:    fmt.Errorf("bluez connect %s: %w", id, err),
		}
	}
	if err := t.refreshCharacteristics(id); err != nil {
		return failure("discover services", err, model.TimingEventually)
	}
	return model.Outcome{Status: model.StatusSuccess}
}

var errNotResolved = errors.New("services not resolved")

func (t *Transport) awaitServicesResolved(path dbus.ObjectPath) error {
	deadline := time.Now().Add(t.resolveTimeout)
	for {
		var resolved bool
		if err := t.getProperty(t.ctx, path, deviceIface, "ServicesResolved", &resolved); err != nil {
			return err
		}
		if resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return errNotResolved
		}
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// refreshCharacteristics rebuilds the UUID to object path map of id from
// the BlueZ object tree.
func (t *Transport) refreshCharacteristics(id model.PeripheralID) error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := t.call(t.bus.Object(busName, "/"), managedObjects, []interface{}{&objects}); err != nil {
		return err
	}
	prefix := string(DevicePath(t.adapter, id)) + "/"
	chars := make(map[string]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		raw, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		if u, err := model.ParseUUID(raw); err == nil {
			chars[u] = path
		}
	}

	t.mu.Lock()
	t.deviceLocked(id).chars = chars
	t.mu.Unlock()
	t.log.Debug(t.ctx, "gatt table resolved", logging.Peripheral(string(id)), logging.Int("characteristics", len(chars)))
	return nil
}

// Disconnect implements sbi.Transport.
func (t *Transport) Disconnect(id model.PeripheralID, done sbi.Done) {
	t.mu.Lock()
	d := t.deviceLocked(id)
	d.leaving = true
	path := d.path
	t.mu.Unlock()

	t.async(done, func() model.Outcome {
		err := t.call(t.bus.Object(busName, path), deviceIface+".Disconnect", nil)
		t.mu.Lock()
		d.connected = false
		t.mu.Unlock()
		if err != nil && Status(err) != model.StatusNotConnected {
			return failure("disconnect", err, model.TimingImmediate)
		}
		return model.Outcome{Status: model.StatusSuccess}
	})
}

// BeginOperation implements sbi.Transport.
func (t *Transport) BeginOperation(id model.PeripheralID, op model.Operation, done sbi.Done) {
	t.mu.Lock()
	d := t.deviceLocked(id)
	connected := d.connected
	path := d.path
	charPath, hasChar := d.chars[op.Characteristic]
	t.mu.Unlock()

	if !connected {
		done(model.Outcome{Status: model.StatusNotConnected, Timing: model.TimingImmediate,
			Err: fmt.Errorf("bluez %s %s: not connected", op.Kind, id)})
		return
	}
	if op.Characteristic != "" && !hasChar && op.Kind != model.OpUnsubscribe {
		done(model.Outcome{Status: model.StatusRejected, Timing: model.TimingImmediate,
			Err: fmt.Errorf("bluez %s %s: no characteristic %s", op.Kind, id, op.Characteristic)})
		return
	}

	t.async(done, func() model.Outcome {
		return t.perform(id, path, charPath, op)
	})
}

func (t *Transport) perform(id model.PeripheralID, devPath, charPath dbus.ObjectPath, op model.Operation) model.Outcome {
	dev := t.bus.Object(busName, devPath)
	char := t.bus.Object(busName, charPath)
	noOptions := map[string]dbus.Variant{}

	var err error
	out := model.Outcome{Status: model.StatusSuccess}
	switch op.Kind {
	case model.OpRead:
		var value []byte
		err = t.call(char, charIface+".ReadValue", []interface{}{&value}, noOptions)
		out.Data = value
	case model.OpWrite, model.OpWriteNoResponse:
		mode := "request"
		if op.Kind == model.OpWriteNoResponse {
			mode = "command"
		}
		err = t.call(char, charIface+".WriteValue", nil, op.Data, map[string]dbus.Variant{"type": dbus.MakeVariant(mode)})
	case model.OpSubscribe:
		err = t.call(char, charIface+".StartNotify", nil)
	case model.OpUnsubscribe:
		if charPath == "" {
			return out
		}
		err = t.call(char, charIface+".StopNotify", nil)
	case model.OpBond:
		err = t.call(dev, deviceIface+".Pair", nil)
		if name, _ := dbusErrorName(err); name == errAlreadyConnected || strings.HasSuffix(name, ".AlreadyExists") {
			err = nil
		}
	case model.OpUnbond:
		err = t.call(t.bus.Object(busName, t.adapterPath()), adapterIface+".RemoveDevice", nil, devPath)
		if err == nil {
			t.forget(id)
		}
	case model.OpNegotiateMTU:
		// bluetoothd negotiates the ATT MTU itself; report what it settled on.
		out.MTU = t.negotiatedMTU(id, op.MTU)
	case model.OpReadRSSI:
		var rssi int16
		err = t.getProperty(t.ctx, devPath, deviceIface, "RSSI", &rssi)
		out.RSSI = int(rssi)
	case model.OpDiscoverServices:
		if err = t.awaitServicesResolved(devPath); err == nil {
			err = t.refreshCharacteristics(id)
		}
	default:
		return model.Outcome{Status: model.StatusInvalidRequest, Timing: model.TimingImmediate,
			Err: fmt.Errorf("bluez: unsupported operation %s", op.Kind)}
	}
	if err != nil {
		return failure(op.Kind.String(), err, model.TimingImmediate)
	}
	return out
}

func (t *Transport) negotiatedMTU(id model.PeripheralID, requested int) int {
	t.mu.Lock()
	var path dbus.ObjectPath
	for _, p := range t.deviceLocked(id).chars {
		path = p
		break
	}
	t.mu.Unlock()

	mtu := model.MinMTU
	if path != "" {
		var v uint16
		if err := t.getProperty(t.ctx, path, charIface, "MTU", &v); err == nil && v > 0 {
			mtu = int(v)
		}
	}
	if requested > 0 && requested < mtu {
		mtu = requested
	}
	return mtu
}

func (t *Transport) forget(id model.PeripheralID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.deviceLocked(id)
	d.leaving = true
	d.connected = false
	d.chars = make(map[string]dbus.ObjectPath)
}

// HandleSignal processes one PropertiesChanged signal. Open feeds it from
// the bus; it is exported for callers that own the signal channel.
func (t *Transport) HandleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsChanged || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	id, ok := PeripheralFromPath(sig.Path)
	if !ok {
		return
	}
	switch iface {
	case deviceIface:
		t.deviceChanged(id, changed)
	case charIface:
		t.characteristicChanged(id, sig.Path, changed)
	}
}

func (t *Transport) deviceChanged(id model.PeripheralID, changed map[string]dbus.Variant) {
	h := t.eventHandler()
	if v, ok := changed["Connected"]; ok {
		up, _ := v.Value().(bool)
		t.mu.Lock()
		d, known := t.devices[id]
		var dropped, progress bool
		if known {
			switch {
			case !up && d.connected && !d.leaving:
				dropped = true
				d.connected = false
			case !up:
				d.connected = false
				d.leaving = false
			case up && d.connecting:
				progress = true
			}
		}
		t.mu.Unlock()

		if h == nil {
			return
		}
		if dropped {
			t.log.Info(t.ctx, "link dropped", logging.Peripheral(string(id)))
			h.LinkDropped(id, model.StatusRogueDisconnect)
		}
		if progress {
			h.LinkProgress(id, model.ProgressLinkUp)
		}
	}
	if v, ok := changed["ServicesResolved"]; ok && h != nil {
		resolved, _ := v.Value().(bool)
		t.mu.Lock()
		d, known := t.devices[id]
		connecting := known && d.connecting
		t.mu.Unlock()
		if resolved && connecting {
			h.LinkProgress(id, model.ProgressServicesResolved)
		}
	}
}

func (t *Transport) characteristicChanged(id model.PeripheralID, path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := v.Value().([]byte)
	if !ok {
		return
	}
	t.mu.Lock()
	var uuid string
	if d, known := t.devices[id]; known {
		for u, p := range d.chars {
			if p == path {
				uuid = u
				break
			}
		}
	}
	t.mu.Unlock()
	if uuid == "" {
		return
	}
	if h := t.eventHandler(); h != nil {
		h.Notification(id, uuid, value)
	}
}
