// Package central is the connection engine: a per-peripheral state machine
// driven by transport events and reconnect policy directives, in front of
// the serialized operation queue.
//
// All engine state is owned by a single dispatcher. Public methods marshal
// their work onto it and may be called from any goroutine, but not from a
// Listener callback (listeners run on the dispatcher).
package central

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/internal/sbi"
	"github.com/signalsfoundry/blecentral/internal/taskqueue"
	"github.com/signalsfoundry/blecentral/model"
	"github.com/signalsfoundry/blecentral/timectrl"
)

const tracerName = "github.com/signalsfoundry/blecentral/internal/central"

// Default engine settings.
const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultOperationTimeout = 10 * time.Second
)

// Engine manages connections to a set of peripherals over one transport.
type Engine struct {
	transport sbi.Transport
	disp      dispatch.Dispatcher
	loop      *dispatch.Loop // set when the engine owns its dispatcher
	queue     *taskqueue.Queue
	log       logging.Logger
	tracer    trace.Tracer
	metrics   Metrics

	listeners      []Listener
	valueListeners []ValueListener

	policy       policy.Policy
	rolePolicies map[model.Role]policy.Policy
	policyConfig policy.Config

	clock              timectrl.Clock
	maxConcurrent      int
	connectTimeout     time.Duration
	operationTimeout   time.Duration
	autoConnectDefault bool

	// Owned by the dispatcher.
	peripherals map[model.PeripheralID]*peripheral
	spans       map[taskqueue.Handle]trace.Span
	waiterSeq   uint64

	startOnce sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
	stoppedCh chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher runs the engine on d instead of an owned dispatch.Loop.
// Tests pass a dispatch.ManualLoop.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(e *Engine) { e.disp = d }
}

// WithClock sets the clock of the owned dispatch.Loop.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPolicy installs a policy for every peripheral without its own.
func WithPolicy(p policy.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRolePolicy sets the default policy of one role.
func WithRolePolicy(role model.Role, p policy.Policy) Option {
	return func(e *Engine) { e.rolePolicies[role] = p }
}

// WithPolicyConfig sets the constants of the built-in role policies.
func WithPolicyConfig(cfg policy.Config) Option {
	return func(e *Engine) { e.policyConfig = cfg.ApplyDefaults() }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTracerProvider sets the provider of per-task spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithListener registers a state change listener.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l == nil {
			return
		}
		e.listeners = append(e.listeners, l)
		if vl, ok := l.(ValueListener); ok {
			e.valueListeners = append(e.valueListeners, vl)
		}
	}
}

// WithMaxConcurrent bounds the peripherals with a task in flight; 0 means
// unlimited.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) { e.maxConcurrent = n }
}

// WithConnectTimeout bounds one connect attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Engine) { e.connectTimeout = d }
}

// WithOperationTimeout bounds GATT operations without their own deadline.
func WithOperationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.operationTimeout = d }
}

// WithAutoConnectDefault sets the initial connect mode of new peripherals.
func WithAutoConnectDefault(v bool) Option {
	return func(e *Engine) { e.autoConnectDefault = v }
}

// New constructs an engine over transport.
func New(transport sbi.Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:        transport,
		log:              logging.Noop(),
		tracer:           otel.Tracer(tracerName),
		metrics:          noopMetrics{},
		rolePolicies:     make(map[model.Role]policy.Policy),
		policyConfig:     policy.DefaultConfig(),
		connectTimeout:   DefaultConnectTimeout,
		operationTimeout: DefaultOperationTimeout,
		peripherals:      make(map[model.PeripheralID]*peripheral),
		spans:            make(map[taskqueue.Handle]trace.Span),
		stoppedCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if _, ok := e.rolePolicies[model.RoleDevice]; !ok {
		e.rolePolicies[model.RoleDevice] = policy.NewDevicePolicy(e.policyConfig)
	}
	if _, ok := e.rolePolicies[model.RoleServer]; !ok {
		e.rolePolicies[model.RoleServer] = policy.NewServerPolicy(e.policyConfig)
	}
	for role, p := range e.rolePolicies {
		e.rolePolicies[role] = e.safe(p)
	}
	if e.policy != nil {
		e.policy = e.safe(e.policy)
	}

	if e.disp == nil {
		e.loop = dispatch.NewLoop(e.clock, dispatch.WithLogger(e.log))
		e.disp = e.loop
	}
	e.queue = taskqueue.New(e.disp, &transportRunner{e: e},
		taskqueue.WithMaxConcurrent(e.maxConcurrent),
		taskqueue.WithDefaultTimeout(e.operationTimeout),
		taskqueue.WithObserver(e.metrics),
		taskqueue.WithLogger(e.log),
	)
	return e
}

func (e *Engine) safe(p policy.Policy) policy.Policy {
	return policy.Safe(p, func(r any) {
		e.log.Error(context.Background(), "reconnect policy panicked",
			logging.String("panic", fmt.Sprint(r)))
	})
}

// Start installs the transport event handler and starts the owned
// dispatcher. It is a no-op after the first call.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.transport.SetEventHandler(transportEvents{e: e})
		if e.loop != nil {
			e.loop.Start(ctx)
		}
		e.started.Store(true)
		e.log.Info(ctx, "engine started",
			logging.Int("max_concurrent", e.maxConcurrent),
			logging.Duration("connect_timeout", e.connectTimeout),
		)
	})
}

// Stop fails every outstanding task with ErrEngineStopped, cancels all
// timers and stops the owned dispatcher. The transport is left to the
// caller.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	if e.started.Load() {
		done := make(chan struct{})
		e.disp.Post(func() {
			defer close(done)
			e.shutdown()
		})
		if e.loop != nil {
			select {
			case <-done:
			case <-e.loop.Done():
			case <-time.After(5 * time.Second):
				e.log.Warn(context.Background(), "engine shutdown timed out")
			}
			e.loop.Stop()
		}
	}
	close(e.stoppedCh)
}

func (e *Engine) shutdown() {
	for _, p := range e.peripherals {
		e.cancelTimers(p)
		p.generation++
		e.queue.CancelPeripheral(p.id, model.StatusCanceled, ErrEngineStopped)
		for _, w := range p.waiters {
			w.ch <- waitResult{err: ErrEngineStopped}
		}
		p.waiters = nil
	}
}

// call runs f on the dispatcher and waits for it.
func (e *Engine) call(ctx context.Context, f func()) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	done := make(chan struct{})
	e.disp.Post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stoppedCh:
		return ErrEngineStopped
	}
}

// RegisterOptions describe a known peripheral.
type RegisterOptions struct {
	// Role overrides the current role; new peripherals default to
	// model.RoleDevice.
	Role *model.Role
	// AutoConnect overrides the engine default connect mode.
	AutoConnect *bool
	// Policy overrides the role policy; nil keeps it.
	Policy policy.Policy
}

// Register makes a peripheral known without connecting to it. Registering
// a known peripheral updates its role, connect mode and policy.
func (e *Engine) Register(ctx context.Context, id model.PeripheralID, opts RegisterOptions) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	return e.call(ctx, func() {
		p := e.ensure(id)
		e.applyOptions(p, opts)
	})
}

// ConnectOptions tune one Connect request.
type ConnectOptions struct {
	RegisterOptions
}

// Connect starts a connect episode. It returns once the request has been
// accepted; use AwaitState to wait for the outcome. Connecting a peripheral
// that is not Disconnected is a no-op.
func (e *Engine) Connect(ctx context.Context, id model.PeripheralID, opts ConnectOptions) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	return e.call(ctx, func() {
		p := e.ensure(id)
		e.applyOptions(p, opts.RegisterOptions)
		e.connect(p)
	})
}

// Disconnect moves a peripheral to Disconnected at once and tears the link
// down behind any committed connect.
func (e *Engine) Disconnect(ctx context.Context, id model.PeripheralID) error {
	id = canonical(id)
	var err error
	if cerr := e.call(ctx, func() {
		p, ok := e.peripherals[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
			return
		}
		e.disconnect(p)
	}); cerr != nil {
		return cerr
	}
	return err
}

// Release disconnects a peripheral if needed, cancels its work and forgets
// it.
func (e *Engine) Release(ctx context.Context, id model.PeripheralID) error {
	id = canonical(id)
	var err error
	if cerr := e.call(ctx, func() {
		p, ok := e.peripherals[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
			return
		}
		// Outstanding attempts go stale before queued work is dropped. A
		// committed connect keeps running and is torn down by the disconnect
		// queued behind it.
		p.generation++
		e.queue.CancelPeripheral(id, model.StatusCanceled, taskqueue.ErrCanceled)
		if p.state != model.StateDisconnected {
			e.disconnect(p)
		} else if t, running := e.queue.Running(id); running && t.Op.Kind == model.OpConnect {
			e.enqueueDisconnect(p)
		}
		for _, w := range p.waiters {
			w.ch <- waitResult{err: fmt.Errorf("%w: %s released", ErrUnknownPeripheral, id)}
		}
		delete(e.peripherals, id)
		e.publishStateCounts()
		e.log.Info(context.Background(), "peripheral released", logging.Peripheral(string(id)))
	}); cerr != nil {
		return cerr
	}
	return err
}

// SetPolicy replaces the policy of one peripheral; nil restores the
// default.
func (e *Engine) SetPolicy(ctx context.Context, id model.PeripheralID, p policy.Policy) error {
	id = canonical(id)
	var err error
	if cerr := e.call(ctx, func() {
		per, ok := e.peripherals[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
			return
		}
		per.policy = nil
		if p != nil {
			per.policy = e.safe(p)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// State returns a snapshot of one peripheral.
func (e *Engine) State(ctx context.Context, id model.PeripheralID) (Snapshot, error) {
	id = canonical(id)
	var (
		snap Snapshot
		err  error
	)
	if cerr := e.call(ctx, func() {
		p, ok := e.peripherals[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
			return
		}
		snap = e.snapshot(p)
	}); cerr != nil {
		return Snapshot{}, cerr
	}
	return snap, err
}

// Snapshots returns every known peripheral ordered by address.
func (e *Engine) Snapshots(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := e.call(ctx, func() {
		out = make([]Snapshot, 0, len(e.peripherals))
		for _, p := range e.peripherals {
			out = append(out, e.snapshot(p))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Peripheral < out[j].Peripheral })
	return out, err
}

// AwaitState blocks until the peripheral reaches want. Waiting for a state
// other than Disconnected fails with the *Failure of an episode that ends
// in between.
func (e *Engine) AwaitState(ctx context.Context, id model.PeripheralID, want model.State) error {
	id = canonical(id)
	ch := make(chan waitResult, 1)
	var (
		seq uint64
		err error
	)
	if cerr := e.call(ctx, func() {
		p, ok := e.peripherals[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
			return
		}
		if p.state == want {
			ch <- waitResult{}
			return
		}
		e.waiterSeq++
		seq = e.waiterSeq
		p.waiters = append(p.waiters, &waiter{seq: seq, want: want, ch: ch})
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		e.disp.Post(func() { e.dropWaiter(id, seq) })
		return ctx.Err()
	case <-e.stoppedCh:
		return ErrEngineStopped
	}
}

func normalizeID(id model.PeripheralID) (model.PeripheralID, error) {
	return model.ParsePeripheralID(string(id))
}

// canonical normalizes id for lookups; malformed ids are kept and simply
// miss.
func canonical(id model.PeripheralID) model.PeripheralID {
	if n, err := normalizeID(id); err == nil {
		return n
	}
	return id
}
