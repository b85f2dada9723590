package central

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/sbi"
	"github.com/signalsfoundry/blecentral/model"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const addr = model.PeripheralID("C0:FF:EE:00:00:01")

type connectCall struct {
	id          model.PeripheralID
	autoConnect bool
	done        sbi.Done
}

type opCall struct {
	id   model.PeripheralID
	op   model.Operation
	done sbi.Done
}

// fakeTransport records calls. Connect and disconnect calls are answered
// by the test; operations with a scripted answer complete synchronously.
type fakeTransport struct {
	mu          sync.Mutex
	handler     sbi.EventHandler
	connects    []connectCall
	disconnects []opCall
	ops         []opCall
	answers     map[model.OpKind]model.Outcome
	autoDisc    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{answers: make(map[model.OpKind]model.Outcome), autoDisc: true}
}

func (f *fakeTransport) BeginConnect(id model.PeripheralID, autoConnect bool, done sbi.Done) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, connectCall{id: id, autoConnect: autoConnect, done: done})
}

func (f *fakeTransport) Disconnect(id model.PeripheralID, done sbi.Done) {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, opCall{id: id, op: model.Operation{Kind: model.OpDisconnect}, done: done})
	auto := f.autoDisc
	f.mu.Unlock()
	if auto {
		done(model.Outcome{})
	}
}

func (f *fakeTransport) BeginOperation(id model.PeripheralID, op model.Operation, done sbi.Done) {
	f.mu.Lock()
	f.ops = append(f.ops, opCall{id: id, op: op, done: done})
	answer, ok := f.answers[op.Kind]
	f.mu.Unlock()
	if ok {
		done(answer)
	}
}

func (f *fakeTransport) SetEventHandler(h sbi.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeTransport) lastConnect(t *testing.T) connectCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connects) == 0 {
		t.Fatalf("no connect attempt was made")
	}
	return f.connects[len(f.connects)-1]
}

func (f *fakeTransport) events() sbi.EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// recorder is a Listener and ValueListener keeping every event.
type recorder struct {
	mu      sync.Mutex
	changes []StateChange
	values  []Value
}

func (r *recorder) OnStateChange(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) OnValue(v Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) states() []model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.State, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.New)
	}
	return out
}

func (r *recorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return StateChange{}
	}
	return r.changes[len(r.changes)-1]
}

type harness struct {
	t         *testing.T
	engine    *Engine
	loop      *dispatch.ManualLoop
	transport *fakeTransport
	rec       *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		loop:      dispatch.NewManualLoop(epoch),
		transport: newFakeTransport(),
		rec:       &recorder{},
	}
	all := append([]Option{WithDispatcher(h.loop), WithListener(h.rec)}, opts...)
	h.engine = New(h.transport, all...)
	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) connect(id model.PeripheralID) {
	h.t.Helper()
	if err := h.engine.Connect(context.Background(), id, ConnectOptions{}); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
}

// connected drives a peripheral to Connected.
func (h *harness) connected(id model.PeripheralID) {
	h.t.Helper()
	h.connect(id)
	h.transport.lastConnect(h.t).done(model.Outcome{})
	h.requireState(id, model.StateConnected)
}

func (h *harness) fail(status model.Status) {
	h.t.Helper()
	h.transport.lastConnect(h.t).done(model.Outcome{Status: status, Timing: model.TimingEventually})
}

func (h *harness) snapshot(id model.PeripheralID) Snapshot {
	h.t.Helper()
	s, err := h.engine.State(context.Background(), id)
	if err != nil {
		h.t.Fatalf("State(%s): %v", id, err)
	}
	return s
}

func (h *harness) requireState(id model.PeripheralID, want model.State) {
	h.t.Helper()
	if got := h.snapshot(id).State; got != want {
		h.t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) advanceTo(offset time.Duration) {
	h.loop.AdvanceTo(epoch.Add(offset))
}
