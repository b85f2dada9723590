package central

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/model"
)

type directive struct {
	question, action string
}

type recordingMetrics struct {
	mu          sync.Mutex
	directives  []directive
	transitions int
	states      map[model.State]int
	finished    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{finished: make(map[string]int)}
}

func (m *recordingMetrics) TaskFinished(kind model.OpKind, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[kind.String()+"/"+result]++
}

func (m *recordingMetrics) QueueChanged(int, int) {}

func (m *recordingMetrics) StateTransition(model.State, model.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions++
}

func (m *recordingMetrics) PeripheralStates(counts map[model.State]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = counts
}

func (m *recordingMetrics) Directive(question, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directives = append(m.directives, directive{question, action})
}

func (m *recordingMetrics) saw(d directive) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, got := range m.directives {
		if got == d {
			return true
		}
	}
	return false
}

// noConnectRetry leaves the connect filter out of reconnect episodes so the
// connection-loss policy alone drives them.
func noConnectRetry(lost policy.Policy) policy.Policy {
	return policy.Funcs{
		ConnectFailed:  func(policy.ConnectFailEvent) policy.ConnectFailDirective { return policy.DoNotRetry() },
		ConnectionLost: lost.OnConnectionLost,
	}
}

func equalStates(a, b []model.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConnectSucceeds(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	h.requireState(addr, model.StateConnecting)

	call := h.transport.lastConnect(t)
	if call.autoConnect {
		t.Fatalf("first attempt autoConnect = true, want false")
	}
	call.done(model.Outcome{})

	h.requireState(addr, model.StateConnected)
	want := []model.State{model.StateConnecting, model.StateConnected}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestConnectNormalizesAddress(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Connect(context.Background(), "c0-ff-ee-00-00-01", ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.transport.lastConnect(t).id; got != addr {
		t.Fatalf("connect id = %s, want %s", got, addr)
	}
	if err := h.engine.Connect(context.Background(), "not-an-address", ConnectOptions{}); !errors.Is(err, model.ErrInvalidAddress) {
		t.Fatalf("Connect(invalid) err = %v, want ErrInvalidAddress", err)
	}
}

func TestConnectIsNoopUnlessDisconnected(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	h.connect(addr)
	if n := h.transport.connectCount(); n != 1 {
		t.Fatalf("connect attempts = %d, want 1", n)
	}
}

func TestConnectFailureEscalatesThenGivesUp(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)

	h.fail(model.StatusNativeConnectionFailed)
	h.requireState(addr, model.StateConnecting)
	if h.transport.lastConnect(t).autoConnect {
		t.Fatalf("second attempt autoConnect = true, want false")
	}

	h.fail(model.StatusNativeConnectionFailed)
	if !h.transport.lastConnect(t).autoConnect {
		t.Fatalf("third attempt autoConnect = false, want true")
	}
	if !h.snapshot(addr).AutoConnect {
		t.Fatalf("sticky autoConnect not recorded in snapshot")
	}

	h.fail(model.StatusNativeConnectionFailed)
	h.requireState(addr, model.StateDisconnected)
	if n := h.transport.connectCount(); n != 3 {
		t.Fatalf("connect attempts = %d, want 3", n)
	}

	last := h.rec.last()
	if !last.Terminal || last.Failure == nil {
		t.Fatalf("last change = %+v, want terminal failure", last)
	}
	if last.Failure.Kind != FailureConnect || last.Failure.FailureCount != 3 {
		t.Fatalf("failure = %+v, want connect failure after 3 attempts", last.Failure)
	}
	if !errors.Is(last.Failure, ErrConnectFailed) {
		t.Fatalf("failure does not wrap ErrConnectFailed")
	}
}

func TestRejectedConnectIsFinal(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	h.fail(model.StatusTransportOff)

	h.requireState(addr, model.StateDisconnected)
	if n := h.transport.connectCount(); n != 1 {
		t.Fatalf("connect attempts = %d, want 1", n)
	}
	if f := h.rec.last().Failure; f == nil || f.Status != model.StatusTransportOff {
		t.Fatalf("failure = %+v, want transport_off", f)
	}
}

func TestConnectTimeoutCountsAsNativeFailure(t *testing.T) {
	h := newHarness(t, WithConnectTimeout(2*time.Second), WithPolicy(policy.Never()))
	h.connect(addr)
	h.advanceTo(2 * time.Second)

	h.requireState(addr, model.StateDisconnected)
	f := h.rec.last().Failure
	if f == nil {
		t.Fatalf("no failure reported")
	}
	if f.Status != model.StatusNativeConnectionFailed || f.Timing != model.TimingTimedOut {
		t.Fatalf("failure = %+v, want native_connection_failed/timed_out", f)
	}
}

func TestLinkDropRetriesInstantly(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)

	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)
	h.requireState(addr, model.StateReconnectingShortTerm)
	if n := h.transport.connectCount(); n != 2 {
		t.Fatalf("connect attempts = %d, want 2 (instant retry)", n)
	}

	h.transport.lastConnect(t).done(model.Outcome{})
	h.requireState(addr, model.StateConnected)
	want := []model.State{
		model.StateConnecting,
		model.StateConnected,
		model.StateReconnectingShortTerm,
		model.StateConnected,
	}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestLinkDropRunsConnectFilterBeforeCadence(t *testing.T) {
	m := newRecordingMetrics()
	h := newHarness(t, WithMetrics(m))
	h.connected(addr)

	running := func() []model.OpKind {
		t.Helper()
		var kinds []model.OpKind
		if err := h.engine.call(context.Background(), func() {
			if task, ok := h.engine.queue.Running(addr); ok {
				kinds = append(kinds, task.Op.Kind)
			}
			if n := h.engine.queue.Pending(addr); n != 0 {
				t.Errorf("pending tasks = %d, want 0", n)
			}
		}); err != nil {
			t.Fatalf("call: %v", err)
		}
		return kinds
	}
	attempts := func(want int) {
		t.Helper()
		if n := h.transport.connectCount(); n != want {
			t.Fatalf("connect attempts = %d, want %d", n, want)
		}
		if got := running(); len(got) != 1 || got[0] != model.OpConnect {
			t.Fatalf("running = %v, want one connect", got)
		}
	}

	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)
	attempts(2)
	if !m.saw(directive{"should_try_again", "retry_instantly"}) {
		t.Fatalf("drop did not retry instantly")
	}

	// Each retry is queued from the failed attempt's completion.
	h.fail(model.StatusOutOfRange)
	attempts(3)
	if h.transport.lastConnect(t).autoConnect {
		t.Fatalf("first filter retry autoConnect = true, want false")
	}
	if !m.saw(directive{"connect_failed", "retry"}) {
		t.Fatalf("connect filter did not answer retry")
	}

	h.fail(model.StatusOutOfRange)
	attempts(4)
	if !h.transport.lastConnect(t).autoConnect {
		t.Fatalf("second filter retry autoConnect = false, want true")
	}
	if !m.saw(directive{"connect_failed", "retry_with_auto_connect"}) {
		t.Fatalf("connect filter did not switch to auto-connect")
	}
	if m.saw(directive{"should_try_again", "retry_after"}) {
		t.Fatalf("loss cadence started while the connect filter was retrying")
	}

	// Past the retry limit the episode cadence takes over.
	h.fail(model.StatusOutOfRange)
	if n := h.transport.connectCount(); n != 4 {
		t.Fatalf("connect attempts = %d, want 4 until the retry delay", n)
	}
	if !m.saw(directive{"connect_failed", "do_not_retry"}) || !m.saw(directive{"should_try_again", "retry_after"}) {
		t.Fatalf("loss cadence not consulted after the connect filter declined")
	}
	h.requireState(addr, model.StateReconnectingShortTerm)

	h.advanceTo(999 * time.Millisecond)
	if n := h.transport.connectCount(); n != 4 {
		t.Fatalf("connect attempts = %d, want 4 before the short-term rate", n)
	}
	h.advanceTo(time.Second)
	attempts(5)
	h.requireState(addr, model.StateReconnectingShortTerm)
}

func TestLinkDropIgnoredUnlessConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)
	h.requireState(addr, model.StateConnecting)

	// Unknown peripherals are ignored too.
	h.transport.events().LinkDropped("11:22:33:44:55:66", model.StatusRogueDisconnect)
	if _, err := h.engine.State(context.Background(), "11:22:33:44:55:66"); !errors.Is(err, ErrUnknownPeripheral) {
		t.Fatalf("State(unknown) err = %v, want ErrUnknownPeripheral", err)
	}
}

func TestShortTermWindowEscalatesToLongTerm(t *testing.T) {
	m := newRecordingMetrics()
	h := newHarness(t,
		WithPolicy(noConnectRetry(policy.NewDevicePolicy(policy.DefaultConfig()))),
		WithMetrics(m),
	)
	h.connected(addr)
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)
	if !m.saw(directive{"should_try_again", "retry_instantly"}) {
		t.Fatalf("first reconnect was not instant: %v", m.directives)
	}

	// One failure per second inside the five second window.
	for sec := 0; sec < 5; sec++ {
		h.advanceTo(time.Duration(sec) * time.Second)
		h.requireState(addr, model.StateReconnectingShortTerm)
		h.fail(model.StatusOutOfRange)
		if got := h.snapshot(addr).ShortTermFailures; got != sec+1 {
			t.Fatalf("t=%ds short-term failures = %d, want %d", sec, got, sec+1)
		}
	}
	if n := h.transport.connectCount(); n != 6 {
		t.Fatalf("connect attempts before window end = %d, want 6", n)
	}

	h.advanceTo(5 * time.Second)
	snap := h.snapshot(addr)
	if snap.State != model.StateReconnectingLongTerm {
		t.Fatalf("state = %s, want reconnecting_long_term", snap.State)
	}
	if snap.LongTermFailures != 0 || snap.ShortTermFailures != 0 {
		t.Fatalf("failure counters = %d/%d, want reset", snap.ShortTermFailures, snap.LongTermFailures)
	}
	if !snap.EpisodeStart.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("episode start = %v, want window end", snap.EpisodeStart)
	}
	// The long-term episode starts with an instant attempt.
	if n := h.transport.connectCount(); n != 7 {
		t.Fatalf("connect attempts = %d, want 7", n)
	}

	// Long-term failures back off at the long-term rate.
	h.fail(model.StatusOutOfRange)
	h.advanceTo(7 * time.Second)
	if n := h.transport.connectCount(); n != 7 {
		t.Fatalf("attempt made before long-term rate elapsed")
	}
	h.advanceTo(8 * time.Second)
	if n := h.transport.connectCount(); n != 8 {
		t.Fatalf("connect attempts = %d, want 8 after long-term rate", n)
	}
}

func TestLongTermWindowEndsDisconnected(t *testing.T) {
	cfg := policy.Config{
		RetryLimit:                 2,
		AutoConnectSwitchThreshold: 2,
		ShortTermRate:              model.Secs(1),
		LongTermRate:               model.Secs(1),
		ShortTermTimeout:           model.Secs(2),
		LongTermTimeout:            model.Secs(4),
	}
	h := newHarness(t,
		WithPolicyConfig(cfg),
		WithPolicy(noConnectRetry(policy.NewDevicePolicy(cfg))),
	)
	h.connected(addr)
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)

	for sec := 0; sec < 10; sec++ {
		h.advanceTo(time.Duration(sec) * time.Second)
		snap := h.snapshot(addr)
		if snap.State == model.StateDisconnected {
			break
		}
		if snap.InFlight == model.OpConnect {
			h.fail(model.StatusOutOfRange)
		}
	}
	h.requireState(addr, model.StateDisconnected)

	last := h.rec.last()
	if !last.At.Equal(epoch.Add(6 * time.Second)) {
		t.Fatalf("gave up at %v, want end of long-term window", last.At.Sub(epoch))
	}
	f := last.Failure
	if f == nil || f.Kind != FailureConnectionLost {
		t.Fatalf("failure = %+v, want connection_lost", f)
	}
	if f.Timing != model.TimingTimedOut || f.Status != model.StatusOutOfRange {
		t.Fatalf("failure = %+v, want out_of_range/timed_out", f)
	}
	if !errors.Is(f, ErrConnectionLost) {
		t.Fatalf("failure does not wrap ErrConnectionLost")
	}
}

func TestStopRetryingEndsBothPhases(t *testing.T) {
	h := newHarness(t, WithPolicy(policy.Never()))
	h.connected(addr)
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)

	want := []model.State{
		model.StateConnecting,
		model.StateConnected,
		model.StateReconnectingShortTerm,
		model.StateReconnectingLongTerm,
		model.StateDisconnected,
	}
	if got := h.rec.states(); !equalStates(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if n := h.transport.connectCount(); n != 1 {
		t.Fatalf("connect attempts = %d, want 1", n)
	}
	if f := h.rec.last().Failure; f == nil || f.Kind != FailureConnectionLost {
		t.Fatalf("failure = %+v, want connection_lost", f)
	}
}

func TestNativeLinkProgressKeepsShortTermAlive(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)
	h.transport.events().LinkProgress(addr, model.ProgressLinkUp)

	h.advanceTo(5 * time.Second)
	h.requireState(addr, model.StateReconnectingShortTerm)

	h.transport.lastConnect(t).done(model.Outcome{})
	h.requireState(addr, model.StateConnected)
}

func TestQuietShortTermEscalatesWithoutProgress(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)

	h.advanceTo(5 * time.Second)
	h.requireState(addr, model.StateReconnectingLongTerm)
	// The pending attempt is kept rather than doubled.
	if n := h.transport.connectCount(); n != 2 {
		t.Fatalf("connect attempts = %d, want 2", n)
	}
	h.transport.lastConnect(t).done(model.Outcome{})
	h.requireState(addr, model.StateConnected)
}

func TestServerRoleIgnoresNativeProgress(t *testing.T) {
	h := newHarness(t)
	role := model.RoleServer
	if err := h.engine.Connect(context.Background(), addr, ConnectOptions{RegisterOptions{Role: &role}}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.transport.lastConnect(t).done(model.Outcome{})
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)
	h.transport.events().LinkProgress(addr, model.ProgressLinkUp)

	h.advanceTo(5 * time.Second)
	h.requireState(addr, model.StateReconnectingLongTerm)
}

func TestExplicitDisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	attempt := h.transport.lastConnect(t)

	if err := h.engine.Disconnect(context.Background(), addr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.requireState(addr, model.StateDisconnected)
	last := h.rec.last()
	if !last.Terminal || last.Reason != model.StatusExplicitDisconnect || last.Failure != nil {
		t.Fatalf("last change = %+v, want terminal explicit disconnect", last)
	}
	if len(h.transport.disconnects) != 0 {
		t.Fatalf("disconnect ran before the committed connect answered")
	}

	// The late success belongs to a superseded attempt.
	attempt.done(model.Outcome{})
	h.requireState(addr, model.StateDisconnected)
	if len(h.transport.disconnects) != 1 {
		t.Fatalf("disconnects = %d, want 1", len(h.transport.disconnects))
	}
}

func TestDisconnectSupersedesQueuedWork(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)

	var mu sync.Mutex
	results := make(map[string]model.Outcome)
	record := func(name string) func(model.Outcome) {
		return func(o model.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			results[name] = o
		}
	}
	op := model.Operation{Kind: model.OpRead, Characteristic: "2a19"}
	for _, name := range []string{"first", "second"} {
		if _, err := h.engine.Enqueue(context.Background(), addr, op, OpOptions{}, record(name)); err != nil {
			t.Fatalf("Enqueue(%s): %v", name, err)
		}
	}
	if err := h.engine.Disconnect(context.Background(), addr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"first", "second"} {
		o, ok := results[name]
		if !ok {
			t.Fatalf("%s read never completed", name)
		}
		if o.Status != model.StatusSuperseded {
			t.Fatalf("%s read status = %s, want superseded", name, o.Status)
		}
	}
	if len(h.transport.disconnects) != 1 {
		t.Fatalf("disconnects = %d, want 1", len(h.transport.disconnects))
	}
}

func TestLinkDropFailsPendingOperations(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)

	var got []error
	op := model.Operation{Kind: model.OpRead, Characteristic: "2a19"}
	for i := 0; i < 2; i++ {
		if _, err := h.engine.Enqueue(context.Background(), addr, op, OpOptions{}, func(o model.Outcome) {
			got = append(got, o.Err)
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	h.transport.events().LinkDropped(addr, model.StatusRogueDisconnect)

	if len(got) != 2 {
		t.Fatalf("completed = %d, want 2", len(got))
	}
	for _, err := range got {
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v, want ErrNotConnected", err)
		}
	}
}

func TestAwaitStateReportsFailure(t *testing.T) {
	h := newHarness(t, WithPolicy(policy.Never()))
	h.connect(addr)

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.AwaitState(ctx, addr, model.StateConnected) }()
	waitForWaiters(t, h, 1)

	h.fail(model.StatusOutOfRange)
	select {
	case err := <-errCh:
		var f *Failure
		if !errors.As(err, &f) || f.Kind != FailureConnect {
			t.Fatalf("AwaitState err = %v, want connect *Failure", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("AwaitState did not return")
	}
}

func TestAwaitStateAlreadyReached(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)
	if err := h.engine.AwaitState(context.Background(), addr, model.StateConnected); err != nil {
		t.Fatalf("AwaitState: %v", err)
	}
	if err := h.engine.AwaitState(context.Background(), "11:22:33:44:55:66", model.StateConnected); !errors.Is(err, ErrUnknownPeripheral) {
		t.Fatalf("AwaitState(unknown) err = %v, want ErrUnknownPeripheral", err)
	}
}

func TestAwaitStateContextCanceled(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.AwaitState(ctx, addr, model.StateConnected) }()
	waitForWaiters(t, h, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("AwaitState did not return")
	}
	waitForWaiters(t, h, 0)
}

func waitForWaiters(t *testing.T, h *harness, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var n int
		if err := h.engine.call(context.Background(), func() {
			if p, ok := h.engine.peripherals[addr]; ok {
				n = len(p.waiters)
			}
		}); err != nil {
			t.Fatalf("call: %v", err)
		}
		if n == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("waiters never reached %d", want)
}

func TestReleaseForgetsPeripheral(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)

	if err := h.engine.Release(context.Background(), addr); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := h.engine.State(context.Background(), addr); !errors.Is(err, ErrUnknownPeripheral) {
		t.Fatalf("State after release err = %v, want ErrUnknownPeripheral", err)
	}
	if len(h.transport.disconnects) != 1 {
		t.Fatalf("disconnects = %d, want 1", len(h.transport.disconnects))
	}
	if err := h.engine.Release(context.Background(), addr); !errors.Is(err, ErrUnknownPeripheral) {
		t.Fatalf("second Release err = %v, want ErrUnknownPeripheral", err)
	}
}

func TestReleaseWhileConnectingTearsDownCommittedConnect(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	attempt := h.transport.lastConnect(t)

	if err := h.engine.Release(context.Background(), addr); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := h.engine.State(context.Background(), addr); !errors.Is(err, ErrUnknownPeripheral) {
		t.Fatalf("State after release err = %v, want ErrUnknownPeripheral", err)
	}
	if len(h.transport.disconnects) != 0 {
		t.Fatalf("disconnect ran before the committed connect answered")
	}

	// The link comes up for a peripheral nobody tracks any more.
	attempt.done(model.Outcome{})
	if len(h.transport.disconnects) != 1 {
		t.Fatalf("disconnects = %d, want 1", len(h.transport.disconnects))
	}
	if n := h.transport.connectCount(); n != 1 {
		t.Fatalf("connect attempts = %d, want 1", n)
	}
}

func TestReleaseAfterDisconnectKeepsTeardownQueued(t *testing.T) {
	h := newHarness(t)
	h.connect(addr)
	attempt := h.transport.lastConnect(t)

	if err := h.engine.Disconnect(context.Background(), addr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := h.engine.Release(context.Background(), addr); err != nil {
		t.Fatalf("Release: %v", err)
	}

	attempt.done(model.Outcome{})
	if len(h.transport.disconnects) != 1 {
		t.Fatalf("disconnects = %d, want 1", len(h.transport.disconnects))
	}
}

func TestSetPolicyOverridesRoleDefault(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Register(context.Background(), addr, RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.engine.SetPolicy(context.Background(), addr, policy.Never()); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if !h.snapshot(addr).CustomPolicy {
		t.Fatalf("CustomPolicy = false after SetPolicy")
	}

	h.connect(addr)
	h.fail(model.StatusOutOfRange)
	h.requireState(addr, model.StateDisconnected)

	if err := h.engine.SetPolicy(context.Background(), addr, nil); err != nil {
		t.Fatalf("SetPolicy(nil): %v", err)
	}
	h.connect(addr)
	h.fail(model.StatusOutOfRange)
	h.requireState(addr, model.StateConnecting)
}

func TestPanickingPolicyGivesUp(t *testing.T) {
	h := newHarness(t, WithPolicy(policy.Funcs{
		ConnectFailed: func(policy.ConnectFailEvent) policy.ConnectFailDirective { panic("boom") },
	}))
	h.connect(addr)
	h.fail(model.StatusOutOfRange)
	h.requireState(addr, model.StateDisconnected)
}

func TestSnapshotsOrderedByAddress(t *testing.T) {
	h := newHarness(t)
	for _, id := range []model.PeripheralID{"CC:00:00:00:00:03", "AA:00:00:00:00:01", "BB:00:00:00:00:02"} {
		if err := h.engine.Register(context.Background(), id, RegisterOptions{}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	snaps, err := h.engine.Snapshots(context.Background())
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("len(snapshots) = %d, want 3", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i-1].Peripheral >= snaps[i].Peripheral {
			t.Fatalf("snapshots not ordered: %v before %v", snaps[i-1].Peripheral, snaps[i].Peripheral)
		}
	}
}

func TestStateCountsPublished(t *testing.T) {
	m := newRecordingMetrics()
	h := newHarness(t, WithMetrics(m))
	h.connected(addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[model.StateConnected] != 1 || m.states[model.StateDisconnected] != 0 {
		t.Fatalf("state counts = %v, want one connected", m.states)
	}
	if m.transitions != 2 {
		t.Fatalf("transitions = %d, want 2", m.transitions)
	}
	if m.finished["connect/ok"] != 1 {
		t.Fatalf("finished tasks = %v, want one ok connect", m.finished)
	}
}

func TestStopFailsOutstandingWork(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)

	var got error
	op := model.Operation{Kind: model.OpRead, Characteristic: "2a19"}
	if _, err := h.engine.Enqueue(context.Background(), addr, op, OpOptions{}, func(o model.Outcome) { got = o.Err }); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.engine.Stop()

	if !errors.Is(got, ErrEngineStopped) {
		t.Fatalf("pending read err = %v, want ErrEngineStopped", got)
	}
	if err := h.engine.Connect(context.Background(), addr, ConnectOptions{}); !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("Connect after Stop err = %v, want ErrEngineStopped", err)
	}
}

func TestNotificationsReachValueListeners(t *testing.T) {
	h := newHarness(t)
	h.connected(addr)

	payload := []byte{0x42}
	h.transport.events().Notification(addr, "00002a19-0000-1000-8000-00805f9b34fb", payload)
	payload[0] = 0 // the engine keeps its own copy

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.values) != 1 {
		t.Fatalf("values = %d, want 1", len(h.rec.values))
	}
	v := h.rec.values[0]
	if v.Peripheral != addr || len(v.Data) != 1 || v.Data[0] != 0x42 {
		t.Fatalf("value = %+v", v)
	}
}
