package central

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/internal/taskqueue"
	"github.com/signalsfoundry/blecentral/model"
)

// peripheral is the per-address bookkeeping of the state machine. It is
// only touched on the dispatcher and references tasks by handle.
type peripheral struct {
	id     model.PeripheralID
	role   model.Role
	policy policy.Policy // nil uses the engine or role default
	state  model.State

	// autoConnect is the sticky connect mode of the next attempt.
	autoConnect bool

	// connectFailures counts failed attempts since the last success or the
	// start of the current connect episode.
	connectFailures   int
	shortTermFailures int
	longTermFailures  int

	episodeStart  time.Time
	attemptStart  time.Time
	previousDelay model.Interval
	lastStatus    model.Status

	connectHandle taskqueue.Handle
	retryTimer    string
	episodeTimer  string
	// generation invalidates results and timers of earlier attempts.
	generation   uint64
	nativeLinkUp bool

	waiters []*waiter
}

type waiter struct {
	seq  uint64
	want model.State
	ch   chan waitResult
}

type waitResult struct {
	err error
}

func (p *peripheral) phase() policy.Phase {
	if p.state == model.StateReconnectingLongTerm {
		return policy.LongTerm
	}
	return policy.ShortTerm
}

func (p *peripheral) episodeFailures() int {
	if p.state == model.StateReconnectingLongTerm {
		return p.longTermFailures
	}
	return p.shortTermFailures
}

func (e *Engine) ensure(id model.PeripheralID) *peripheral {
	p, ok := e.peripherals[id]
	if !ok {
		p = &peripheral{
			id:          id,
			role:        model.RoleDevice,
			state:       model.StateDisconnected,
			autoConnect: e.autoConnectDefault,
		}
		e.peripherals[id] = p
		e.publishStateCounts()
	}
	return p
}

func (e *Engine) applyOptions(p *peripheral, opts RegisterOptions) {
	if opts.Role != nil {
		p.role = *opts.Role
	}
	if opts.AutoConnect != nil {
		p.autoConnect = *opts.AutoConnect
	}
	if opts.Policy != nil {
		p.policy = e.safe(opts.Policy)
	}
}

func (e *Engine) policyFor(p *peripheral) policy.Policy {
	if p.policy != nil {
		return p.policy
	}
	if e.policy != nil {
		return e.policy
	}
	if rp, ok := e.rolePolicies[p.role]; ok {
		return rp
	}
	return e.rolePolicies[model.RoleDevice]
}

// timingFor returns the episode timeouts and rates used to arm episode
// timers. Custom policies fall back to the engine's policy config.
func (e *Engine) timingFor(p *peripheral) policy.Config {
	if cfg, ok := policy.ConfigOf(e.policyFor(p)); ok {
		return cfg
	}
	return e.policyConfig
}

// connect starts a connect episode from Disconnected.
func (e *Engine) connect(p *peripheral) {
	if p.state != model.StateDisconnected {
		e.log.Debug(context.Background(), "connect ignored",
			logging.Peripheral(string(p.id)),
			logging.String("state", p.state.String()))
		return
	}
	p.connectFailures = 0
	p.shortTermFailures = 0
	p.longTermFailures = 0
	p.lastStatus = model.StatusUnknown
	e.transition(p, model.StateConnecting, model.StatusSuccess, nil)
	e.beginAttempt(p)
}

// disconnect ends whatever episode is running and tears the link down.
func (e *Engine) disconnect(p *peripheral) {
	if p.state == model.StateDisconnected {
		return
	}
	e.cancelTimers(p)
	p.generation++
	p.connectHandle = ""
	p.nativeLinkUp = false
	e.enqueueDisconnect(p)
	p.lastStatus = model.StatusExplicitDisconnect
	e.transitionTerminal(p, model.StatusExplicitDisconnect, nil)
}

func (e *Engine) enqueueDisconnect(p *peripheral) {
	id := p.id
	_, _ = e.enqueue(taskqueue.Task{
		Peripheral: id,
		Op:         model.Operation{Kind: model.OpDisconnect},
		Priority:   taskqueue.PriorityHigh,
		Timeout:    e.connectTimeout,
		OnResult: func(o model.Outcome) {
			if o.Err != nil {
				e.log.Warn(context.Background(), "disconnect failed",
					logging.Peripheral(string(id)), logging.Err(o.Err))
			}
		},
	})
}

// beginAttempt enqueues one connect task with the sticky connect mode.
func (e *Engine) beginAttempt(p *peripheral) {
	p.generation++
	gen := p.generation
	id := p.id
	p.attemptStart = e.disp.Now()
	p.nativeLinkUp = false

	h := taskqueue.NewHandle()
	p.connectHandle = h
	_, _ = e.enqueue(taskqueue.Task{
		Handle:     h,
		Peripheral: id,
		Op:         model.Operation{Kind: model.OpConnect, AutoConnect: p.autoConnect},
		Timeout:    e.connectTimeout,
		OnResult: func(o model.Outcome) {
			e.onConnectResult(id, gen, o)
		},
	})
}

func (e *Engine) onConnectResult(id model.PeripheralID, gen uint64, o model.Outcome) {
	p, ok := e.peripherals[id]
	if !ok || p.generation != gen {
		e.log.Debug(context.Background(), "stale connect result ignored",
			logging.Peripheral(string(id)), logging.String("status", o.Status.String()))
		return
	}
	p.connectHandle = ""

	if o.OK() {
		e.onConnected(p)
		return
	}
	if o.Status == model.StatusTimedOut && o.Timing == model.TimingTimedOut {
		// The native stack never answered the attempt.
		o.Status = model.StatusNativeConnectionFailed
	}
	p.lastStatus = o.Status

	switch p.state {
	case model.StateConnecting:
		e.onConnectFailed(p, o)
	case model.StateReconnectingShortTerm, model.StateReconnectingLongTerm:
		e.onReconnectFailed(p, o)
	}
}

func (e *Engine) onConnected(p *peripheral) {
	e.cancelTimers(p)
	p.connectFailures = 0
	p.shortTermFailures = 0
	p.longTermFailures = 0
	p.previousDelay = model.Zero
	p.nativeLinkUp = false
	p.lastStatus = model.StatusSuccess
	e.transition(p, model.StateConnected, model.StatusSuccess, nil)
}

func (e *Engine) connectFailEvent(p *peripheral, o model.Outcome) policy.ConnectFailEvent {
	return policy.ConnectFailEvent{
		Peripheral:           p.id,
		Role:                 p.role,
		Status:               o.Status,
		Timing:               o.Timing,
		AutoConnectUsed:      p.autoConnect,
		FailureCount:         p.connectFailures,
		LongTermReconnecting: p.state == model.StateReconnectingLongTerm,
		AttemptTime:          model.Since(p.attemptStart, e.disp.Now()),
	}
}

// retryConnect acts on a connect directive and reports whether another
// attempt was started.
func (e *Engine) retryConnect(p *peripheral, d policy.ConnectFailDirective) bool {
	switch d.Action {
	case policy.ActionRetry:
	case policy.ActionRetryWithAutoConnect:
		p.autoConnect = d.AutoConnect
	default:
		return false
	}
	e.beginAttempt(p)
	return true
}

func (e *Engine) onConnectFailed(p *peripheral, o model.Outcome) {
	p.connectFailures++
	d := e.policyFor(p).OnConnectFailed(e.connectFailEvent(p, o))
	e.metrics.Directive("connect_failed", connectActionLabel(d))
	e.log.Info(context.Background(), "connect attempt failed",
		logging.Peripheral(string(p.id)),
		logging.String("status", o.Status.String()),
		logging.String("timing", o.Timing.String()),
		logging.Int("failures", p.connectFailures),
		logging.String("directive", d.String()),
	)
	if e.retryConnect(p, d) {
		return
	}
	e.giveUp(p, &Failure{
		Kind:         FailureConnect,
		Status:       o.Status,
		Timing:       o.Timing,
		FailureCount: p.connectFailures,
	})
}

// onReconnectFailed consults the connect filter first; when it declines,
// the failure counts against the episode.
func (e *Engine) onReconnectFailed(p *peripheral, o model.Outcome) {
	p.connectFailures++
	d := e.policyFor(p).OnConnectFailed(e.connectFailEvent(p, o))
	e.metrics.Directive("connect_failed", connectActionLabel(d))
	if e.retryConnect(p, d) {
		return
	}

	if p.state == model.StateReconnectingLongTerm {
		p.longTermFailures++
	} else {
		p.shortTermFailures++
	}
	e.log.Info(context.Background(), "reconnect attempt failed",
		logging.Peripheral(string(p.id)),
		logging.String("state", p.state.String()),
		logging.String("status", o.Status.String()),
		logging.Int("failures", p.episodeFailures()),
	)

	cont := e.askLost(p, policy.ShouldContinue, o.Status)
	if !cont.Continues() {
		e.endEpisode(p, o.Status, o.Timing)
		return
	}
	e.tryAgain(p, o.Status)
}

func (e *Engine) askLost(p *peripheral, q policy.Question, status model.Status) policy.ConnectionLostDirective {
	ev := policy.ConnectionLostEvent{
		Peripheral:            p.id,
		Role:                  p.role,
		Question:              q,
		Phase:                 p.phase(),
		Status:                status,
		FailureCount:          p.episodeFailures(),
		TotalTimeReconnecting: model.Since(p.episodeStart, e.disp.Now()),
		PreviousDelay:         p.previousDelay,
		NativeLinkInProgress:  p.connectHandle != "" && p.nativeLinkUp,
	}
	d := e.policyFor(p).OnConnectionLost(ev)
	e.metrics.Directive(q.String(), lostActionLabel(d))
	return d
}

// tryAgain asks when to make the next reconnect attempt and acts on it.
func (e *Engine) tryAgain(p *peripheral, status model.Status) {
	d := e.askLost(p, policy.ShouldTryAgain, status)
	switch d.Action {
	case policy.ActionRetryInstantly:
		p.previousDelay = model.Zero
		e.beginAttempt(p)
	case policy.ActionRetryAfter:
		e.scheduleRetry(p, d.Delay)
	case policy.ActionPersist:
		// Keep the previous cadence.
		if p.previousDelay.IsZero() || p.previousDelay.IsDisabled() {
			e.beginAttempt(p)
		} else {
			e.scheduleRetry(p, p.previousDelay)
		}
	default:
		e.endEpisode(p, status, model.TimingNotApplicable)
	}
}

func (e *Engine) scheduleRetry(p *peripheral, delay model.Interval) {
	p.previousDelay = delay
	if p.retryTimer != "" {
		e.disp.Cancel(p.retryTimer)
	}
	id, gen := p.id, p.generation
	p.retryTimer = dispatch.After(e.disp, delay.Duration(), func() {
		cur, ok := e.peripherals[id]
		if !ok || cur != p || p.generation != gen || !p.state.IsReconnecting() {
			return
		}
		p.retryTimer = ""
		e.beginAttempt(p)
	})
}

// onLinkDropped opens a short-term episode for a connected peripheral.
// Drops in any other state are ignored.
func (e *Engine) onLinkDropped(id model.PeripheralID, status model.Status) {
	p, ok := e.peripherals[id]
	if !ok || p.state != model.StateConnected {
		e.log.Debug(context.Background(), "link drop ignored",
			logging.Peripheral(string(id)), logging.String("status", status.String()))
		return
	}
	e.log.Warn(context.Background(), "link dropped",
		logging.Peripheral(string(id)), logging.String("status", status.String()))

	e.queue.CancelPeripheral(id, model.StatusNotConnected, ErrNotConnected)

	p.connectFailures = 0
	p.shortTermFailures = 0
	p.longTermFailures = 0
	p.previousDelay = model.Zero
	p.lastStatus = status
	p.episodeStart = e.disp.Now()
	e.transition(p, model.StateReconnectingShortTerm, status, nil)
	e.armEpisodeTimer(p, e.episodeTimeout(p))
	e.tryAgain(p, status)
}

func (e *Engine) onLinkProgress(id model.PeripheralID, progress model.Progress) {
	p, ok := e.peripherals[id]
	if !ok || p.connectHandle == "" {
		return
	}
	if progress == model.ProgressLinkUp || progress == model.ProgressServicesResolved {
		p.nativeLinkUp = true
	}
}

// endEpisode handles StopRetrying: short-term escalates to long-term once,
// long-term ends in Disconnected.
func (e *Engine) endEpisode(p *peripheral, status model.Status, timing model.Timing) {
	if p.state == model.StateReconnectingShortTerm {
		failures := p.shortTermFailures
		if p.retryTimer != "" {
			e.disp.Cancel(p.retryTimer)
			p.retryTimer = ""
		}
		p.shortTermFailures = 0
		p.longTermFailures = 0
		p.previousDelay = model.Zero
		p.episodeStart = e.disp.Now()
		e.transition(p, model.StateReconnectingLongTerm, status, nil)
		e.log.Info(context.Background(), "short-term reconnect exhausted",
			logging.Peripheral(string(p.id)), logging.Int("failures", failures))
		e.armEpisodeTimer(p, e.episodeTimeout(p))
		if p.connectHandle == "" {
			e.tryAgain(p, status)
		}
		return
	}

	inFlight := p.connectHandle != ""
	if inFlight {
		e.queue.Cancel(p.connectHandle)
	}
	failure := &Failure{
		Kind:         FailureConnectionLost,
		Status:       status,
		Timing:       timing,
		FailureCount: p.longTermFailures,
	}
	e.giveUp(p, failure)
	if inFlight {
		e.enqueueDisconnect(p)
	}
}

func (e *Engine) episodeTimeout(p *peripheral) model.Interval {
	cfg := e.timingFor(p)
	if p.state == model.StateReconnectingLongTerm {
		return cfg.LongTermTimeout
	}
	return cfg.ShortTermTimeout
}

func (e *Engine) episodeRate(p *peripheral) model.Interval {
	cfg := e.timingFor(p)
	if p.state == model.StateReconnectingLongTerm {
		return cfg.LongTermRate
	}
	return cfg.ShortTermRate
}

// armEpisodeTimer makes sure a quiet episode is re-evaluated even when no
// attempt fails, e.g. while an auto-connect attempt is pending.
func (e *Engine) armEpisodeTimer(p *peripheral, after model.Interval) {
	if p.episodeTimer != "" {
		e.disp.Cancel(p.episodeTimer)
		p.episodeTimer = ""
	}
	if after.IsInfinite() || after.IsDisabled() {
		return
	}
	at := p.episodeStart.Add(after.Duration())
	if now := e.disp.Now(); at.Before(now) {
		at = now
	}
	var id string
	state := p.state
	id = e.disp.Schedule(at, func() {
		if p.episodeTimer != id || p.state != state {
			return
		}
		p.episodeTimer = ""
		e.onEpisodeTimer(p)
	})
	p.episodeTimer = id
}

func (e *Engine) onEpisodeTimer(p *peripheral) {
	d := e.askLost(p, policy.ShouldContinue, p.lastStatus)
	if d.Continues() {
		rate := e.episodeRate(p)
		if rate.IsZero() || rate.IsDisabled() || rate.IsInfinite() {
			rate = model.Secs(1)
		}
		e.armEpisodeTimer(p, model.Since(p.episodeStart, e.disp.Now()).Add(rate))
		return
	}
	e.log.Info(context.Background(), "reconnect episode timed out",
		logging.Peripheral(string(p.id)), logging.String("state", p.state.String()))
	e.endEpisode(p, p.lastStatus, model.TimingTimedOut)
}

// giveUp ends an episode because the policy said so.
func (e *Engine) giveUp(p *peripheral, f *Failure) {
	e.cancelTimers(p)
	p.generation++
	p.connectHandle = ""
	p.nativeLinkUp = false
	e.log.Warn(context.Background(), "giving up on peripheral",
		logging.Peripheral(string(p.id)),
		logging.String("kind", f.Kind.String()),
		logging.String("status", f.Status.String()),
		logging.String("timing", f.Timing.String()),
		logging.Int("failures", f.FailureCount),
	)
	e.transitionTerminal(p, f.Status, f)
}

func (e *Engine) cancelTimers(p *peripheral) {
	if p.retryTimer != "" {
		e.disp.Cancel(p.retryTimer)
		p.retryTimer = ""
	}
	if p.episodeTimer != "" {
		e.disp.Cancel(p.episodeTimer)
		p.episodeTimer = ""
	}
}

func (e *Engine) transitionTerminal(p *peripheral, reason model.Status, f *Failure) {
	e.emit(p, model.StateDisconnected, reason, true, f)
}

func (e *Engine) transition(p *peripheral, to model.State, reason model.Status, f *Failure) {
	e.emit(p, to, reason, false, f)
}

func (e *Engine) emit(p *peripheral, to model.State, reason model.Status, terminal bool, f *Failure) {
	from := p.state
	p.state = to
	change := StateChange{
		Peripheral: p.id,
		Old:        from,
		New:        to,
		Reason:     reason,
		Terminal:   terminal,
		Failure:    f,
		At:         e.disp.Now(),
	}
	e.log.Info(context.Background(), "state changed",
		logging.Peripheral(string(p.id)),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason.String()),
	)
	e.metrics.StateTransition(from, to)
	e.publishStateCounts()

	e.resolveWaiters(p, change)
	for _, l := range e.listeners {
		l.OnStateChange(change)
	}
}

func (e *Engine) resolveWaiters(p *peripheral, c StateChange) {
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		switch {
		case w.want == c.New:
			w.ch <- waitResult{}
		case c.Failure != nil && c.New == model.StateDisconnected:
			w.ch <- waitResult{err: c.Failure}
		case c.Terminal && c.New == model.StateDisconnected:
			w.ch <- waitResult{err: fmt.Errorf("%w: %s", ErrNotConnected, c.Reason)}
		default:
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(p.waiters); i++ {
		p.waiters[i] = nil
	}
	p.waiters = kept
}

func (e *Engine) dropWaiter(id model.PeripheralID, seq uint64) {
	p, ok := e.peripherals[id]
	if !ok {
		return
	}
	for i, w := range p.waiters {
		if w.seq == seq {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (e *Engine) publishStateCounts() {
	counts := make(map[model.State]int, len(model.AllStates()))
	for _, s := range model.AllStates() {
		counts[s] = 0
	}
	for _, p := range e.peripherals {
		counts[p.state]++
	}
	e.metrics.PeripheralStates(counts)
}

func (e *Engine) snapshot(p *peripheral) Snapshot {
	s := Snapshot{
		Peripheral:        p.id,
		Role:              p.role,
		State:             p.state,
		AutoConnect:       p.autoConnect,
		ConnectFailures:   p.connectFailures,
		ShortTermFailures: p.shortTermFailures,
		LongTermFailures:  p.longTermFailures,
		EpisodeStart:      p.episodeStart,
		LastStatus:        p.lastStatus,
		Pending:           e.queue.Pending(p.id),
		CustomPolicy:      p.policy != nil,
	}
	if t, ok := e.queue.Running(p.id); ok {
		s.InFlight = t.Op.Kind
	}
	return s
}

func connectActionLabel(d policy.ConnectFailDirective) string {
	switch d.Action {
	case policy.ActionRetry:
		return "retry"
	case policy.ActionRetryWithAutoConnect:
		return "retry_with_auto_connect"
	default:
		return "do_not_retry"
	}
}

func lostActionLabel(d policy.ConnectionLostDirective) string {
	switch d.Action {
	case policy.ActionRetryInstantly:
		return "retry_instantly"
	case policy.ActionRetryAfter:
		return "retry_after"
	case policy.ActionPersist:
		return "persist"
	default:
		return "stop_retrying"
	}
}
