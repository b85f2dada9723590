// Package policy decides whether and when failed connection attempts and
// lost connections are retried.
package policy

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/blecentral/model"
)

// Policy is the pluggable reconnect filter. Implementations must be pure
// functions of the event and their construction-time configuration.
type Policy interface {
	OnConnectFailed(e ConnectFailEvent) ConnectFailDirective
	OnConnectionLost(e ConnectionLostEvent) ConnectionLostDirective
}

// Config holds the constants the built-in policies are constructed with.
type Config struct {
	// RetryLimit is the number of failed attempts tolerated before giving up.
	RetryLimit int
	// AutoConnectSwitchThreshold is the failure count from which attempts
	// switch to auto-connect mode.
	AutoConnectSwitchThreshold int

	ShortTermRate    model.Interval
	LongTermRate     model.Interval
	ShortTermTimeout model.Interval
	LongTermTimeout  model.Interval
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryLimit:                 2,
		AutoConnectSwitchThreshold: 2,
		ShortTermRate:              model.Secs(1),
		LongTermRate:               model.Secs(3),
		ShortTermTimeout:           model.Secs(5),
		LongTermTimeout:            model.Secs(5 * 60),
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig. Negative counts
// are clamped to zero; Disabled intervals are kept.
func (c Config) ApplyDefaults() Config {
	def := DefaultConfig()
	if c == (Config{}) {
		return def
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.AutoConnectSwitchThreshold < 0 {
		c.AutoConnectSwitchThreshold = 0
	}
	if c.ShortTermRate.IsZero() {
		c.ShortTermRate = def.ShortTermRate
	}
	if c.LongTermRate.IsZero() {
		c.LongTermRate = def.LongTermRate
	}
	if c.ShortTermTimeout.IsZero() {
		c.ShortTermTimeout = def.ShortTermTimeout
	}
	if c.LongTermTimeout.IsZero() {
		c.LongTermTimeout = def.LongTermTimeout
	}
	return c
}

// Names of the built-in policies accepted by ByName.
const (
	NameDevice = "device"
	NameServer = "server"
	NameNever  = "never"
)

// ByName builds a built-in policy. An empty name selects the device policy.
func ByName(name string, cfg Config) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameDevice:
		return NewDevicePolicy(cfg), nil
	case NameServer:
		return NewServerPolicy(cfg), nil
	case NameNever:
		return Never(), nil
	default:
		return nil, fmt.Errorf("unknown reconnect policy %q", name)
	}
}

// connectFailDecision is the connect-attempt algorithm shared by the
// built-in policies.
func connectFailDecision(cfg Config, e ConnectFailEvent) ConnectFailDirective {
	if !e.Status.AllowsRetry() {
		return DoNotRetry()
	}
	if e.LongTermReconnecting {
		return DoNotRetry()
	}
	if e.FailureCount > cfg.RetryLimit {
		return DoNotRetry()
	}
	if e.FailureCount >= cfg.AutoConnectSwitchThreshold {
		return RetryWithAutoConnect(true)
	}
	if e.Status == model.StatusNativeConnectionFailed && e.Timing == model.TimingTimedOut {
		// Alternate modes for stacks that misbehave with one of them.
		return RetryWithAutoConnect(!e.AutoConnectUsed)
	}
	return Retry()
}

// timingPolicy is the short-term/long-term cadence shared by the built-in
// policies.
type timingPolicy struct {
	cfg Config
}

func (t timingPolicy) rate(p Phase) model.Interval {
	if p == LongTerm {
		return t.cfg.LongTermRate
	}
	return t.cfg.ShortTermRate
}

func (t timingPolicy) timeout(p Phase) model.Interval {
	if p == LongTerm {
		return t.cfg.LongTermTimeout
	}
	return t.cfg.ShortTermTimeout
}

func (t timingPolicy) tryAgain(e ConnectionLostEvent) ConnectionLostDirective {
	if e.FailureCount <= 0 {
		return RetryInstantly()
	}
	return RetryAfter(t.rate(e.Phase))
}

func (t timingPolicy) keepGoing(e ConnectionLostEvent) ConnectionLostDirective {
	timeout := t.timeout(e.Phase)
	switch {
	case timeout.IsDisabled():
		return StopRetrying()
	case timeout.IsInfinite():
		return Persist()
	}
	return PersistIf(e.TotalTimeReconnecting.Less(timeout))
}

// DevicePolicy is the default policy for first-class devices.
type DevicePolicy struct {
	cfg    Config
	timing timingPolicy
}

// NewDevicePolicy constructs the device policy; zero fields take defaults.
func NewDevicePolicy(cfg Config) *DevicePolicy {
	cfg = cfg.ApplyDefaults()
	return &DevicePolicy{cfg: cfg, timing: timingPolicy{cfg: cfg}}
}

// Config returns the constants the policy was built with.
func (p *DevicePolicy) Config() Config { return p.cfg }

func (p *DevicePolicy) OnConnectFailed(e ConnectFailEvent) ConnectFailDirective {
	return connectFailDecision(p.cfg, e)
}

func (p *DevicePolicy) OnConnectionLost(e ConnectionLostEvent) ConnectionLostDirective {
	if !e.Status.IsKnown() {
		return StopRetrying()
	}
	switch e.Question {
	case ShouldTryAgain:
		return p.timing.tryAgain(e)
	case ShouldContinue:
		// Never abandon an attempt whose native link is already up.
		if e.Role == model.RoleDevice && e.NativeLinkInProgress {
			return Persist()
		}
		return p.timing.keepGoing(e)
	default:
		return StopRetrying()
	}
}

// ServerPolicy is the default policy for server-side peers.
type ServerPolicy struct {
	cfg    Config
	timing timingPolicy
}

// NewServerPolicy constructs the server-side policy; zero fields take
// defaults.
func NewServerPolicy(cfg Config) *ServerPolicy {
	cfg = cfg.ApplyDefaults()
	return &ServerPolicy{cfg: cfg, timing: timingPolicy{cfg: cfg}}
}

// Config returns the constants the policy was built with.
func (p *ServerPolicy) Config() Config { return p.cfg }

func (p *ServerPolicy) OnConnectFailed(e ConnectFailEvent) ConnectFailDirective {
	return connectFailDecision(p.cfg, e)
}

func (p *ServerPolicy) OnConnectionLost(e ConnectionLostEvent) ConnectionLostDirective {
	if !e.Status.IsKnown() {
		return StopRetrying()
	}
	switch e.Question {
	case ShouldTryAgain:
		return p.timing.tryAgain(e)
	case ShouldContinue:
		return p.timing.keepGoing(e)
	default:
		return StopRetrying()
	}
}

type neverPolicy struct{}

// Never returns a policy that never retries anything.
func Never() Policy { return neverPolicy{} }

func (neverPolicy) OnConnectFailed(ConnectFailEvent) ConnectFailDirective { return DoNotRetry() }
func (neverPolicy) OnConnectionLost(ConnectionLostEvent) ConnectionLostDirective {
	return StopRetrying()
}

// Funcs adapts plain functions to Policy. A nil function yields the most
// conservative directive.
type Funcs struct {
	ConnectFailed  func(ConnectFailEvent) ConnectFailDirective
	ConnectionLost func(ConnectionLostEvent) ConnectionLostDirective
}

func (f Funcs) OnConnectFailed(e ConnectFailEvent) ConnectFailDirective {
	if f.ConnectFailed == nil {
		return DoNotRetry()
	}
	return f.ConnectFailed(e)
}

func (f Funcs) OnConnectionLost(e ConnectionLostEvent) ConnectionLostDirective {
	if f.ConnectionLost == nil {
		return StopRetrying()
	}
	return f.ConnectionLost(e)
}

// Safe wraps p so that a panicking implementation yields the conservative
// directive instead of taking the caller down. onPanic may be nil.
func Safe(p Policy, onPanic func(recovered any)) Policy {
	if p == nil {
		return Never()
	}
	if s, ok := p.(safePolicy); ok {
		return s
	}
	return safePolicy{inner: p, onPanic: onPanic}
}

type safePolicy struct {
	inner   Policy
	onPanic func(any)
}

// ConfigOf returns the constants a built-in policy was constructed with,
// looking through Safe wrappers. Custom policies report false.
func ConfigOf(p Policy) (Config, bool) {
	if s, ok := p.(safePolicy); ok {
		p = s.inner
	}
	if c, ok := p.(interface{ Config() Config }); ok {
		return c.Config(), true
	}
	return Config{}, false
}

func (s safePolicy) OnConnectFailed(e ConnectFailEvent) (d ConnectFailDirective) {
	defer func() {
		if r := recover(); r != nil {
			d = DoNotRetry()
			if s.onPanic != nil {
				s.onPanic(r)
			}
		}
	}()
	return s.inner.OnConnectFailed(e)
}

func (s safePolicy) OnConnectionLost(e ConnectionLostEvent) (d ConnectionLostDirective) {
	defer func() {
		if r := recover(); r != nil {
			d = StopRetrying()
			if s.onPanic != nil {
				s.onPanic(r)
			}
		}
	}()
	return s.inner.OnConnectionLost(e)
}
