// Package config loads blecentrald configuration from defaults, an optional
// TOML file and BLECENTRAL_ environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/observability"
	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/model"
	"github.com/signalsfoundry/blecentral/timectrl"
)

// EnvPrefix is the prefix of environment variables read by Load. A single
// underscore after the prefix separates sections; a double underscore is a
// literal underscore, so BLECENTRAL_POLICY_RETRY__LIMIT sets
// policy.retry_limit.
const EnvPrefix = "BLECENTRAL_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Transport kinds.
const (
	TransportSimulated = "simulated"
	TransportBlueZ     = "bluez"
)

// Config is the complete daemon configuration.
type Config struct {
	Policy      PolicyConfig       `koanf:"policy"`
	Engine      EngineConfig       `koanf:"engine"`
	Transport   TransportConfig    `koanf:"transport"`
	Logging     LoggingConfig      `koanf:"logging"`
	Metrics     MetricsConfig      `koanf:"metrics"`
	Tracing     TracingConfig      `koanf:"tracing"`
	Control     ControlConfig      `koanf:"control"`
	Peripherals []PeripheralConfig `koanf:"peripherals"`
}

// PolicyConfig selects the default reconnect policy and its constants.
type PolicyConfig struct {
	// Name is one of device, server or never.
	Name                       string         `koanf:"name"`
	RetryLimit                 int            `koanf:"retry_limit"`
	AutoConnectSwitchThreshold int            `koanf:"auto_connect_switch_threshold"`
	ShortTermRate              model.Interval `koanf:"short_term_rate"`
	LongTermRate               model.Interval `koanf:"long_term_rate"`
	ShortTermTimeout           model.Interval `koanf:"short_term_timeout"`
	LongTermTimeout            model.Interval `koanf:"long_term_timeout"`
}

// EngineConfig holds connection engine settings.
type EngineConfig struct {
	// MaxConcurrentPeripherals bounds peripherals with a task in flight;
	// 0 is unlimited.
	MaxConcurrentPeripherals int           `koanf:"max_concurrent_peripherals"`
	ConnectTimeout           time.Duration `koanf:"connect_timeout"`
	OperationTimeout         time.Duration `koanf:"operation_timeout"`
	AutoConnectDefault       bool          `koanf:"auto_connect_default"`
	NotifyBuffer             int           `koanf:"notify_buffer"`
}

// TransportConfig selects and configures the link transport.
type TransportConfig struct {
	Kind     string      `koanf:"kind"`
	Scenario string      `koanf:"scenario"`
	Adapter  string      `koanf:"adapter"`
	Clock    ClockConfig `koanf:"clock"`
}

// ClockConfig drives simulated time for the simulated transport.
type ClockConfig struct {
	Mode    string        `koanf:"mode"` // realtime | accelerated
	Tick    time.Duration `koanf:"tick"`
	Speedup int           `koanf:"speedup"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	AddSource bool   `koanf:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Exporter    string  `koanf:"exporter"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// ControlConfig holds the gRPC control API listener settings.
type ControlConfig struct {
	Address         string        `koanf:"address"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PeripheralConfig seeds the peripheral catalog.
type PeripheralConfig struct {
	Address     string `koanf:"address"`
	Name        string `koanf:"name"`
	Role        string `koanf:"role"`
	AutoConnect *bool  `koanf:"auto_connect"`
	Policy      string `koanf:"policy"`
	// Connect asks the daemon to connect at startup.
	Connect bool `koanf:"connect"`
}

// Default returns the built-in configuration.
func Default() *Config {
	pc := policy.DefaultConfig()
	return &Config{
		Policy: PolicyConfig{
			Name:                       policy.NameDevice,
			RetryLimit:                 pc.RetryLimit,
			AutoConnectSwitchThreshold: pc.AutoConnectSwitchThreshold,
			ShortTermRate:              pc.ShortTermRate,
			LongTermRate:               pc.LongTermRate,
			ShortTermTimeout:           pc.ShortTermTimeout,
			LongTermTimeout:            pc.LongTermTimeout,
		},
		Engine: EngineConfig{
			ConnectTimeout:   30 * time.Second,
			OperationTimeout: 10 * time.Second,
			NotifyBuffer:     256,
		},
		Transport: TransportConfig{
			Kind:    TransportSimulated,
			Adapter: "hci0",
			Clock: ClockConfig{
				Mode:    "realtime",
				Tick:    10 * time.Millisecond,
				Speedup: timectrl.DefaultSpeedup,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9464",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: observability.DefaultServiceName,
			SampleRatio: 1,
		},
		Control: ControlConfig{
			Address:         ":50061",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load layers defaults, the TOML file at path (skipped when empty) and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode is Load without validation, for callers that apply their own
// overrides first.
func Decode(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				intervalHook(),
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

var intervalType = reflect.TypeOf(model.Interval{})

// intervalHook decodes interval text ("1.5s", "disabled", "infinite") and
// bare numbers, which are read as seconds.
func intervalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != intervalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return model.ParseInterval(v)
		case int:
			return model.Secs(float64(v)), nil
		case int64:
			return model.Secs(float64(v)), nil
		case float64:
			return model.Secs(v), nil
		default:
			return data, nil
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := policy.ByName(c.Policy.Name, policy.DefaultConfig()); err != nil {
		return fmt.Errorf("%w: policy.name: %v", ErrInvalid, err)
	}
	if c.Policy.RetryLimit < 0 {
		return fmt.Errorf("%w: policy.retry_limit must be >= 0, got %d", ErrInvalid, c.Policy.RetryLimit)
	}
	if c.Policy.AutoConnectSwitchThreshold < 0 {
		return fmt.Errorf("%w: policy.auto_connect_switch_threshold must be >= 0, got %d", ErrInvalid, c.Policy.AutoConnectSwitchThreshold)
	}
	for name, iv := range map[string]model.Interval{
		"short_term_timeout": c.Policy.ShortTermTimeout,
		"long_term_timeout":  c.Policy.LongTermTimeout,
	} {
		if iv.IsDisabled() {
			return fmt.Errorf("%w: policy.%s cannot be disabled", ErrInvalid, name)
		}
	}

	if c.Engine.MaxConcurrentPeripherals < 0 {
		return fmt.Errorf("%w: engine.max_concurrent_peripherals must be >= 0", ErrInvalid)
	}
	if c.Engine.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: engine.connect_timeout must be positive", ErrInvalid)
	}
	if c.Engine.OperationTimeout <= 0 {
		return fmt.Errorf("%w: engine.operation_timeout must be positive", ErrInvalid)
	}
	if c.Engine.NotifyBuffer < 1 {
		return fmt.Errorf("%w: engine.notify_buffer must be >= 1", ErrInvalid)
	}

	switch c.Transport.Kind {
	case TransportSimulated:
		if c.Transport.Scenario == "" {
			return fmt.Errorf("%w: transport.scenario is required for the simulated transport", ErrInvalid)
		}
	case TransportBlueZ:
		if c.Transport.Adapter == "" {
			return fmt.Errorf("%w: transport.adapter is required for the bluez transport", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport.kind must be one of: simulated, bluez, got: %s", ErrInvalid, c.Transport.Kind)
	}
	if _, err := c.Transport.Clock.TimeMode(); err != nil {
		return err
	}
	if c.Transport.Clock.Tick <= 0 {
		return fmt.Errorf("%w: transport.clock.tick must be positive", ErrInvalid)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error, got: %s", ErrInvalid, c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("%w: logging.format must be either 'json' or 'text', got: %s", ErrInvalid, c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics.address is required when metrics are enabled", ErrInvalid)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio must be within [0, 1], got %v", ErrInvalid, c.Tracing.SampleRatio)
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "stdout", "otlp", "otlpgrpc":
		default:
			return fmt.Errorf("%w: tracing.exporter must be stdout or otlp, got: %s", ErrInvalid, c.Tracing.Exporter)
		}
	}
	if c.Control.Address == "" {
		return fmt.Errorf("%w: control.address is required", ErrInvalid)
	}

	seen := make(map[model.PeripheralID]bool, len(c.Peripherals))
	for i, p := range c.Peripherals {
		id, err := model.ParsePeripheralID(p.Address)
		if err != nil {
			return fmt.Errorf("%w: peripherals[%d].address: %v", ErrInvalid, i, err)
		}
		if seen[id] {
			return fmt.Errorf("%w: peripherals[%d]: duplicate address %s", ErrInvalid, i, id)
		}
		seen[id] = true
		if p.Role != "" {
			if _, err := model.ParseRole(p.Role); err != nil {
				return fmt.Errorf("%w: peripherals[%d].role: %v", ErrInvalid, i, err)
			}
		}
		if p.Policy != "" {
			if _, err := policy.ByName(p.Policy, policy.DefaultConfig()); err != nil {
				return fmt.Errorf("%w: peripherals[%d].policy: %v", ErrInvalid, i, err)
			}
		}
	}
	return nil
}

// Timing converts the policy section to the policy package's form.
func (p PolicyConfig) Timing() policy.Config {
	return policy.Config{
		RetryLimit:                 p.RetryLimit,
		AutoConnectSwitchThreshold: p.AutoConnectSwitchThreshold,
		ShortTermRate:              p.ShortTermRate,
		LongTermRate:               p.LongTermRate,
		ShortTermTimeout:           p.ShortTermTimeout,
		LongTermTimeout:            p.LongTermTimeout,
	}.ApplyDefaults()
}

// Build constructs the named default policy.
func (p PolicyConfig) Build() (policy.Policy, error) {
	return policy.ByName(p.Name, p.Timing())
}

// TimeMode parses the clock mode.
func (c ClockConfig) TimeMode() (timectrl.Mode, error) {
	switch strings.ToLower(c.Mode) {
	case "", "realtime":
		return timectrl.RealTime, nil
	case "accelerated":
		return timectrl.Accelerated, nil
	default:
		return 0, fmt.Errorf("%w: transport.clock.mode must be realtime or accelerated, got: %s", ErrInvalid, c.Mode)
	}
}

// Options converts the logging section.
func (l LoggingConfig) Options() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, AddSource: l.AddSource}
}

// Options converts the tracing section.
func (t TracingConfig) Options() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		ServiceName: t.ServiceName,
		Exporter:    strings.ToLower(t.Exporter),
		Endpoint:    t.Endpoint,
		SampleRatio: t.SampleRatio,
	}
}
