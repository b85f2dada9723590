package simulated

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/blecentral/model"
)

// ErrInvalidScenario is returned for scenarios that fail validation.
var ErrInvalidScenario = errors.New("invalid scenario")

// Default latencies of scripted peripherals.
const (
	DefaultConnectLatency   = 200 * time.Millisecond
	DefaultOperationLatency = 20 * time.Millisecond
	DefaultRSSI             = -60
	DefaultMaxMTU           = 247
)

// Scenario scripts the radio environment: how each peripheral answers
// connect attempts, when established links drop and what its GATT table
// holds. The timeline is replayed against an engine by `blecentrald
// simulate`.
type Scenario struct {
	Name        string             `yaml:"name"`
	Duration    time.Duration      `yaml:"duration"`
	Peripherals []PeripheralScript `yaml:"peripherals"`
	Timeline    []Action           `yaml:"timeline"`
}

// PeripheralScript is the behavior of one simulated peripheral.
type PeripheralScript struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Role    string `yaml:"role"` // "device" | "server"

	ConnectLatency   time.Duration `yaml:"connect_latency"`
	OperationLatency time.Duration `yaml:"operation_latency"`

	// Connects answers successive connect attempts; the last entry repeats.
	// An empty list connects every time.
	Connects []ConnectStep `yaml:"connects"`
	// Drops apply in order to successive established connections.
	Drops []Drop `yaml:"drops"`

	// Characteristics maps UUIDs to hex encoded initial values.
	Characteristics map[string]string `yaml:"characteristics"`
	// Failures makes every operation of a kind fail with a status.
	Failures map[string]string `yaml:"failures"`

	RSSI   int `yaml:"rssi"`
	MaxMTU int `yaml:"max_mtu"`
}

// ConnectStep is the answer to one connect attempt.
type ConnectStep struct {
	// Status of the attempt; empty means success.
	Status string `yaml:"status"`
	// Latency overrides the peripheral connect latency.
	Latency time.Duration `yaml:"latency"`
	// Silent attempts are never answered.
	Silent bool `yaml:"silent"`
	// Progress is reported halfway through the attempt.
	Progress string `yaml:"progress"`
	// AutoConnectOnly fails direct attempts with native_connection_failed.
	AutoConnectOnly bool `yaml:"auto_connect_only"`
}

// Drop ends an established connection.
type Drop struct {
	After  time.Duration `yaml:"after"`
	Status string        `yaml:"status"`
}

// Action is one timeline entry of a replay.
type Action struct {
	At             time.Duration `yaml:"at"`
	Do             string        `yaml:"do"` // connect | disconnect | release | read | write | subscribe
	Address        string        `yaml:"address"`
	Characteristic string        `yaml:"characteristic"`
	Value          string        `yaml:"value"` // hex
}

// Replay actions.
const (
	DoConnect    = "connect"
	DoDisconnect = "disconnect"
	DoRelease    = "release"
	DoRead       = "read"
	DoWrite      = "write"
	DoSubscribe  = "subscribe"
)

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return ReadScenario(f)
}

// ReadScenario decodes and validates a YAML scenario. Unknown fields are
// rejected so typos do not silently change behavior.
func ReadScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseScenario is ReadScenario over a byte slice.
func ParseScenario(b []byte) (*Scenario, error) {
	return ReadScenario(bytes.NewReader(b))
}

func (s *Scenario) normalize() error {
	seen := make(map[model.PeripheralID]bool, len(s.Peripherals))
	for i := range s.Peripherals {
		p := &s.Peripherals[i]
		id, err := model.ParsePeripheralID(p.Address)
		if err != nil {
			return fmt.Errorf("%w: peripheral %d: %v", ErrInvalidScenario, i, err)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate peripheral %s", ErrInvalidScenario, id)
		}
		seen[id] = true
		p.Address = string(id)
		if p.Role != "" {
			if _, err := model.ParseRole(p.Role); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidScenario, id, err)
			}
		}
		if p.ConnectLatency <= 0 {
			p.ConnectLatency = DefaultConnectLatency
		}
		if p.OperationLatency <= 0 {
			p.OperationLatency = DefaultOperationLatency
		}
		if p.RSSI == 0 {
			p.RSSI = DefaultRSSI
		}
		if p.MaxMTU == 0 {
			p.MaxMTU = DefaultMaxMTU
		}
		for j, step := range p.Connects {
			if err := checkStatus(step.Status); err != nil {
				return fmt.Errorf("%w: %s connect %d: %v", ErrInvalidScenario, id, j, err)
			}
			if step.Progress != "" && parseProgress(step.Progress) == model.ProgressNone {
				return fmt.Errorf("%w: %s connect %d: unknown progress %q", ErrInvalidScenario, id, j, step.Progress)
			}
		}
		for j, d := range p.Drops {
			if err := checkStatus(d.Status); err != nil {
				return fmt.Errorf("%w: %s drop %d: %v", ErrInvalidScenario, id, j, err)
			}
		}
		chars := make(map[string]string, len(p.Characteristics))
		for uuid, value := range p.Characteristics {
			u, err := model.ParseUUID(uuid)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidScenario, id, err)
			}
			if _, err := hex.DecodeString(value); err != nil {
				return fmt.Errorf("%w: %s characteristic %s: %v", ErrInvalidScenario, id, uuid, err)
			}
			chars[u] = value
		}
		p.Characteristics = chars
		for kind, status := range p.Failures {
			if model.ParseOpKind(kind) == model.OpUnknown {
				return fmt.Errorf("%w: %s: unknown operation %q", ErrInvalidScenario, id, kind)
			}
			if err := checkStatus(status); err != nil {
				return fmt.Errorf("%w: %s failure %s: %v", ErrInvalidScenario, id, kind, err)
			}
		}
	}

	for i := range s.Timeline {
		a := &s.Timeline[i]
		id, err := model.ParsePeripheralID(a.Address)
		if err != nil {
			return fmt.Errorf("%w: timeline %d: %v", ErrInvalidScenario, i, err)
		}
		a.Address = string(id)
		switch a.Do {
		case DoConnect, DoDisconnect, DoRelease:
		case DoRead, DoWrite, DoSubscribe:
			if _, err := model.ParseUUID(a.Characteristic); err != nil {
				return fmt.Errorf("%w: timeline %d: %v", ErrInvalidScenario, i, err)
			}
			if _, err := hex.DecodeString(a.Value); err != nil {
				return fmt.Errorf("%w: timeline %d: %v", ErrInvalidScenario, i, err)
			}
		default:
			return fmt.Errorf("%w: timeline %d: unknown action %q", ErrInvalidScenario, i, a.Do)
		}
	}
	sort.SliceStable(s.Timeline, func(i, j int) bool { return s.Timeline[i].At < s.Timeline[j].At })

	if s.Duration <= 0 && len(s.Timeline) > 0 {
		s.Duration = s.Timeline[len(s.Timeline)-1].At + time.Minute
	}
	return nil
}

// checkStatus accepts empty text (success) and every declared status name.
func checkStatus(s string) error {
	if s == "" {
		return nil
	}
	if st := model.ParseStatus(s); st == model.StatusUnknown && strings.ToLower(strings.TrimSpace(s)) != "unknown" {
		return fmt.Errorf("unknown status %q", s)
	}
	return nil
}

func parseProgress(s string) model.Progress {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "link_up":
		return model.ProgressLinkUp
	case "services_resolved":
		return model.ProgressServicesResolved
	default:
		return model.ProgressNone
	}
}

// statusOf maps scenario text to a status; empty text is success.
func statusOf(s string, fallback model.Status) model.Status {
	if s == "" {
		return fallback
	}
	return model.ParseStatus(s)
}
