package nbi

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/notify"
	"github.com/signalsfoundry/blecentral/model"
)

// Messages on the control API are protobuf Structs. The types below are
// their Go forms; the field names are the Struct keys.

// ConnectRequest asks the engine to connect to a peripheral.
type ConnectRequest struct {
	Address     string
	Name        string
	Role        string
	AutoConnect *bool
	Policy      string
	// Wait blocks the call until the peripheral is connected or the policy
	// gives up.
	Wait bool
}

// CharacteristicRequest addresses one characteristic, for reads and writes.
type CharacteristicRequest struct {
	Address        string
	Service        string
	Characteristic string
	// Value and WithResponse are used by Write only.
	Value        []byte
	WithResponse bool
}

// Peripheral is the wire view of one peripheral.
type Peripheral struct {
	Address           string
	Name              string
	Role              string
	State             string
	AutoConnect       bool
	ConnectFailures   int
	ShortTermFailures int
	LongTermFailures  int
	LastStatus        string
	Pending           int
	InFlight          string
	CustomPolicy      bool
	EpisodeStart      time.Time
}

// PeripheralFromSnapshot builds the wire view of an engine snapshot.
func PeripheralFromSnapshot(s central.Snapshot, name string) Peripheral {
	p := Peripheral{
		Address:           string(s.Peripheral),
		Name:              name,
		Role:              s.Role.String(),
		State:             s.State.String(),
		AutoConnect:       s.AutoConnect,
		ConnectFailures:   s.ConnectFailures,
		ShortTermFailures: s.ShortTermFailures,
		LongTermFailures:  s.LongTermFailures,
		LastStatus:        s.LastStatus.String(),
		Pending:           s.Pending,
		CustomPolicy:      s.CustomPolicy,
		EpisodeStart:      s.EpisodeStart,
	}
	if s.InFlight != model.OpUnknown {
		p.InFlight = s.InFlight.String()
	}
	return p
}

func (r ConnectRequest) toProto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"address": structpb.NewStringValue(r.Address),
		"wait":    structpb.NewBoolValue(r.Wait),
	}
	putString(fields, "name", r.Name)
	putString(fields, "role", r.Role)
	putString(fields, "policy", r.Policy)
	if r.AutoConnect != nil {
		fields["auto_connect"] = structpb.NewBoolValue(*r.AutoConnect)
	}
	return &structpb.Struct{Fields: fields}
}

func connectRequestFromProto(s *structpb.Struct) (ConnectRequest, error) {
	r := ConnectRequest{
		Address: stringField(s, "address"),
		Name:    stringField(s, "name"),
		Role:    stringField(s, "role"),
		Policy:  stringField(s, "policy"),
	}
	if v, ok := boolField(s, "auto_connect"); ok {
		r.AutoConnect = &v
	}
	r.Wait, _ = boolField(s, "wait")
	if r.Address == "" {
		return r, fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	return r, nil
}

func (r CharacteristicRequest) toProto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"address":        structpb.NewStringValue(r.Address),
		"characteristic": structpb.NewStringValue(r.Characteristic),
	}
	putString(fields, "service", r.Service)
	if r.Value != nil {
		fields["value"] = structpb.NewStringValue(hex.EncodeToString(r.Value))
		fields["with_response"] = structpb.NewBoolValue(r.WithResponse)
	}
	return &structpb.Struct{Fields: fields}
}

func characteristicRequestFromProto(s *structpb.Struct, write bool) (CharacteristicRequest, error) {
	r := CharacteristicRequest{
		Address:        stringField(s, "address"),
		Service:        stringField(s, "service"),
		Characteristic: stringField(s, "characteristic"),
		WithResponse:   true,
	}
	if r.Address == "" {
		return r, fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if r.Characteristic == "" {
		return r, fmt.Errorf("%w: characteristic is required", ErrInvalidRequest)
	}
	if !write {
		return r, nil
	}
	raw := stringField(s, "value")
	data, err := hex.DecodeString(raw)
	if err != nil {
		return r, fmt.Errorf("%w: value must be hex: %v", ErrInvalidRequest, err)
	}
	r.Value = data
	if v, ok := boolField(s, "with_response"); ok {
		r.WithResponse = v
	}
	return r, nil
}

// ToProto converts the view to its wire form.
func (p Peripheral) ToProto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"address":             structpb.NewStringValue(p.Address),
		"role":                structpb.NewStringValue(p.Role),
		"state":               structpb.NewStringValue(p.State),
		"auto_connect":        structpb.NewBoolValue(p.AutoConnect),
		"connect_failures":    structpb.NewNumberValue(float64(p.ConnectFailures)),
		"short_term_failures": structpb.NewNumberValue(float64(p.ShortTermFailures)),
		"long_term_failures":  structpb.NewNumberValue(float64(p.LongTermFailures)),
		"last_status":         structpb.NewStringValue(p.LastStatus),
		"pending":             structpb.NewNumberValue(float64(p.Pending)),
		"custom_policy":       structpb.NewBoolValue(p.CustomPolicy),
	}
	putString(fields, "name", p.Name)
	putString(fields, "in_flight", p.InFlight)
	if !p.EpisodeStart.IsZero() {
		fields["episode_start"] = structpb.NewStringValue(p.EpisodeStart.UTC().Format(time.RFC3339Nano))
	}
	return &structpb.Struct{Fields: fields}
}

// PeripheralFromProto parses the wire form of a peripheral.
func PeripheralFromProto(s *structpb.Struct) (Peripheral, error) {
	p := Peripheral{
		Address:           stringField(s, "address"),
		Name:              stringField(s, "name"),
		Role:              stringField(s, "role"),
		State:             stringField(s, "state"),
		ConnectFailures:   intField(s, "connect_failures"),
		ShortTermFailures: intField(s, "short_term_failures"),
		LongTermFailures:  intField(s, "long_term_failures"),
		LastStatus:        stringField(s, "last_status"),
		Pending:           intField(s, "pending"),
		InFlight:          stringField(s, "in_flight"),
	}
	p.AutoConnect, _ = boolField(s, "auto_connect")
	p.CustomPolicy, _ = boolField(s, "custom_policy")
	if raw := stringField(s, "episode_start"); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return p, fmt.Errorf("episode_start: %w", err)
		}
		p.EpisodeStart = at
	}
	if p.Address == "" {
		return p, fmt.Errorf("%w: peripheral without address", ErrInvalidRequest)
	}
	return p, nil
}

// eventToProto converts a fanout event to the WatchStates wire form. The
// "type" key matches the websocket envelope.
func eventToProto(ev notify.Event) *structpb.Struct {
	switch {
	case ev.Change != nil:
		sp := notify.NewStatePayload(*ev.Change)
		fields := map[string]*structpb.Value{
			"type":       structpb.NewStringValue(notify.TypeStateChange),
			"peripheral": structpb.NewStringValue(sp.Peripheral),
			"old":        structpb.NewStringValue(sp.Old),
			"new":        structpb.NewStringValue(sp.New),
			"reason":     structpb.NewStringValue(sp.Reason),
			"terminal":   structpb.NewBoolValue(sp.Terminal),
			"at":         structpb.NewStringValue(sp.At.UTC().Format(time.RFC3339Nano)),
		}
		if f := sp.Failure; f != nil {
			fields["failure"] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"kind":          structpb.NewStringValue(f.Kind),
				"status":        structpb.NewStringValue(f.Status),
				"timing":        structpb.NewStringValue(f.Timing),
				"failure_count": structpb.NewNumberValue(float64(f.FailureCount)),
			}})
		}
		return &structpb.Struct{Fields: fields}
	case ev.Value != nil:
		vp := notify.NewValuePayload(*ev.Value)
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"type":           structpb.NewStringValue(notify.TypeValue),
			"peripheral":     structpb.NewStringValue(vp.Peripheral),
			"characteristic": structpb.NewStringValue(vp.Characteristic),
			"value":          structpb.NewStringValue(vp.Value),
			"at":             structpb.NewStringValue(vp.At.UTC().Format(time.RFC3339Nano)),
		}}
	default:
		return nil
	}
}

// WatchEvent is one message of the WatchStates stream. Exactly one of
// State and Value is set.
type WatchEvent struct {
	State *notify.StatePayload
	Value *notify.ValuePayload
}

// WatchEventFromProto parses a WatchStates message.
func WatchEventFromProto(s *structpb.Struct) (WatchEvent, error) {
	at, _ := time.Parse(time.RFC3339Nano, stringField(s, "at"))
	switch typ := stringField(s, "type"); typ {
	case notify.TypeStateChange:
		sp := &notify.StatePayload{
			Peripheral: stringField(s, "peripheral"),
			Old:        stringField(s, "old"),
			New:        stringField(s, "new"),
			Reason:     stringField(s, "reason"),
			At:         at,
		}
		sp.Terminal, _ = boolField(s, "terminal")
		if f := s.GetFields()["failure"].GetStructValue(); f != nil {
			sp.Failure = &notify.FailurePayload{
				Kind:         stringField(f, "kind"),
				Status:       stringField(f, "status"),
				Timing:       stringField(f, "timing"),
				FailureCount: intField(f, "failure_count"),
			}
		}
		return WatchEvent{State: sp}, nil
	case notify.TypeValue:
		return WatchEvent{Value: &notify.ValuePayload{
			Peripheral:     stringField(s, "peripheral"),
			Characteristic: stringField(s, "characteristic"),
			Value:          stringField(s, "value"),
			At:             at,
		}}, nil
	default:
		return WatchEvent{}, fmt.Errorf("unknown watch event type %q", typ)
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) (bool, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return false, false
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, false
	}
	return b.BoolValue, true
}

func intField(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func putString(fields map[string]*structpb.Value, key, value string) {
	if value != "" {
		fields[key] = structpb.NewStringValue(value)
	}
}
