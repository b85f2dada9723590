package simulated

import (
	"errors"
	"testing"
	"time"
)

const sample = `
name: kitchen
peripherals:
  - address: c0:ff:ee:00:00:01
    name: thermometer
    role: device
    connects:
      - status: out_of_range
      - progress: link_up
    drops:
      - after: 10s
    characteristics:
      "2a19": "64"
    failures:
      bond: bonding_failed
timeline:
  - at: 30s
    do: disconnect
    address: c0:ff:ee:00:00:01
  - at: 0s
    do: connect
    address: c0:ff:ee:00:00:01
  - at: 5s
    do: read
    address: c0:ff:ee:00:00:01
    characteristic: "2a19"
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(sample))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	if s.Name != "kitchen" || len(s.Peripherals) != 1 {
		t.Fatalf("scenario = %+v", s)
	}
	p := s.Peripherals[0]
	if p.Address != "C0:FF:EE:00:00:01" {
		t.Fatalf("address = %q, want canonical form", p.Address)
	}
	if p.ConnectLatency != DefaultConnectLatency || p.OperationLatency != DefaultOperationLatency {
		t.Fatalf("latencies = %v/%v, want defaults", p.ConnectLatency, p.OperationLatency)
	}
	if p.RSSI != DefaultRSSI || p.MaxMTU != DefaultMaxMTU {
		t.Fatalf("rssi/mtu = %d/%d, want defaults", p.RSSI, p.MaxMTU)
	}
	if len(p.Connects) != 2 || p.Connects[0].Status != "out_of_range" || p.Connects[1].Progress != "link_up" {
		t.Fatalf("connects = %+v", p.Connects)
	}
	if len(p.Drops) != 1 || p.Drops[0].After != 10*time.Second {
		t.Fatalf("drops = %+v", p.Drops)
	}
	if v, ok := p.Characteristics["00002a19-0000-1000-8000-00805f9b34fb"]; !ok || v != "64" {
		t.Fatalf("characteristics = %v, want expanded uuid", p.Characteristics)
	}

	var order []time.Duration
	for _, a := range s.Timeline {
		order = append(order, a.At)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 5*time.Second || order[2] != 30*time.Second {
		t.Fatalf("timeline order = %v, want sorted by time", order)
	}
	if s.Duration != 90*time.Second {
		t.Fatalf("duration = %v, want last action plus a minute", s.Duration)
	}
}

func TestParseScenarioRejects(t *testing.T) {
	cases := map[string]string{
		"bad address": `
peripherals:
  - address: nope
`,
		"duplicate": `
peripherals:
  - address: c0:ff:ee:00:00:01
  - address: C0-FF-EE-00-00-01
`,
		"unknown status": `
peripherals:
  - address: c0:ff:ee:00:00:01
    connects:
      - status: exploded
`,
		"unknown progress": `
peripherals:
  - address: c0:ff:ee:00:00:01
    connects:
      - progress: halfway
`,
		"bad hex": `
peripherals:
  - address: c0:ff:ee:00:00:01
    characteristics:
      "2a19": "zz"
`,
		"unknown failure kind": `
peripherals:
  - address: c0:ff:ee:00:00:01
    failures:
      teleport: rejected
`,
		"unknown action": `
timeline:
  - do: dance
    address: c0:ff:ee:00:00:01
`,
		"bad role": `
peripherals:
  - address: c0:ff:ee:00:00:01
    role: toaster
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseScenario([]byte(doc)); !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("err = %v, want ErrInvalidScenario", err)
			}
		})
	}
}

func TestParseScenarioUnknownField(t *testing.T) {
	doc := `
peripherals:
  - address: c0:ff:ee:00:00:01
    conects: []
`
	if _, err := ParseScenario([]byte(doc)); err == nil {
		t.Fatalf("expected an error for a misspelled field")
	}
}

func TestParseScenarioEmpty(t *testing.T) {
	if _, err := ParseScenario(nil); !errors.Is(err, ErrInvalidScenario) {
		t.Fatalf("err = %v, want ErrInvalidScenario", err)
	}
}
