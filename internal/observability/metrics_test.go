package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/blecentral/model"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/blecentral.v1.CentralService/Connect"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("CentralService", "Connect", "OK")); got != 1 {
		t.Fatalf("control_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "control_request_duration_seconds", map[string]string{
		"service": "CentralService",
		"method":  "Connect",
	}); count != 1 {
		t.Fatalf("control_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/blecentral.v1.CentralService/Read"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.FailedPrecondition, "not connected")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("CentralService", "Read", "FailedPrecondition")); got != 1 {
		t.Fatalf("control_requests_total error label = %v, want 1", got)
	}
}

func TestStreamInterceptorTracksWatchers(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}

	interceptor := collector.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/blecentral.v1.CentralService/WatchStates", IsServerStream: true}
	err = interceptor(nil, nil, info, func(srv interface{}, ss grpc.ServerStream) error {
		if got := testutil.ToFloat64(collector.Watchers); got != 1 {
			t.Errorf("control_state_watchers during stream = %v, want 1", got)
		}
		return status.Error(codes.Canceled, "client went away")
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("stream error = %v, want Canceled", err)
	}
	if got := testutil.ToFloat64(collector.Watchers); got != 0 {
		t.Fatalf("control_state_watchers after stream = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("CentralService", "WatchStates", "Canceled")); got != 1 {
		t.Fatalf("control_requests_total stream = %v, want 1", got)
	}
}

func TestEngineCollectorRecordsEngineEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}

	c.TaskFinished(model.OpConnect, "ok", 300*time.Millisecond)
	c.TaskFinished(model.OpRead, "superseded", 0)
	c.QueueChanged(4, 2)
	c.StateTransition(model.StateConnected, model.StateReconnectingShortTerm)
	c.PeripheralStates(map[model.State]int{model.StateConnected: 2, model.StateDisconnected: 1})
	c.Directive("should_try_again", "retry_instantly")
	c.IncNotificationsDropped()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"tasks ok", testutil.ToFloat64(c.TasksTotal.WithLabelValues("connect", "ok")), 1},
		{"tasks superseded", testutil.ToFloat64(c.TasksTotal.WithLabelValues("read", "superseded")), 1},
		{"queue depth", testutil.ToFloat64(c.QueueDepth), 4},
		{"in flight", testutil.ToFloat64(c.InFlight), 2},
		{"transitions", testutil.ToFloat64(c.StateTransitions.WithLabelValues("connected", "reconnecting_short_term")), 1},
		{"connected", testutil.ToFloat64(c.Peripherals.WithLabelValues("connected")), 2},
		{"disconnected", testutil.ToFloat64(c.Peripherals.WithLabelValues("disconnected")), 1},
		{"directives", testutil.ToFloat64(c.Directives.WithLabelValues("should_try_again", "retry_instantly")), 1},
		{"dropped", testutil.ToFloat64(c.NotificationsDropped), 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	// Zero in-flight durations are not observed.
	if count := histogramSampleCount(t, reg, "ble_task_duration_seconds", map[string]string{"kind": "read"}); count != 0 {
		t.Fatalf("read duration samples = %d, want 0", count)
	}
	if count := histogramSampleCount(t, reg, "ble_task_duration_seconds", map[string]string{"kind": "connect"}); count != 1 {
		t.Fatalf("connect duration samples = %d, want 1", count)
	}
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	second, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("second NewEngineCollector: %v", err)
	}
	first.Directive("should_continue", "persist")
	if got := testutil.ToFloat64(second.Directives.WithLabelValues("should_continue", "persist")); got != 1 {
		t.Fatalf("re-registered collector does not share series: %v", got)
	}
}

func TestNilEngineCollectorIsSafe(t *testing.T) {
	var c *EngineCollector
	c.TaskFinished(model.OpRead, "ok", time.Second)
	c.QueueChanged(1, 1)
	c.StateTransition(model.StateConnecting, model.StateConnected)
	c.PeripheralStates(map[model.State]int{model.StateConnected: 1})
	c.Directive("should_continue", "persist")
	c.IncNotificationsDropped()
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	control, err := NewControlCollector(reg)
	if err != nil {
		t.Fatalf("NewControlCollector: %v", err)
	}
	engine.PeripheralStates(map[model.State]int{model.StateConnected: 3})
	engine.TaskFinished(model.OpWrite, "ok", time.Millisecond)
	control.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	control.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"control_requests_total",
		"ble_tasks_total",
		"ble_task_duration_seconds",
		`ble_peripherals{state="connected"} 3`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"/blecentral.v1.CentralService/Connect": {"CentralService", "Connect"},
		"":                                      {"unknown", "unknown"},
		"Connect":                               {"unknown", "unknown"},
		"/svc/":                                 {"svc", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %s/%s, want %s/%s", in, service, method, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
