package nbi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/notify"
	"github.com/signalsfoundry/blecentral/internal/sbi/simulated"
	"github.com/signalsfoundry/blecentral/kb"
	"github.com/signalsfoundry/blecentral/model"
)

const (
	healthy  = "C0:FF:EE:00:00:01"
	offline  = "C0:FF:EE:00:00:02"
	battery  = "00002a19-0000-1000-8000-00805f9b34fb"
	scenario = `
peripherals:
  - address: c0:ff:ee:00:00:01
    name: thermometer
    connect_latency: 5ms
    operation_latency: 1ms
    characteristics:
      "2a19": "64"
  - address: c0:ff:ee:00:00:02
    connect_latency: 5ms
    connects:
      - status: transport_off
`
)

type harness struct {
	client  *Client
	engine  *central.Engine
	catalog *kb.Catalog
	fanout  *notify.Fanout
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := simulated.ParseScenario([]byte(scenario))
	require.NoError(t, err)

	loop := dispatch.NewLoop(nil)
	tr := simulated.New(s, loop)
	fanout := notify.NewFanout(notify.WithBuffer(64))
	engine := central.New(tr,
		central.WithDispatcher(loop),
		central.WithListener(fanout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	engine.Start(ctx)

	catalog := kb.NewCatalog()
	svc := NewCentralService(engine, catalog, fanout, logging.Noop())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RequestIDUnaryServerInterceptor(nil), TracingUnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(RequestIDStreamServerInterceptor(nil)),
	)
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		fanout.Close()
		engine.Stop()
		_ = tr.Close()
		cancel()
		loop.Stop()
	})
	return &harness{client: NewClient(conn), engine: engine, catalog: catalog, fanout: fanout}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectWaitsForConnection(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	view, err := h.client.Connect(ctx, ConnectRequest{Address: "c0-ff-ee-00-00-01", Name: "thermometer", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, healthy, view.Address)
	assert.Equal(t, "connected", view.State)
	assert.Equal(t, "thermometer", view.Name)
	assert.Equal(t, "device", view.Role)

	entry, ok := h.catalog.Get(healthy)
	require.True(t, ok, "connect should add the peripheral to the catalog")
	assert.Equal(t, "thermometer", entry.Name)
}

func TestConnectWithoutWaitReturnsConnecting(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	view, err := h.client.Connect(ctx, ConnectRequest{Address: healthy})
	require.NoError(t, err)
	assert.Equal(t, "connecting", view.State)

	require.NoError(t, h.engine.AwaitState(ctx, healthy, model.StateConnected))
}

func TestConnectReportsPolicyFailure(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.client.Connect(ctx, ConnectRequest{Address: offline, Wait: true})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	view, err := h.client.GetPeripheral(ctx, offline)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", view.State)
	assert.Equal(t, "transport_off", view.LastStatus)
}

func TestConnectRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	tests := []struct {
		name string
		req  ConnectRequest
	}{
		{name: "missing address", req: ConnectRequest{}},
		{name: "bad address", req: ConnectRequest{Address: "not-a-mac"}},
		{name: "bad role", req: ConnectRequest{Address: healthy, Role: "toaster"}},
		{name: "bad policy", req: ConnectRequest{Address: healthy, Policy: "sometimes"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.client.Connect(ctx, tc.req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "err = %v", err)
		})
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.client.Connect(ctx, ConnectRequest{Address: healthy, Wait: true})
	require.NoError(t, err)

	got, err := h.client.Read(ctx, healthy, "", "2A19")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x64}, got)

	require.NoError(t, h.client.Write(ctx, healthy, "", battery, []byte{0x32}, true))

	got, err = h.client.Read(ctx, healthy, "", battery)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x32}, got)
}

func TestReadErrors(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.client.Read(ctx, healthy, "", battery)
	assert.Equal(t, codes.NotFound, status.Code(err), "unknown peripheral: %v", err)

	_, err = h.client.Connect(ctx, ConnectRequest{Address: healthy})
	require.NoError(t, err)
	require.NoError(t, h.client.Disconnect(ctx, healthy))

	_, err = h.client.Read(ctx, healthy, "", battery)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "disconnected peripheral: %v", err)

	_, err = h.client.Read(ctx, healthy, "", "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "missing characteristic: %v", err)
}

func TestListAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.client.Connect(ctx, ConnectRequest{Address: offline})
	require.NoError(t, err)
	_, err = h.client.Connect(ctx, ConnectRequest{Address: healthy, Wait: true})
	require.NoError(t, err)

	views, err := h.client.ListPeripherals(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, healthy, views[0].Address)
	assert.Equal(t, offline, views[1].Address)

	require.NoError(t, h.client.Release(ctx, healthy))

	_, err = h.client.GetPeripheral(ctx, healthy)
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, ok := h.catalog.Get(healthy)
	assert.False(t, ok, "release should forget the catalog entry")

	views, err = h.client.ListPeripherals(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestWatchStatesStreamsTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	stream, err := h.client.WatchStates(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fanout.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.client.Connect(ctx, ConnectRequest{Address: healthy})
	require.NoError(t, err)

	var states []string
	for len(states) < 2 {
		ev, err := stream.Recv()
		require.NoError(t, err)
		if ev.State == nil {
			continue
		}
		assert.Equal(t, healthy, ev.State.Peripheral)
		states = append(states, ev.State.New)
	}
	assert.Equal(t, []string{"connecting", "connected"}, states)
}

func TestWatchStatesWithoutWatcher(t *testing.T) {
	svc := NewCentralService(nil, nil, nil, nil)
	err := svc.WatchStates(nil, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestRequestIDPropagatesFromMetadata(t *testing.T) {
	var got string
	interceptor := RequestIDUnaryServerInterceptor(logging.Noop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: MethodConnect}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		got = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", got)
}

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	var got string
	interceptor := RequestIDUnaryServerInterceptor(nil)
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: MethodRead}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		got = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestServiceWithoutEngine(t *testing.T) {
	svc := NewCentralService(nil, nil, nil, nil)
	_, err := svc.ListPeripherals(context.Background(), nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
