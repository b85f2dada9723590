// Package nbi exposes the connection engine over gRPC. The service is
// registered from a hand-written descriptor whose messages are protobuf
// well-known types, so no generated code is needed on either side.
package nbi

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/notify"
	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/kb"
	"github.com/signalsfoundry/blecentral/model"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "blecentral.v1.CentralService"

// Full method names.
const (
	MethodConnect         = "/" + ServiceName + "/Connect"
	MethodDisconnect      = "/" + ServiceName + "/Disconnect"
	MethodRelease         = "/" + ServiceName + "/Release"
	MethodRead            = "/" + ServiceName + "/Read"
	MethodWrite           = "/" + ServiceName + "/Write"
	MethodGetPeripheral   = "/" + ServiceName + "/GetPeripheral"
	MethodListPeripherals = "/" + ServiceName + "/ListPeripherals"
	MethodWatchStates     = "/" + ServiceName + "/WatchStates"
)

// CentralServer is the server API of the control service.
type CentralServer interface {
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Release(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Read(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Write(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetPeripheral(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListPeripherals(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	WatchStates(*emptypb.Empty, StateStream) error
}

// StateStream is the server side of WatchStates.
type StateStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

// Engine is the part of central.Engine the service drives.
type Engine interface {
	Connect(ctx context.Context, id model.PeripheralID, opts central.ConnectOptions) error
	Disconnect(ctx context.Context, id model.PeripheralID) error
	Release(ctx context.Context, id model.PeripheralID) error
	Read(ctx context.Context, id model.PeripheralID, service, characteristic string) ([]byte, error)
	Write(ctx context.Context, id model.PeripheralID, service, characteristic string, data []byte, withResponse bool) error
	State(ctx context.Context, id model.PeripheralID) (central.Snapshot, error)
	Snapshots(ctx context.Context) ([]central.Snapshot, error)
}

// Watcher streams engine events; notify.Fanout implements it.
type Watcher interface {
	Watch(ctx context.Context) <-chan notify.Event
}

// CentralService implements CentralServer over a connection engine.
type CentralService struct {
	engine    Engine
	catalog   *kb.Catalog
	watcher   Watcher
	policyCfg policy.Config
	log       logging.Logger
}

// ServiceOption configures a CentralService.
type ServiceOption func(*CentralService)

// WithPolicyConfig sets the constants named policies are built with.
func WithPolicyConfig(cfg policy.Config) ServiceOption {
	return func(s *CentralService) { s.policyCfg = cfg }
}

// NewCentralService constructs the service. catalog may be nil.
func NewCentralService(engine Engine, catalog *kb.Catalog, watcher Watcher, log logging.Logger, opts ...ServiceOption) *CentralService {
	if log == nil {
		log = logging.Noop()
	}
	if catalog == nil {
		catalog = kb.NewCatalog()
	}
	s := &CentralService{
		engine:    engine,
		catalog:   catalog,
		watcher:   watcher,
		policyCfg: policy.DefaultConfig(),
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the service on a gRPC server.
func Register(s grpc.ServiceRegistrar, srv CentralServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *CentralService) ensureReady() error {
	if s == nil || s.engine == nil {
		return status.Error(codes.FailedPrecondition, "engine not initialised")
	}
	return nil
}

// Connect registers the peripheral in the catalog if needed and starts a
// connect episode. With wait set it returns once the peripheral is
// connected or the policy gave up.
func (s *CentralService) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	req, err := connectRequestFromProto(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := model.ParsePeripheralID(req.Address)
	if err != nil {
		return nil, ToStatusError(err)
	}

	entry, known := s.catalog.Get(id)
	if !known {
		entry = kb.Entry{ID: id}
	}
	if req.Name != "" {
		entry.Name = req.Name
	}
	if req.Role != "" {
		role, err := model.ParseRole(req.Role)
		if err != nil {
			return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		}
		entry.Role = role
	}
	if req.AutoConnect != nil {
		entry.AutoConnect = req.AutoConnect
	}
	if req.Policy != "" {
		entry.Policy = req.Policy
	}
	opts, err := entry.RegisterOptions(s.policyCfg)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if _, err := s.catalog.Upsert(entry); err != nil {
		return nil, ToStatusError(err)
	}

	log := logging.LoggerFromContext(ctx)
	ctx, span := StartChildSpan(ctx, "control.connect", string(id))
	defer span.End()

	var events <-chan notify.Event
	if req.Wait && s.watcher != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events = s.watcher.Watch(watchCtx)
	}

	if err := s.engine.Connect(ctx, id, central.ConnectOptions{RegisterOptions: opts}); err != nil {
		return nil, ToStatusError(err)
	}
	log.Info(ctx, "connect requested", logging.Peripheral(string(id)), logging.Bool("wait", req.Wait))

	snap, err := s.engine.State(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if events != nil && snap.State != model.StateConnected {
		if err := awaitConnected(ctx, id, events); err != nil {
			span.RecordError(err)
			return nil, ToStatusError(err)
		}
		if snap, err = s.engine.State(ctx, id); err != nil {
			return nil, ToStatusError(err)
		}
	}
	return PeripheralFromSnapshot(snap, entry.Name).ToProto(), nil
}

// awaitConnected consumes events until id is connected or its episode
// ends.
func awaitConnected(ctx context.Context, id model.PeripheralID, events <-chan notify.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return central.ErrEngineStopped
			}
			c := ev.Change
			if c == nil || c.Peripheral != id {
				continue
			}
			if c.New == model.StateConnected {
				return nil
			}
			if c.Terminal && c.New == model.StateDisconnected {
				if c.Failure != nil {
					return c.Failure
				}
				return fmt.Errorf("%w: %s disconnected (%s)", central.ErrNotConnected, id, c.Reason)
			}
		}
	}
}

// Disconnect tears the connection down.
func (s *CentralService) Disconnect(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := addressOf(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.engine.Disconnect(ctx, id); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Release disconnects the peripheral, cancels its work and forgets it in
// both the engine and the catalog.
func (s *CentralService) Release(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := addressOf(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.engine.Release(ctx, id); err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.catalog.Remove(id); err != nil && !errors.Is(err, kb.ErrNotFound) {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Read reads one characteristic.
func (s *CentralService) Read(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	req, err := characteristicRequestFromProto(in, false)
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := model.ParsePeripheralID(req.Address)
	if err != nil {
		return nil, ToStatusError(err)
	}
	data, err := s.engine.Read(ctx, id, req.Service, req.Characteristic)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.Bytes(data), nil
}

// Write writes one characteristic.
func (s *CentralService) Write(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	req, err := characteristicRequestFromProto(in, true)
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := model.ParsePeripheralID(req.Address)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.engine.Write(ctx, id, req.Service, req.Characteristic, req.Value, req.WithResponse); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// GetPeripheral returns the state of one peripheral.
func (s *CentralService) GetPeripheral(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := addressOf(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	snap, err := s.engine.State(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	entry, _ := s.catalog.Get(id)
	return PeripheralFromSnapshot(snap, entry.Name).ToProto(), nil
}

// ListPeripherals returns every peripheral the engine knows, ordered by
// address.
func (s *CentralService) ListPeripherals(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	snaps, err := s.engine.Snapshots(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(snaps))}
	for _, snap := range snaps {
		entry, _ := s.catalog.Get(snap.Peripheral)
		out.Values = append(out.Values, structpb.NewStructValue(PeripheralFromSnapshot(snap, entry.Name).ToProto()))
	}
	return out, nil
}

// WatchStates streams state changes and subscription values until the
// client goes away.
func (s *CentralService) WatchStates(_ *emptypb.Empty, stream StateStream) error {
	if s == nil || s.watcher == nil {
		return status.Error(codes.FailedPrecondition, "state notifications not configured")
	}
	ctx := stream.Context()
	log := logging.LoggerFromContext(ctx)
	log.Debug(ctx, "state watcher attached")
	defer log.Debug(ctx, "state watcher detached")

	for ev := range s.watcher.Watch(ctx) {
		msg := eventToProto(ev)
		if msg == nil {
			continue
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return ToStatusError(err)
	}
	return nil
}

func addressOf(in *wrapperspb.StringValue) (model.PeripheralID, error) {
	if in.GetValue() == "" {
		return "", fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	return model.ParsePeripheralID(in.GetValue())
}

// ServiceDesc describes CentralService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CentralServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: unaryHandler(MethodConnect, CentralServer.Connect)},
		{MethodName: "Disconnect", Handler: unaryHandler(MethodDisconnect, CentralServer.Disconnect)},
		{MethodName: "Release", Handler: unaryHandler(MethodRelease, CentralServer.Release)},
		{MethodName: "Read", Handler: unaryHandler(MethodRead, CentralServer.Read)},
		{MethodName: "Write", Handler: unaryHandler(MethodWrite, CentralServer.Write)},
		{MethodName: "GetPeripheral", Handler: unaryHandler(MethodGetPeripheral, CentralServer.GetPeripheral)},
		{MethodName: "ListPeripherals", Handler: unaryHandler(MethodListPeripherals, CentralServer.ListPeripherals)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchStates", Handler: watchStatesHandler, ServerStreams: true},
	},
	Metadata: "blecentral/v1/central.proto",
}

// unaryHandler adapts a CentralServer method expression to a
// grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any, PReq interface {
	*Req
}](fullMethod string, call func(CentralServer, context.Context, PReq) (Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CentralServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CentralServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchStatesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CentralServer).WatchStates(in, &stateStream{stream})
}

type stateStream struct {
	grpc.ServerStream
}

func (s *stateStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}
