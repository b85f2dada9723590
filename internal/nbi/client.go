package nbi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a typed client of the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection to a blecentrald control endpoint.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Connect asks the engine to connect and returns the resulting view.
func (c *Client) Connect(ctx context.Context, req ConnectRequest, opts ...grpc.CallOption) (Peripheral, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodConnect, req.toProto(), out, opts...); err != nil {
		return Peripheral{}, err
	}
	return PeripheralFromProto(out)
}

func (c *Client) Disconnect(ctx context.Context, address string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodDisconnect, wrapperspb.String(address), new(emptypb.Empty), opts...)
}

func (c *Client) Release(ctx context.Context, address string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodRelease, wrapperspb.String(address), new(emptypb.Empty), opts...)
}

// Read returns the value of one characteristic.
func (c *Client) Read(ctx context.Context, address, service, characteristic string, opts ...grpc.CallOption) ([]byte, error) {
	req := CharacteristicRequest{Address: address, Service: service, Characteristic: characteristic}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodRead, req.toProto(), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Write writes one characteristic.
func (c *Client) Write(ctx context.Context, address, service, characteristic string, value []byte, withResponse bool, opts ...grpc.CallOption) error {
	if value == nil {
		value = []byte{}
	}
	req := CharacteristicRequest{
		Address:        address,
		Service:        service,
		Characteristic: characteristic,
		Value:          value,
		WithResponse:   withResponse,
	}
	return c.cc.Invoke(ctx, MethodWrite, req.toProto(), new(emptypb.Empty), opts...)
}

func (c *Client) GetPeripheral(ctx context.Context, address string, opts ...grpc.CallOption) (Peripheral, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetPeripheral, wrapperspb.String(address), out, opts...); err != nil {
		return Peripheral{}, err
	}
	return PeripheralFromProto(out)
}

// ListPeripherals returns every peripheral the engine knows.
func (c *Client) ListPeripherals(ctx context.Context, opts ...grpc.CallOption) ([]Peripheral, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, MethodListPeripherals, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	views := make([]Peripheral, 0, len(out.GetValues()))
	for i, v := range out.GetValues() {
		p, err := PeripheralFromProto(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("peripheral %d: %w", i, err)
		}
		views = append(views, p)
	}
	return views, nil
}

// WatchStates opens the notification stream. The stream ends when ctx is
// canceled.
func (c *Client) WatchStates(ctx context.Context, opts ...grpc.CallOption) (*WatchStream, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, MethodWatchStates, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(new(emptypb.Empty)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}

// WatchStream is the client side of WatchStates.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *WatchStream) Recv() (WatchEvent, error) {
	msg := new(structpb.Struct)
	if err := w.stream.RecvMsg(msg); err != nil {
		return WatchEvent{}, err
	}
	return WatchEventFromProto(msg)
}
