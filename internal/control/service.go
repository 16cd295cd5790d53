// Package control is the gRPC control plane of the daemon. Messages are
// protobuf well-known types, so the service is declared by hand.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "btlite.control.v1.Control"

// ControlServer is the server API for the Control service
type ControlServer interface {
	Advertise(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	Unadvertise(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	Locate(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	StopDiscovery(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Connect(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Disconnect(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int32Value, error)
	EndpointExit(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	EnsureDiscoverable(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Events(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedControlServer answers every call with codes.Unimplemented
type UnimplementedControlServer struct{}

func (UnimplementedControlServer) Advertise(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Advertise not implemented")
}
func (UnimplementedControlServer) Unadvertise(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Unadvertise not implemented")
}
func (UnimplementedControlServer) Locate(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Locate not implemented")
}
func (UnimplementedControlServer) StopDiscovery(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method StopDiscovery not implemented")
}
func (UnimplementedControlServer) Connect(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Connect not implemented")
}
func (UnimplementedControlServer) Disconnect(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int32Value, error) {
	return nil, status.Error(codes.Unimplemented, "method Disconnect not implemented")
}
func (UnimplementedControlServer) EndpointExit(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method EndpointExit not implemented")
}
func (UnimplementedControlServer) EnsureDiscoverable(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method EnsureDiscoverable not implemented")
}
func (UnimplementedControlServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedControlServer) Events(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Events not implemented")
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor for one request/response call
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func eventsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ControlServer).Events(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the Control service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Advertise", ControlServer.Advertise),
		unary("Unadvertise", ControlServer.Unadvertise),
		unary("Locate", ControlServer.Locate),
		unary("StopDiscovery", ControlServer.StopDiscovery),
		unary("Connect", ControlServer.Connect),
		unary("Disconnect", ControlServer.Disconnect),
		unary("EndpointExit", ControlServer.EndpointExit),
		unary("EnsureDiscoverable", ControlServer.EnsureDiscoverable),
		unary("Status", ControlServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "btlite/control/v1/control.proto",
}

// RegisterControlServer registers srv with s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the Control service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}

// Advertise advertises name
func (c *Client) Advertise(ctx context.Context, name string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	err := c.invoke(ctx, "Advertise", wrapperspb.String(name), out)
	return out.GetValue(), err
}

// Unadvertise removes one advertisement of name
func (c *Client) Unadvertise(ctx context.Context, name string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	err := c.invoke(ctx, "Unadvertise", wrapperspb.String(name), out)
	return out.GetValue(), err
}

// Locate starts discovery for prefix
func (c *Client) Locate(ctx context.Context, prefix string) error {
	return c.invoke(ctx, "Locate", wrapperspb.String(prefix), new(emptypb.Empty))
}

// StopDiscovery drops queued discovery for prefix
func (c *Client) StopDiscovery(ctx context.Context, prefix string) error {
	return c.invoke(ctx, "StopDiscovery", wrapperspb.String(prefix), new(emptypb.Empty))
}

// Connect opens a bridge and returns its endpoint id
func (c *Client) Connect(ctx context.Context, spec string) (string, error) {
	out := new(wrapperspb.StringValue)
	err := c.invoke(ctx, "Connect", wrapperspb.String(spec), out)
	return out.GetValue(), err
}

// Disconnect tears down bridges opened with spec
func (c *Client) Disconnect(ctx context.Context, spec string) (int, error) {
	out := new(wrapperspb.Int32Value)
	err := c.invoke(ctx, "Disconnect", wrapperspb.String(spec), out)
	return int(out.GetValue()), err
}

// EndpointExit tears down one bridge
func (c *Client) EndpointExit(ctx context.Context, id string) error {
	return c.invoke(ctx, "EndpointExit", wrapperspb.String(id), new(emptypb.Empty))
}

// EnsureDiscoverable makes the daemon's radio visible
func (c *Client) EnsureDiscoverable(ctx context.Context) error {
	return c.invoke(ctx, "EnsureDiscoverable", new(emptypb.Empty), new(emptypb.Empty))
}

// Status returns the daemon status
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events streams recent and then live daemon events
func (c *Client) Events(ctx context.Context) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Events"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(new(emptypb.Empty)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
