package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-desc

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "streamstory.v1.StreamStory"

// Every method takes and returns a google.protobuf.Struct.
const (
	methodAddRecord    = "AddRecord"
	methodCurrentState = "CurrentState"
	methodFutureStates = "FutureStates"
	methodLevels       = "Levels"
)

// StreamStoryServer is the server side of the service.
type StreamStoryServer interface {
	AddRecord(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CurrentState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FutureStates(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Levels(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamStoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodAddRecord, StreamStoryServer.AddRecord),
		unary(methodCurrentState, StreamStoryServer.CurrentState),
		unary(methodFutureStates, StreamStoryServer.FutureStates),
		unary(methodLevels, StreamStoryServer.Levels),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "streamstory/v1/streamstory.proto",
}

// RegisterStreamStoryServer registers srv with a gRPC server.
func RegisterStreamStoryServer(s grpc.ServiceRegistrar, srv StreamStoryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(StreamStoryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StreamStoryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StreamStoryServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// #endregion service-desc

// #region client-stub

// StreamStoryClient is the client side of the service.
type StreamStoryClient interface {
	AddRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CurrentState(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	FutureStates(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Levels(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type streamStoryClient struct {
	cc grpc.ClientConnInterface
}

// NewStreamStoryClient wraps a connection.
func NewStreamStoryClient(cc grpc.ClientConnInterface) StreamStoryClient {
	return &streamStoryClient{cc: cc}
}

func (c *streamStoryClient) invoke(ctx context.Context, name string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *streamStoryClient) AddRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodAddRecord, in, opts)
}

func (c *streamStoryClient) CurrentState(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCurrentState, in, opts)
}

func (c *streamStoryClient) FutureStates(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodFutureStates, in, opts)
}

func (c *streamStoryClient) Levels(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodLevels, in, opts)
}

// #endregion client-stub
