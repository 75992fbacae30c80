package grpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/odvcencio/ensync/pkg/protocol"
)

const serviceName = "ensync.v1.EnSyncService"

// EnSyncServiceServer is the node side of the service.
type EnSyncServiceServer interface {
	Connect(context.Context, *protocol.ConnectRequest) (*protocol.ConnectResponse, error)
	Publish(context.Context, *protocol.PublishRequest) (*protocol.PublishResponse, error)
	Subscribe(*protocol.SubscribeRequest, EnSyncService_SubscribeServer) error
	Unsubscribe(context.Context, *protocol.UnsubscribeRequest) (*protocol.Empty, error)
	Ack(context.Context, *protocol.AckRequest) (*protocol.Empty, error)
	Defer(context.Context, *protocol.DeferRequest) (*protocol.DeferResponse, error)
	Discard(context.Context, *protocol.DiscardRequest) (*protocol.Empty, error)
	Replay(context.Context, *protocol.ReplayRequest) (*protocol.EventMessage, error)
	Heartbeat(context.Context, *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
}

// EnSyncService_SubscribeServer is the server half of the Subscribe stream.
type EnSyncService_SubscribeServer interface {
	Send(*protocol.EventMessage) error
	grpc.ServerStream
}

// EnSyncServiceClient is the client stub.
type EnSyncServiceClient interface {
	Connect(ctx context.Context, in *protocol.ConnectRequest, opts ...grpc.CallOption) (*protocol.ConnectResponse, error)
	Publish(ctx context.Context, in *protocol.PublishRequest, opts ...grpc.CallOption) (*protocol.PublishResponse, error)
	Subscribe(ctx context.Context, in *protocol.SubscribeRequest, opts ...grpc.CallOption) (EnSyncService_SubscribeClient, error)
	Unsubscribe(ctx context.Context, in *protocol.UnsubscribeRequest, opts ...grpc.CallOption) (*protocol.Empty, error)
	Ack(ctx context.Context, in *protocol.AckRequest, opts ...grpc.CallOption) (*protocol.Empty, error)
	Defer(ctx context.Context, in *protocol.DeferRequest, opts ...grpc.CallOption) (*protocol.DeferResponse, error)
	Discard(ctx context.Context, in *protocol.DiscardRequest, opts ...grpc.CallOption) (*protocol.Empty, error)
	Replay(ctx context.Context, in *protocol.ReplayRequest, opts ...grpc.CallOption) (*protocol.EventMessage, error)
	Heartbeat(ctx context.Context, in *protocol.HeartbeatRequest, opts ...grpc.CallOption) (*protocol.HeartbeatResponse, error)
}

// EnSyncService_SubscribeClient is the client half of the Subscribe stream.
type EnSyncService_SubscribeClient interface {
	Recv() (*protocol.EventMessage, error)
	grpc.ClientStream
}

// FullMethod returns the gRPC method path, e.g. "/ensync.v1.EnSyncService/Connect".
func FullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// RegisterEnSyncServiceServer registers service handlers.
func RegisterEnSyncServiceServer(s grpc.ServiceRegistrar, srv EnSyncServiceServer) {
	s.RegisterService(&EnSyncService_ServiceDesc, srv)
}

// unaryHandler adapts a typed server method into a grpc.MethodHandler.
func unaryHandler[Req, Resp any](method string, call func(EnSyncServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EnSyncServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EnSyncServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _EnSyncService_Subscribe_Handler(srv any, stream grpc.ServerStream) error {
	in := new(protocol.SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EnSyncServiceServer).Subscribe(in, &subscribeServer{stream})
}

type subscribeServer struct {
	grpc.ServerStream
}

func (x *subscribeServer) Send(m *protocol.EventMessage) error {
	return x.ServerStream.SendMsg(m)
}

// EnSyncService_ServiceDesc describes the service for grpc.Server.
var EnSyncService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EnSyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: unaryHandler("Connect", EnSyncServiceServer.Connect)},
		{MethodName: "Publish", Handler: unaryHandler("Publish", EnSyncServiceServer.Publish)},
		{MethodName: "Unsubscribe", Handler: unaryHandler("Unsubscribe", EnSyncServiceServer.Unsubscribe)},
		{MethodName: "Ack", Handler: unaryHandler("Ack", EnSyncServiceServer.Ack)},
		{MethodName: "Defer", Handler: unaryHandler("Defer", EnSyncServiceServer.Defer)},
		{MethodName: "Discard", Handler: unaryHandler("Discard", EnSyncServiceServer.Discard)},
		{MethodName: "Replay", Handler: unaryHandler("Replay", EnSyncServiceServer.Replay)},
		{MethodName: "Heartbeat", Handler: unaryHandler("Heartbeat", EnSyncServiceServer.Heartbeat)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       _EnSyncService_Subscribe_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "ensync_v1",
}

type enSyncServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewEnSyncServiceClient builds a client stub over cc. Callers must select the
// JSON codec, for example with grpc.CallContentSubtype(CodecName).
func NewEnSyncServiceClient(cc grpc.ClientConnInterface) EnSyncServiceClient {
	return &enSyncServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *enSyncServiceClient) Connect(ctx context.Context, in *protocol.ConnectRequest, opts ...grpc.CallOption) (*protocol.ConnectResponse, error) {
	return invoke[protocol.ConnectResponse](ctx, c.cc, "Connect", in, opts)
}

func (c *enSyncServiceClient) Publish(ctx context.Context, in *protocol.PublishRequest, opts ...grpc.CallOption) (*protocol.PublishResponse, error) {
	return invoke[protocol.PublishResponse](ctx, c.cc, "Publish", in, opts)
}

func (c *enSyncServiceClient) Unsubscribe(ctx context.Context, in *protocol.UnsubscribeRequest, opts ...grpc.CallOption) (*protocol.Empty, error) {
	return invoke[protocol.Empty](ctx, c.cc, "Unsubscribe", in, opts)
}

func (c *enSyncServiceClient) Ack(ctx context.Context, in *protocol.AckRequest, opts ...grpc.CallOption) (*protocol.Empty, error) {
	return invoke[protocol.Empty](ctx, c.cc, "Ack", in, opts)
}

func (c *enSyncServiceClient) Defer(ctx context.Context, in *protocol.DeferRequest, opts ...grpc.CallOption) (*protocol.DeferResponse, error) {
	return invoke[protocol.DeferResponse](ctx, c.cc, "Defer", in, opts)
}

func (c *enSyncServiceClient) Discard(ctx context.Context, in *protocol.DiscardRequest, opts ...grpc.CallOption) (*protocol.Empty, error) {
	return invoke[protocol.Empty](ctx, c.cc, "Discard", in, opts)
}

func (c *enSyncServiceClient) Replay(ctx context.Context, in *protocol.ReplayRequest, opts ...grpc.CallOption) (*protocol.EventMessage, error) {
	return invoke[protocol.EventMessage](ctx, c.cc, "Replay", in, opts)
}

func (c *enSyncServiceClient) Heartbeat(ctx context.Context, in *protocol.HeartbeatRequest, opts ...grpc.CallOption) (*protocol.HeartbeatResponse, error) {
	return invoke[protocol.HeartbeatResponse](ctx, c.cc, "Heartbeat", in, opts)
}

func (c *enSyncServiceClient) Subscribe(ctx context.Context, in *protocol.SubscribeRequest, opts ...grpc.CallOption) (EnSyncService_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &EnSyncService_ServiceDesc.Streams[0], FullMethod("Subscribe"), opts...)
	if err != nil {
		return nil, err
	}
	x := &subscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type subscribeClient struct {
	grpc.ClientStream
}

func (x *subscribeClient) Recv() (*protocol.EventMessage, error) {
	m := new(protocol.EventMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
