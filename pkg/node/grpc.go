package node

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/odvcencio/ensync/pkg/auth"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/protocol"
	grpctransport "github.com/odvcencio/ensync/pkg/transport/grpc"
)

const grpcTransport = "grpc"

// grpcService adapts the broker to the EnSync gRPC service. Every method but
// Connect runs behind the auth interceptor, so claims are always present.
type grpcService struct {
	broker *Broker
}

var _ grpctransport.EnSyncServiceServer = (*grpcService)(nil)

func newGRPCServer(broker *Broker, tokens *auth.TokenManager) *grpc.Server {
	interceptor := auth.NewAuthInterceptor(tokens, grpctransport.FullMethod("Connect"))
	server := grpc.NewServer(
		grpc.ForceServerCodec(grpctransport.Codec()),
		grpc.ChainUnaryInterceptor(interceptor.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(interceptor.StreamInterceptor()),
	)
	grpctransport.RegisterEnSyncServiceServer(server, &grpcService{broker: broker})
	return server
}

func clientID(ctx context.Context) (string, error) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return "", grpctransport.ToStatus(apperrors.New(apperrors.ErrCodeNotAuthenticated, "no session"))
	}
	return claims.ClientID, nil
}

func (s *grpcService) Connect(_ context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	resp, err := s.broker.Connect(req)
	return resp, grpctransport.ToStatus(err)
}

func (s *grpcService) Publish(ctx context.Context, req *protocol.PublishRequest) (*protocol.PublishResponse, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.broker.Publish(ctx, id, req)
	return resp, grpctransport.ToStatus(err)
}

// Subscribe registers the subscription, then sends the header the client
// waits on before it treats the subscription as live.
func (s *grpcService) Subscribe(req *protocol.SubscribeRequest, stream grpctransport.EnSyncService_SubscribeServer) error {
	ctx := stream.Context()
	id, err := clientID(ctx)
	if err != nil {
		return err
	}
	sub, err := s.broker.Subscribe(ctx, id, grpcTransport, req)
	if err != nil {
		return grpctransport.ToStatus(err)
	}
	defer s.broker.release(id, req.EventName, sub)

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for {
		select {
		case ev := <-sub.queue:
			if err := stream.Send(ev); err != nil {
				return err
			}
		case <-sub.done:
			if cause := sub.Err(); cause != nil {
				return grpctransport.ToStatus(cause)
			}
			// Unsubscribed or replaced. The client cancels the stream itself.
			<-ctx.Done()
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *grpcService) Unsubscribe(ctx context.Context, req *protocol.UnsubscribeRequest) (*protocol.Empty, error) {
	id, err := clientID(ctx)
	if err != nil {
		return nil, err
	}
	s.broker.Unsubscribe(id, req.EventName)
	return &protocol.Empty{}, nil
}

func (s *grpcService) Ack(ctx context.Context, req *protocol.AckRequest) (*protocol.Empty, error) {
	if err := s.broker.Ack(ctx, req); err != nil {
		return nil, grpctransport.ToStatus(err)
	}
	return &protocol.Empty{}, nil
}

func (s *grpcService) Defer(ctx context.Context, req *protocol.DeferRequest) (*protocol.DeferResponse, error) {
	resp, err := s.broker.Defer(ctx, req)
	return resp, grpctransport.ToStatus(err)
}

func (s *grpcService) Discard(ctx context.Context, req *protocol.DiscardRequest) (*protocol.Empty, error) {
	if err := s.broker.Discard(ctx, req); err != nil {
		return nil, grpctransport.ToStatus(err)
	}
	return &protocol.Empty{}, nil
}

func (s *grpcService) Replay(ctx context.Context, req *protocol.ReplayRequest) (*protocol.EventMessage, error) {
	msg, err := s.broker.Replay(ctx, req)
	return msg, grpctransport.ToStatus(err)
}

func (s *grpcService) Heartbeat(context.Context, *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	return s.broker.Heartbeat(), nil
}
