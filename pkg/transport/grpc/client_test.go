package grpctransport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/transport"
)

type fakeNode struct {
	mu        sync.Mutex
	authSeen  []string
	published []*protocol.PublishRequest
	events    chan *protocol.EventMessage
	// replayUnavailable is how many Replay calls fail before one succeeds.
	replayUnavailable int
	replayCalls       int
}

func (f *fakeNode) recordAuth(ctx context.Context) {
	md, _ := metadata.FromIncomingContext(ctx)
	f.mu.Lock()
	f.authSeen = append(f.authSeen, md.Get("authorization")...)
	f.mu.Unlock()
}

func (f *fakeNode) Connect(_ context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	if req.AccessKey != "good-key" {
		return nil, status.Error(codes.Unauthenticated, "invalid access key")
	}
	return &protocol.ConnectResponse{ClientID: "client-1", ClientHash: "hash-1"}, nil
}

func (f *fakeNode) Publish(ctx context.Context, req *protocol.PublishRequest) (*protocol.PublishResponse, error) {
	f.recordAuth(ctx)
	f.mu.Lock()
	f.published = append(f.published, req)
	f.mu.Unlock()
	return &protocol.PublishResponse{Status: protocol.StatusOK, EventIdems: []string{"idem-1"}}, nil
}

func (f *fakeNode) Subscribe(req *protocol.SubscribeRequest, stream EnSyncService_SubscribeServer) error {
	f.recordAuth(stream.Context())
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	for {
		select {
		case ev := <-f.events:
			if err := stream.Send(ev); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (f *fakeNode) Unsubscribe(context.Context, *protocol.UnsubscribeRequest) (*protocol.Empty, error) {
	return &protocol.Empty{}, nil
}

func (f *fakeNode) Ack(context.Context, *protocol.AckRequest) (*protocol.Empty, error) {
	return &protocol.Empty{}, nil
}

func (f *fakeNode) Defer(_ context.Context, req *protocol.DeferRequest) (*protocol.DeferResponse, error) {
	return &protocol.DeferResponse{EventIdem: req.EventIdem, DeliveryTime: time.Now().Add(time.Duration(req.DelayMs) * time.Millisecond)}, nil
}

func (f *fakeNode) Discard(context.Context, *protocol.DiscardRequest) (*protocol.Empty, error) {
	return &protocol.Empty{}, nil
}

func (f *fakeNode) Replay(_ context.Context, req *protocol.ReplayRequest) (*protocol.EventMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayCalls++
	if f.replayCalls <= f.replayUnavailable {
		return nil, status.Error(codes.Unavailable, "store busy")
	}
	if req.EventIdem == "kept" {
		return &protocol.EventMessage{EventIdem: "kept", EventName: req.EventName, Block: 9}, nil
	}
	return nil, status.Errorf(codes.NotFound, "event %s not found", req.EventIdem)
}

func (f *fakeNode) Heartbeat(context.Context, *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	return &protocol.HeartbeatResponse{Status: protocol.StatusOK, ServerTime: time.Now()}, nil
}

func startFakeNode(t *testing.T) (*fakeNode, string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	node := &fakeNode{events: make(chan *protocol.EventMessage, 8)}
	server := grpc.NewServer(grpc.ForceServerCodec(Codec()))
	RegisterEnSyncServiceServer(server, node)
	go func() { _ = server.Serve(lis) }()

	return node, lis.Addr().String(), server.Stop
}

func TestTransport_CallsBeforeDialFail(t *testing.T) {
	tr := New("127.0.0.1:1", transport.Options{})

	_, err := tr.Publish(context.Background(), &protocol.PublishRequest{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotConnected))
	assert.NoError(t, tr.Close())
}

func TestTransport_DialUnreachable(t *testing.T) {
	tr := New("127.0.0.1:1", transport.Options{DialTimeout: 200 * time.Millisecond})
	err := tr.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnection))
}

func TestTransport_ConnectPublishSubscribe(t *testing.T) {
	node, addr, stop := startFakeNode(t)
	defer stop()

	tr := New("grpc://"+addr, transport.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Dial(ctx))
	defer tr.Close()

	_, err := tr.Publish(ctx, &protocol.PublishRequest{EventName: "a/b"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotAuthenticated), "publish must require a session")

	_, err = tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: "bad"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuth))

	resp, err := tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: "good-key"})
	require.NoError(t, err)
	assert.Equal(t, "client-1", resp.ClientID)

	pub, err := tr.Publish(ctx, &protocol.PublishRequest{EventName: "a/b", Payload: "x", DeliveryTo: []string{"r"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"idem-1"}, pub.EventIdems)

	received := make(chan *protocol.EventMessage, 1)
	require.NoError(t, tr.Subscribe(ctx, &protocol.SubscribeRequest{EventName: "a/b"}, func(m *protocol.EventMessage) {
		received <- m
	}))
	node.events <- &protocol.EventMessage{EventIdem: "idem-2", EventName: "a/b", Block: 3}

	select {
	case m := <-received:
		assert.Equal(t, "idem-2", m.EventIdem)
		assert.Equal(t, int64(3), m.Block)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	_, err = tr.Replay(ctx, &protocol.ReplayRequest{EventIdem: "missing"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	hb, err := tr.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, hb.Status)

	node.mu.Lock()
	defer node.mu.Unlock()
	assert.Contains(t, node.authSeen, "Bearer hash-1")
}

func TestTransport_ReplayRetriesUnavailable(t *testing.T) {
	node, addr, stop := startFakeNode(t)
	defer stop()
	node.replayUnavailable = 2

	tr := New(addr, transport.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Dial(ctx))
	defer tr.Close()
	_, err := tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: "good-key"})
	require.NoError(t, err)

	msg, err := tr.Replay(ctx, &protocol.ReplayRequest{EventIdem: "kept", EventName: "a/b"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), msg.Block)

	node.mu.Lock()
	assert.Equal(t, 3, node.replayCalls)
	node.mu.Unlock()

	// NOT_FOUND is final, so it is not retried.
	_, err = tr.Replay(ctx, &protocol.ReplayRequest{EventIdem: "missing"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	node.mu.Lock()
	assert.Equal(t, 4, node.replayCalls)
	node.mu.Unlock()
}

func TestTransport_ServerStopFiresDisconnect(t *testing.T) {
	_, addr, stop := startFakeNode(t)

	lost := make(chan error, 1)
	tr := New(addr, transport.Options{OnDisconnect: func(err error) { lost <- err }})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Dial(ctx))
	defer tr.Close()
	_, err := tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: "good-key"})
	require.NoError(t, err)
	require.NoError(t, tr.Subscribe(ctx, &protocol.SubscribeRequest{EventName: "a/b"}, func(*protocol.EventMessage) {}))

	stop()

	select {
	case err := <-lost:
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnection))
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		in   error
		want apperrors.ErrorCode
	}{
		{status.Error(codes.Unauthenticated, "x"), apperrors.ErrCodeAuth},
		{status.Error(codes.Unavailable, "x"), apperrors.ErrCodeConnection},
		{status.Error(codes.DeadlineExceeded, "x"), apperrors.ErrCodeTimeout},
		{status.Error(codes.InvalidArgument, "x"), apperrors.ErrCodeInvalidInput},
		{status.Error(codes.Internal, "x"), apperrors.ErrCodeServer},
	}
	for _, tt := range tests {
		assert.True(t, apperrors.IsCode(FromStatus(tt.in), tt.want), "%v", tt.in)
	}

	st, _ := status.FromError(ToStatus(apperrors.New(apperrors.ErrCodeNotAuthenticated, "connect first")))
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Equal(t, "connect first", st.Message())

	st, _ = status.FromError(ToStatus(apperrors.New(apperrors.ErrCodeInvalidKey, "bad")))
	assert.Equal(t, codes.InvalidArgument, st.Code())

	assert.True(t, apperrors.IsRetryable(FromStatus(status.Error(codes.Unavailable, "x"))))
	assert.Nil(t, FromStatus(nil))
}

func TestParseAddress(t *testing.T) {
	target, creds := ParseAddress("grpcs://node.example:443")
	assert.Equal(t, "node.example:443", target)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	target, creds = ParseAddress("localhost:50051")
	assert.Equal(t, "localhost:50051", target)
	assert.Equal(t, "insecure", creds.Info().SecurityProtocol)
}
