package grpctransport

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/reliability"
	"github.com/odvcencio/ensync/pkg/transport"
)

// Name is the transport label used in logs and metrics.
const Name = "grpc"

// Transport is the gRPC implementation of transport.Transport.
type Transport struct {
	target string
	creds  credentials.TransportCredentials
	opts   transport.Options
	// retry covers Replay and Heartbeat, which the node serves without side effects.
	retry *reliability.RetryStrategy

	mu           sync.RWMutex
	conn         *grpc.ClientConn
	client       EnSyncServiceClient
	token        string
	streams      map[string]context.CancelFunc
	gen          uint64
	closed       bool
	disconnected bool
	stopWatch    context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// ParseAddress splits an address into a dial target and credentials.
// "grpcs://" selects TLS with system roots; "grpc://" and bare host:port are
// plaintext.
func ParseAddress(address string) (string, credentials.TransportCredentials) {
	switch {
	case strings.HasPrefix(address, "grpcs://"):
		return strings.TrimPrefix(address, "grpcs://"), credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	case strings.HasPrefix(address, "grpc://"):
		return strings.TrimPrefix(address, "grpc://"), insecure.NewCredentials()
	default:
		return address, insecure.NewCredentials()
	}
}

// New creates an undialled gRPC transport for address.
func New(address string, opts transport.Options) *Transport {
	target, creds := ParseAddress(address)
	return &Transport{
		target:  target,
		creds:   creds,
		opts:    opts.WithDefaults(),
		retry:   reliability.DefaultRetryStrategy(),
		streams: make(map[string]context.CancelFunc),
		closed:  true,
	}
}

func (t *Transport) Name() string { return Name }

// Dial creates the client connection and waits until it is ready.
func (t *Transport) Dial(ctx context.Context) error {
	conn, err := grpc.NewClient(t.target,
		grpc.WithTransportCredentials(t.creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithChainUnaryInterceptor(t.authUnary),
		grpc.WithChainStreamInterceptor(t.authStream),
		grpc.WithIdleTimeout(0),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "failed to create gRPC client").
			WithContext("target", t.target)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	if err := waitReady(dialCtx, conn); err != nil {
		conn.Close()
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "node unreachable").
			WithContext("target", t.target).
			WithRetryable(true)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.client = NewEnSyncServiceClient(conn)
	t.token = ""
	t.closed = false
	t.disconnected = false
	t.stopWatch = stopWatch
	t.mu.Unlock()

	go t.watch(watchCtx, conn, gen)
	t.opts.Logger.Debug("grpc transport ready", "target", t.target)
	return nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// watch reports the first departure from Ready as a disconnect.
func (t *Transport) watch(ctx context.Context, conn *grpc.ClientConn, gen uint64) {
	state := connectivity.Ready
	for conn.WaitForStateChange(ctx, state) {
		state = conn.GetState()
		if state != connectivity.Ready && state != connectivity.Connecting {
			t.fireDisconnect(gen, apperrors.Newf(apperrors.ErrCodeConnection, "connection state %s", state))
			return
		}
	}
}

func (t *Transport) fireDisconnect(gen uint64, err error) {
	t.mu.Lock()
	if t.closed || t.disconnected || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	t.mu.Unlock()

	t.opts.Logger.Warn("grpc connection lost", "target", t.target, "error", err)
	go t.opts.OnDisconnect(err)
}

func (t *Transport) withAuth(ctx context.Context) context.Context {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func (t *Transport) authUnary(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(t.withAuth(ctx), method, req, reply, cc, opts...)
}

func (t *Transport) authStream(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return streamer(t.withAuth(ctx), desc, cc, method, opts...)
}

// stub returns the client stub, requiring a session unless anonymous is set.
func (t *Transport) stub(anonymous bool) (EnSyncServiceClient, uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.client == nil {
		return nil, 0, apperrors.New(apperrors.ErrCodeNotConnected, "gRPC transport is not connected")
	}
	if !anonymous && t.token == "" {
		return nil, 0, apperrors.New(apperrors.ErrCodeNotAuthenticated, "gRPC transport is not authenticated")
	}
	return t.client, t.gen, nil
}

func (t *Transport) Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	c, _, err := t.stub(true)
	if err != nil {
		return nil, err
	}
	resp, err := c.Connect(ctx, req)
	if err != nil {
		return nil, FromStatus(err)
	}
	t.mu.Lock()
	t.token = resp.ClientHash
	t.mu.Unlock()
	return resp, nil
}

func (t *Transport) Publish(ctx context.Context, req *protocol.PublishRequest) (*protocol.PublishResponse, error) {
	c, _, err := t.stub(false)
	if err != nil {
		return nil, err
	}
	resp, err := c.Publish(ctx, req)
	return resp, FromStatus(err)
}

// Subscribe opens a server stream for req.EventName. It returns once the node
// has registered the subscription.
func (t *Transport) Subscribe(ctx context.Context, req *protocol.SubscribeRequest, deliver transport.DeliverFunc) error {
	c, gen, err := t.stub(false)
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.Subscribe(streamCtx, req)
	if err != nil {
		cancel()
		return FromStatus(err)
	}

	headerDone := make(chan error, 1)
	go func() {
		_, err := stream.Header()
		headerDone <- err
	}()
	select {
	case err := <-headerDone:
		if err != nil {
			cancel()
			return FromStatus(err)
		}
	case <-ctx.Done():
		cancel()
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "subscribe timed out")
	}

	t.mu.Lock()
	if prev, ok := t.streams[req.EventName]; ok {
		prev()
	}
	t.streams[req.EventName] = cancel
	t.mu.Unlock()

	go t.recvLoop(streamCtx, stream, req.EventName, gen, deliver)
	return nil
}

func (t *Transport) recvLoop(ctx context.Context, stream EnSyncService_SubscribeClient, eventName string, gen uint64, deliver transport.DeliverFunc) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			t.opts.Logger.Warn("subscription stream ended", "event_name", eventName, "error", err)
			t.fireDisconnect(gen, FromStatus(err))
			return
		}
		deliver(msg)
	}
}

func (t *Transport) Unsubscribe(ctx context.Context, req *protocol.UnsubscribeRequest) error {
	c, _, err := t.stub(false)
	if err != nil {
		return err
	}
	_, err = c.Unsubscribe(ctx, req)

	t.mu.Lock()
	if cancel, ok := t.streams[req.EventName]; ok {
		cancel()
		delete(t.streams, req.EventName)
	}
	t.mu.Unlock()
	return FromStatus(err)
}

func (t *Transport) Ack(ctx context.Context, req *protocol.AckRequest) error {
	c, _, err := t.stub(false)
	if err != nil {
		return err
	}
	_, err = c.Ack(ctx, req)
	return FromStatus(err)
}

func (t *Transport) Defer(ctx context.Context, req *protocol.DeferRequest) (*protocol.DeferResponse, error) {
	c, _, err := t.stub(false)
	if err != nil {
		return nil, err
	}
	resp, err := c.Defer(ctx, req)
	return resp, FromStatus(err)
}

func (t *Transport) Discard(ctx context.Context, req *protocol.DiscardRequest) error {
	c, _, err := t.stub(false)
	if err != nil {
		return err
	}
	_, err = c.Discard(ctx, req)
	return FromStatus(err)
}

func (t *Transport) Replay(ctx context.Context, req *protocol.ReplayRequest) (*protocol.EventMessage, error) {
	c, _, err := t.stub(false)
	if err != nil {
		return nil, err
	}
	var resp *protocol.EventMessage
	err = t.idempotent(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.Replay(ctx, req)
		return FromStatus(err)
	})
	return resp, err
}

func (t *Transport) Heartbeat(ctx context.Context) (*protocol.HeartbeatResponse, error) {
	c, _, err := t.stub(false)
	if err != nil {
		return nil, err
	}
	var resp *protocol.HeartbeatResponse
	err = t.idempotent(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.Heartbeat(ctx, &protocol.HeartbeatRequest{})
		return FromStatus(err)
	})
	return resp, err
}

// idempotent runs call under the retry strategy. When ctx ends between
// attempts the last call's error is returned, so callers still see its code.
func (t *Transport) idempotent(ctx context.Context, call func(context.Context) error) error {
	var last error
	err := t.retry.Execute(ctx, func(ctx context.Context) error {
		last = call(ctx)
		return last
	})
	if err != nil && last != nil && ctx.Err() != nil {
		return last
	}
	return err
}

// Close cancels all streams and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for name, cancel := range t.streams {
		cancel()
		delete(t.streams, name)
	}
	if t.stopWatch != nil {
		t.stopWatch()
	}
	conn := t.conn
	t.conn = nil
	t.client = nil
	t.token = ""
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
