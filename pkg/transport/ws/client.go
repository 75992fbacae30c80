// Package wstransport carries the EnSync protocol over a single WebSocket.
// Requests are JSON envelopes correlated by id; events are pushed unsolicited.
package wstransport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/transport"
)

// Name is the transport label used in logs and metrics.
const Name = "websocket"

const (
	pingTimeout = 5 * time.Second
	readLimit   = 32 << 20
)

// Transport is the WebSocket implementation of transport.Transport.
type Transport struct {
	url    string
	header http.Header
	opts   transport.Options

	mu            sync.Mutex
	conn          *websocket.Conn
	stop          context.CancelFunc
	done          chan struct{}
	gen           uint64
	closed        bool
	disconnected  bool
	authenticated bool
	pending       map[string]chan *protocol.Envelope
	subs          map[string]transport.DeliverFunc
}

var _ transport.Transport = (*Transport)(nil)

// New creates an undialled WebSocket transport for a ws:// or wss:// URL.
func New(url string, opts transport.Options) *Transport {
	return &Transport{
		url:     url,
		header:  http.Header{},
		opts:    opts.WithDefaults(),
		closed:  true,
		pending: make(map[string]chan *protocol.Envelope),
		subs:    make(map[string]transport.DeliverFunc),
	}
}

func (t *Transport) Name() string { return Name }

// Dial opens the socket and starts the read and ping loops.
func (t *Transport) Dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{HTTPHeader: t.header})
	cancel()
	if err != nil {
		e := apperrors.Wrap(err, apperrors.ErrCodeConnection, "websocket dial failed").
			WithContext("url", t.url).
			WithRetryable(true)
		if resp != nil {
			e.WithContext("status", resp.StatusCode)
		}
		return e
	}
	conn.SetReadLimit(readLimit)

	loopCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.stop = stop
	t.done = done
	t.closed = false
	t.disconnected = false
	t.authenticated = false
	t.subs = make(map[string]transport.DeliverFunc)
	t.mu.Unlock()

	go t.readLoop(loopCtx, conn, gen, done)
	go t.pingLoop(loopCtx, conn)
	t.opts.Logger.Debug("websocket transport ready", "url", t.url)
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.failPending(err)
			if ctx.Err() != nil {
				return
			}
			t.fireDisconnect(gen, apperrors.Wrap(err, apperrors.ErrCodeConnection, "websocket read failed").WithRetryable(true))
			return
		}

		switch env.Type {
		case protocol.TypeEvent:
			var msg protocol.EventMessage
			if err := env.Decode(&msg); err != nil {
				t.opts.Logger.Warn("dropping malformed event", "error", err)
				continue
			}
			t.mu.Lock()
			deliver := t.subs[msg.EventName]
			t.mu.Unlock()
			if deliver != nil {
				deliver(&msg)
			}
		case protocol.TypeResponse, protocol.TypeError:
			t.mu.Lock()
			ch, ok := t.pending[env.ID]
			delete(t.pending, env.ID)
			t.mu.Unlock()
			if ok {
				ch <- &env
			}
		default:
			t.opts.Logger.Debug("ignoring websocket frame", "type", env.Type)
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				t.opts.Logger.Warn("websocket ping failed", "error", err)
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (t *Transport) failPending(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		ch <- protocol.ErrorEnvelope(id, apperrors.Wrap(cause, apperrors.ErrCodeConnection, "connection lost"))
		delete(t.pending, id)
	}
}

func (t *Transport) fireDisconnect(gen uint64, err error) {
	t.mu.Lock()
	if t.closed || t.disconnected || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	t.authenticated = false
	t.mu.Unlock()

	t.opts.Logger.Warn("websocket connection lost", "url", t.url, "error", err)
	go t.opts.OnDisconnect(err)
}

// request sends one envelope and waits for its response.
func (t *Transport) request(ctx context.Context, typ string, payload, out any, needAuth bool) error {
	t.mu.Lock()
	if t.closed || t.conn == nil || t.disconnected {
		t.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeNotConnected, "websocket transport is not connected")
	}
	if needAuth && !t.authenticated {
		t.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeNotAuthenticated, "websocket transport is not authenticated")
	}
	conn, done := t.conn, t.done
	id := uuid.NewString()
	ch := make(chan *protocol.Envelope, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}

	env, err := protocol.NewEnvelope(typ, id, payload)
	if err != nil {
		forget()
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "encode request")
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		forget()
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "websocket write failed").WithRetryable(true)
	}

	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			return reply.Err()
		}
		if out != nil {
			return reply.Decode(out)
		}
		return nil
	case <-done:
		forget()
		return apperrors.New(apperrors.ErrCodeConnection, "connection closed before response").WithRetryable(true)
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, typ+" timed out").WithRetryable(true)
		}
		return ctx.Err()
	}
}

func (t *Transport) Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	var resp protocol.ConnectResponse
	if err := t.request(ctx, protocol.TypeConnect, req, &resp, false); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.authenticated = true
	t.mu.Unlock()
	return &resp, nil
}

func (t *Transport) Publish(ctx context.Context, req *protocol.PublishRequest) (*protocol.PublishResponse, error) {
	var resp protocol.PublishResponse
	if err := t.request(ctx, protocol.TypePublish, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe registers deliver before asking the node, so events pushed right
// after the node's reply are not lost.
func (t *Transport) Subscribe(ctx context.Context, req *protocol.SubscribeRequest, deliver transport.DeliverFunc) error {
	t.mu.Lock()
	t.subs[req.EventName] = deliver
	t.mu.Unlock()

	if err := t.request(ctx, protocol.TypeSubscribe, req, nil, true); err != nil {
		t.mu.Lock()
		delete(t.subs, req.EventName)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, req *protocol.UnsubscribeRequest) error {
	err := t.request(ctx, protocol.TypeUnsubscribe, req, nil, true)
	t.mu.Lock()
	delete(t.subs, req.EventName)
	t.mu.Unlock()
	return err
}

func (t *Transport) Ack(ctx context.Context, req *protocol.AckRequest) error {
	return t.request(ctx, protocol.TypeAck, req, nil, true)
}

func (t *Transport) Defer(ctx context.Context, req *protocol.DeferRequest) (*protocol.DeferResponse, error) {
	var resp protocol.DeferResponse
	if err := t.request(ctx, protocol.TypeDefer, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) Discard(ctx context.Context, req *protocol.DiscardRequest) error {
	return t.request(ctx, protocol.TypeDiscard, req, nil, true)
}

func (t *Transport) Replay(ctx context.Context, req *protocol.ReplayRequest) (*protocol.EventMessage, error) {
	var msg protocol.EventMessage
	if err := t.request(ctx, protocol.TypeReplay, req, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (t *Transport) Heartbeat(ctx context.Context) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := t.request(ctx, protocol.TypeHeartbeat, &protocol.HeartbeatRequest{}, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close sends a normal closure and stops the loops.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.authenticated = false
	conn, stop := t.conn, t.stop
	t.conn = nil
	t.subs = make(map[string]transport.DeliverFunc)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	if stop != nil {
		stop()
	}
	return nil
}
