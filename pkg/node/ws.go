package node

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/protocol"
)

const (
	wsTransport  = "websocket"
	wsReadLimit  = 32 << 20
	wsWriteWait  = 10 * time.Second
	wsIdleWindow = 2 * time.Minute
)

// wsHandler serves the EnSync envelope protocol over gorilla/websocket.
type wsHandler struct {
	broker   *Broker
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(broker *Broker, logger *observability.Logger) *wsHandler {
	return &wsHandler{
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // SDK clients are not browsers
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	// The request context ends once the handler returns, so the socket gets
	// its own.
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		h:      h,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: &observability.Logger{Logger: h.logger.With("remote_addr", r.RemoteAddr)},
	}
	go c.readPump()
}

// wsConn is one client socket. Requests are handled in order on the read
// pump; each subscription has its own write pump.
type wsConn struct {
	h      *wsHandler
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *observability.Logger

	writeMu sync.Mutex
	pumps   sync.WaitGroup

	mu      sync.Mutex
	session string
}

func (c *wsConn) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleWindow))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleWindow))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleWindow))

		payload, err := c.handle(&env)
		var reply *protocol.Envelope
		if err != nil {
			reply = protocol.ErrorEnvelope(env.ID, err)
		} else if reply, err = protocol.NewEnvelope(protocol.TypeResponse, env.ID, payload); err != nil {
			reply = protocol.ErrorEnvelope(env.ID, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode response"))
		}
		if err := c.write(reply); err != nil {
			c.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func (c *wsConn) handle(env *protocol.Envelope) (any, error) {
	b := c.h.broker
	if env.Type == protocol.TypeConnect {
		var req protocol.ConnectRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return c.connect(&req)
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == "" {
		return nil, apperrors.New(apperrors.ErrCodeNotAuthenticated, "connect first")
	}

	switch env.Type {
	case protocol.TypePublish:
		var req protocol.PublishRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return b.Publish(c.ctx, session, &req)
	case protocol.TypeSubscribe:
		var req protocol.SubscribeRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		sub, err := b.Subscribe(c.ctx, session, wsTransport, &req)
		if err != nil {
			return nil, err
		}
		c.pumps.Add(1)
		go c.writePump(sub)
		return nil, nil
	case protocol.TypeUnsubscribe:
		var req protocol.UnsubscribeRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		b.Unsubscribe(session, req.EventName)
		return nil, nil
	case protocol.TypeAck:
		var req protocol.AckRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, b.Ack(c.ctx, &req)
	case protocol.TypeDefer:
		var req protocol.DeferRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return b.Defer(c.ctx, &req)
	case protocol.TypeDiscard:
		var req protocol.DiscardRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, b.Discard(c.ctx, &req)
	case protocol.TypeReplay:
		var req protocol.ReplayRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return b.Replay(c.ctx, &req)
	case protocol.TypeHeartbeat:
		return b.Heartbeat(), nil
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown message type %q", env.Type)
	}
}

// connect authenticates the socket. A second connect replaces the session.
func (c *wsConn) connect(req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	resp, err := c.h.broker.Connect(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.session
	c.session = resp.ClientID
	c.mu.Unlock()
	if prev != "" {
		c.h.broker.CloseSession(prev, nil)
	}
	c.h.broker.OpenSession(resp.ClientID, wsTransport, c.kick)
	return resp, nil
}

func (c *wsConn) writePump(sub *subscriber) {
	defer c.pumps.Done()
	for {
		select {
		case ev := <-sub.queue:
			env, err := protocol.NewEnvelope(protocol.TypeEvent, "", ev)
			if err != nil {
				c.logger.Warn("failed to encode event", "event_idem", ev.EventIdem, "error", err)
				continue
			}
			if err := c.write(env); err != nil {
				return
			}
		case <-sub.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) write(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// kick closes the socket when the broker drops the session.
func (c *wsConn) kick() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session closed"),
		time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func (c *wsConn) shutdown() {
	c.cancel()
	c.mu.Lock()
	session := c.session
	c.session = ""
	c.mu.Unlock()
	if session != "" {
		c.h.broker.CloseSession(session, nil)
	}
	c.pumps.Wait()
	_ = c.conn.Close()
}
