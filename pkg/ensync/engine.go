package ensync

import (
	"context"
	"strings"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/transport"
	grpctransport "github.com/odvcencio/ensync/pkg/transport/grpc"
	wstransport "github.com/odvcencio/ensync/pkg/transport/ws"
)

// Engine is bound to one node address and creates authenticated clients.
type Engine struct {
	address string
	opts    options
}

// NewEngine picks the transport from the address scheme: ws:// and wss://
// use WebSocket, anything else uses gRPC.
func NewEngine(address string, opts ...Option) (*Engine, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "node address is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		if isWebSocketAddress(address) {
			o.factory = newWebSocketTransport
		} else {
			o.factory = newGRPCTransport
		}
	}
	return &Engine{address: address, opts: o}, nil
}

// NewGRPCEngine forces the gRPC transport.
func NewGRPCEngine(address string, opts ...Option) (*Engine, error) {
	return NewEngine(address, append([]Option{WithTransportFactory(newGRPCTransport)}, opts...)...)
}

// NewWebSocketEngine forces the WebSocket transport.
func NewWebSocketEngine(address string, opts ...Option) (*Engine, error) {
	return NewEngine(address, append([]Option{WithTransportFactory(newWebSocketTransport)}, opts...)...)
}

func isWebSocketAddress(address string) bool {
	lower := strings.ToLower(address)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}

func newGRPCTransport(address string, opts transport.Options) transport.Transport {
	return grpctransport.New(address, opts)
}

func newWebSocketTransport(address string, opts transport.Options) transport.Transport {
	return wstransport.New(address, opts)
}

// Address returns the node address the engine was built with.
func (e *Engine) Address() string {
	return e.address
}

// ClientOptions configure one client.
type ClientOptions struct {
	// AppSecretKey decrypts events addressed to this client. Subscriptions
	// may override it.
	AppSecretKey string
}

// CreateClient dials the node and authenticates with accessKey.
func (e *Engine) CreateClient(ctx context.Context, accessKey string, opts ClientOptions) (_ *Client, err error) {
	if strings.TrimSpace(accessKey) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "access key is required")
	}

	ctx, span := e.opts.tracer.Start(ctx, "ensync.CreateClient")
	defer func() { observability.EndSpan(span, err) }()

	c := newClient(e, accessKey, opts)
	span.SetAttributes(observability.AttrTransport.String(c.tr.Name()))

	if err := c.connect(ctx); err != nil {
		_ = c.tr.Close()
		return nil, err
	}
	span.SetAttributes(observability.AttrClientID.String(c.ClientID()))

	c.start()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	if err := c.tr.Dial(ctx); err != nil {
		return err
	}
	resp, err := c.tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: c.accessKey})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.authenticated = true
	c.clientID = resp.ClientID
	c.clientHash = resp.ClientHash
	c.mu.Unlock()

	c.logger.ClientAuthenticated(resp.ClientID)
	return nil
}
