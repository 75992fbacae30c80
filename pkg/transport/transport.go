// Package transport defines the connection contract shared by the gRPC and
// WebSocket clients.
package transport

import (
	"context"
	"time"

	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/protocol"
)

// DeliverFunc receives events pushed by the node for one subscription. It is
// called from the transport's read goroutine and must not block for long.
type DeliverFunc func(*protocol.EventMessage)

//go:generate mockgen -package=transport -destination=mock_transport.go github.com/odvcencio/ensync/pkg/transport Transport

// Transport is a connection to an EnSync node.
type Transport interface {
	// Name identifies the transport in logs and metrics ("grpc", "websocket").
	Name() string
	// Dial opens the connection. It may be called again after Close.
	Dial(ctx context.Context) error
	// Connect authenticates. Later calls carry the returned session.
	Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error)
	Publish(ctx context.Context, req *protocol.PublishRequest) (*protocol.PublishResponse, error)
	// Subscribe registers deliver for req.EventName until Unsubscribe or Close.
	Subscribe(ctx context.Context, req *protocol.SubscribeRequest, deliver DeliverFunc) error
	Unsubscribe(ctx context.Context, req *protocol.UnsubscribeRequest) error
	Ack(ctx context.Context, req *protocol.AckRequest) error
	Defer(ctx context.Context, req *protocol.DeferRequest) (*protocol.DeferResponse, error)
	Discard(ctx context.Context, req *protocol.DiscardRequest) error
	Replay(ctx context.Context, req *protocol.ReplayRequest) (*protocol.EventMessage, error)
	Heartbeat(ctx context.Context) (*protocol.HeartbeatResponse, error)
	// Close tears the connection down without firing OnDisconnect.
	Close() error
}

// Options configure either transport.
type Options struct {
	// OnDisconnect fires once per unexpected connection loss.
	OnDisconnect func(error)
	Logger       *observability.Logger
	DialTimeout  time.Duration
	// PingInterval drives WebSocket keepalive pings.
	PingInterval time.Duration
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Logger == nil {
		o.Logger = observability.Discard()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.OnDisconnect == nil {
		o.OnDisconnect = func(error) {}
	}
	return o
}
