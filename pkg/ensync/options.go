package ensync

import (
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/transport"
)

// TransportFactory builds the transport for an engine. Tests swap it for a mock.
type TransportFactory func(address string, opts transport.Options) transport.Transport

type options struct {
	heartbeatInterval    time.Duration
	pingInterval         time.Duration
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	connectTimeout       time.Duration
	publishRateLimit     float64
	publishBurst         int
	dedupWindow          time.Duration
	logger               *observability.Logger
	tracer               trace.Tracer
	factory              TransportFactory
}

func defaultOptions() options {
	return options{
		heartbeatInterval:    30 * time.Second,
		pingInterval:         30 * time.Second,
		reconnectInterval:    3 * time.Second,
		maxReconnectAttempts: 5,
		connectTimeout:       10 * time.Second,
		dedupWindow:          5 * time.Minute,
		logger:               observability.Discard(),
		tracer:               observability.Tracer(),
	}
}

// Option configures an Engine.
type Option func(*options)

// WithHeartbeatInterval sets how often an idle client pings the node.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithPingInterval sets the WebSocket keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithReconnectInterval sets the base delay between reconnect attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectInterval = d
		}
	}
}

// WithMaxReconnectAttempts caps reconnect attempts after a lost connection.
// Zero disables reconnecting.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxReconnectAttempts = n
		}
	}
}

// WithConnectTimeout bounds Dial plus Connect in CreateClient and on reconnect.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithPublishRateLimit limits publishes per second. Zero means unlimited.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.publishRateLimit = perSecond
		o.publishBurst = burst
	}
}

// WithDedupWindow sets how long delivered event idems are remembered.
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dedupWindow = d
		}
	}
}

// WithLogging turns on JSON logging to stderr at info level.
func WithLogging(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.logger = observability.NewLoggerTo(os.Stderr, observability.FormatJSON, "sdk", slog.LevelInfo)
		} else {
			o.logger = observability.Discard()
		}
	}
}

// WithLogger uses l for all client logging.
func WithLogger(l *observability.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracerProvider takes spans from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer("github.com/odvcencio/ensync/pkg/ensync")
		}
	}
}

// WithTransportFactory replaces the transport chosen from the address.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}
