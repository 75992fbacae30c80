// Package bus routes encoded events between node sessions. The in-memory
// bus serves a single node; NATS lets several nodes share one event stream.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")

	// ErrEmptySubject is returned for an empty subject.
	ErrEmptySubject = errors.New("subject cannot be empty")
)

// MessageBus publishes opaque payloads to subjects.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject. It does not wait for
	// delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe calls handler for every message on subject. Subjects are
	// dot-separated; "*" matches one token and ">" the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages. Calls for one subscription
// never overlap.
type MessageHandler func(msg *Message)

// Message is one payload received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL selects the backend: empty or "memory://" for in-process, a
	// nats:// URL otherwise.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the connect timeout for NATS.
	Timeout time.Duration
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		URL:     "memory://",
		Name:    "ensync-node",
		Timeout: 10 * time.Second,
	}
}

// New opens the bus selected by cfg.URL.
func New(cfg Config) (MessageBus, error) {
	if cfg.URL == "" || strings.HasPrefix(cfg.URL, "memory://") {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
