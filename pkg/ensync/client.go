package ensync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/odvcencio/ensync/pkg/crypto"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/reliability"
	"github.com/odvcencio/ensync/pkg/transport"
)

const maxReconnectDelay = 30 * time.Second

// Client is an authenticated session with an EnSync node.
type Client struct {
	opts         options
	address      string
	accessKey    string
	appSecretKey string
	tr           transport.Transport
	logger       *observability.Logger
	limiter      *rate.Limiter
	breaker      *reliability.CircuitBreaker

	mu                sync.RWMutex
	connected         bool
	authenticated     bool
	clientID          string
	clientHash        string
	reconnectAttempts int
	shouldReconnect   bool
	reconnecting      bool
	closed            bool
	// counted is set while this client is included in ClientsConnected
	counted bool
	cancel            context.CancelFunc
	lifeCtx           context.Context
	wg                sync.WaitGroup

	subsMu sync.Mutex
	subs   map[string]*Subscription
}

func newClient(e *Engine, accessKey string, opts ClientOptions) *Client {
	c := &Client{
		opts:            e.opts,
		address:         e.address,
		accessKey:       accessKey,
		appSecretKey:    opts.AppSecretKey,
		shouldReconnect: true,
		subs:            make(map[string]*Subscription),
	}

	c.tr = e.opts.factory(e.address, transport.Options{
		OnDisconnect: c.handleDisconnect,
		Logger:       e.opts.logger,
		DialTimeout:  e.opts.connectTimeout,
		PingInterval: e.opts.pingInterval,
	})
	c.logger = e.opts.logger.WithTransport(c.tr.Name(), e.address)

	if e.opts.publishRateLimit > 0 {
		burst := e.opts.publishBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(e.opts.publishRateLimit), burst)
	}

	c.breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		OnStateChange: func(change reliability.StateChange) {
			c.logger.CircuitBreakerStateChange("publish", change.From.String(), change.To.String())
		},
	})
	return c
}

// start launches background work once the first connect succeeded.
func (c *Client) start() {
	c.mu.Lock()
	c.lifeCtx, c.cancel = context.WithCancel(context.Background())
	ctx := c.lifeCtx
	c.wg.Add(1)
	c.mu.Unlock()

	c.markOnline()
	go c.heartbeatLoop(ctx)
}

func (c *Client) markOnline() {
	c.mu.Lock()
	counted := c.counted
	c.counted = true
	c.mu.Unlock()
	if !counted {
		observability.ClientsConnected.WithLabelValues(c.tr.Name()).Inc()
	}
}

// markOffline clears the session flags and releases the ClientsConnected slot.
func (c *Client) markOffline() {
	c.mu.Lock()
	counted := c.counted
	c.connected, c.authenticated, c.counted = false, false, false
	c.mu.Unlock()
	if counted {
		observability.ClientsConnected.WithLabelValues(c.tr.Name()).Dec()
	}
}

// IsConnected reports whether the transport is currently up.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsAuthenticated reports whether the current session is authenticated.
func (c *Client) IsAuthenticated() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// ClientID is the node-issued identifier of this client.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ClientHash is the session token sent with every call after Connect.
func (c *Client) ClientHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientHash
}

// ReconnectAttempts counts attempts made since the connection was last lost.
func (c *Client) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectAttempts
}

// ShouldReconnect reports whether a lost connection will be re-established.
func (c *Client) ShouldReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shouldReconnect
}

func (c *Client) requireAuth() error {
	if c == nil || c.tr == nil {
		return apperrors.New(apperrors.ErrCodeNotAuthenticated, "client has not been created with CreateClient")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authenticated {
		return apperrors.New(apperrors.ErrCodeNotAuthenticated, "client is not authenticated").
			WithContext("closed", c.closed)
	}
	return nil
}

// PublishOptions tune one publish.
type PublishOptions struct {
	// Persist asks the node to store the event for replay.
	Persist bool
	Headers map[string]string
	// PerRecipient sends one single-recipient message per recipient instead
	// of one hybrid message.
	PerRecipient bool
}

// PublishResult lists the idems the node assigned.
type PublishResult struct {
	Idems []string
}

// Publish encrypts payload for recipients and sends it under eventName.
// Recipients are base64 Ed25519 public keys.
func (c *Client) Publish(ctx context.Context, eventName string, recipients []string, payload any, opts PublishOptions) (_ *PublishResult, err error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event name is required")
	}
	if len(recipients) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "at least one recipient is required").
			WithContext("event", eventName)
	}
	for _, r := range recipients {
		if _, err := crypto.ParsePublicKey(r); err != nil {
			return nil, err
		}
	}

	hybrid := len(recipients) > 1 && !opts.PerRecipient
	ctx, span := c.opts.tracer.Start(ctx, "ensync.Publish", trace.WithAttributes(
		observability.AttrEventName.String(eventName),
		observability.AttrRecipients.Int(len(recipients)),
		observability.AttrHybrid.Bool(hybrid),
		observability.AttrTransport.String(c.tr.Name()),
	))
	defer func() { observability.EndSpan(span, err) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodePublish, "publish rate limit wait aborted")
		}
	}

	reqs, err := buildPublishRequests(eventName, recipients, payload, opts, hybrid)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &PublishResult{}
	for _, req := range reqs {
		resp, err := c.send(ctx, req)
		if err != nil {
			observability.ClientPublishes.WithLabelValues(c.tr.Name(), "error").Inc()
			return result, err
		}
		observability.ClientPublishes.WithLabelValues(c.tr.Name(), "success").Inc()
		result.Idems = append(result.Idems, resp.EventIdems...)
	}

	elapsed := time.Since(start)
	observability.ClientPublishLatency.WithLabelValues(c.tr.Name()).Observe(elapsed.Seconds())
	c.logger.WithContext(ctx).EventPublished(eventName, len(recipients), elapsed)
	return result, nil
}

func buildPublishRequests(eventName string, recipients []string, payload any, opts PublishOptions, hybrid bool) ([]*protocol.PublishRequest, error) {
	if hybrid {
		encoded, err := crypto.EncodeHybridPayload(payload, recipients)
		if err != nil {
			return nil, err
		}
		return []*protocol.PublishRequest{{
			EventName:  eventName,
			Payload:    encoded,
			DeliveryTo: recipients,
			Persist:    opts.Persist,
			Headers:    opts.Headers,
		}}, nil
	}

	reqs := make([]*protocol.PublishRequest, 0, len(recipients))
	for _, r := range recipients {
		encoded, err := crypto.EncodePayload(payload, r)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, &protocol.PublishRequest{
			EventName:  eventName,
			Payload:    encoded,
			DeliveryTo: []string{r},
			Persist:    opts.Persist,
			Headers:    opts.Headers,
		})
	}
	return reqs, nil
}

func (c *Client) send(ctx context.Context, req *protocol.PublishRequest) (*protocol.PublishResponse, error) {
	var resp *protocol.PublishResponse
	err := c.breaker.Execute(func() error {
		var err error
		resp, err = c.tr.Publish(ctx, req)
		return err
	})
	if err == nil {
		return resp, nil
	}

	var open *reliability.CircuitOpenError
	if errors.As(err, &open) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePublish, "publish circuit is open").
			WithContext("retry_after", open.RetryAfter).
			WithRetryable(true)
	}
	if _, ok := apperrors.As(err); ok {
		return nil, err
	}
	return nil, apperrors.Wrap(err, apperrors.ErrCodePublish, "publish failed").WithContext("event", req.EventName)
}

// SubscribeOptions tune one subscription.
type SubscribeOptions struct {
	// AutoAck acks each event once every handler returned nil.
	AutoAck bool
	// AppSecretKey overrides the client's key for this subscription.
	AppSecretKey string
}

// Subscribe registers interest in eventName. Attach handlers with On.
func (c *Client) Subscribe(ctx context.Context, eventName string, opts SubscribeOptions) (*Subscription, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event name is required")
	}
	if opts.AppSecretKey != "" {
		if _, err := crypto.ParseSecretKey(opts.AppSecretKey); err != nil {
			return nil, err
		}
	}

	c.subsMu.Lock()
	if _, exists := c.subs[eventName]; exists {
		c.subsMu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrCodeSubscribe, "already subscribed to %q", eventName)
	}
	sub := newSubscription(c, eventName, opts)
	c.subs[eventName] = sub
	c.subsMu.Unlock()

	if err := c.tr.Subscribe(ctx, sub.request(), sub.deliver); err != nil {
		c.removeSubscription(sub)
		sub.stop()
		return nil, err
	}
	c.logger.WithEvent(eventName).Info("subscribed", "auto_ack", opts.AutoAck)
	return sub, nil
}

func (c *Client) removeSubscription(sub *Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs[sub.eventName] == sub {
		delete(c.subs, sub.eventName)
	}
}

func (c *Client) subscriptions() []*Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Client) secretFor(sub *Subscription) string {
	if sub.secretKey != "" {
		return sub.secretKey
	}
	return c.appSecretKey
}

// Close unsubscribes everything and closes the connection. The client will
// not reconnect.
func (c *Client) Close(ctx context.Context) error {
	return c.close(ctx, false)
}

// CloseWithReconnect closes like Close but leaves ShouldReconnect set.
func (c *Client) CloseWithReconnect(ctx context.Context) error {
	return c.close(ctx, true)
}

func (c *Client) close(ctx context.Context, shouldReconnect bool) error {
	if c == nil || c.tr == nil {
		return nil
	}

	c.mu.Lock()
	c.shouldReconnect = shouldReconnect
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var errs []error
	connected := c.IsConnected()
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.subsMu.Unlock()
	for name, sub := range subs {
		if connected {
			if err := c.tr.Unsubscribe(ctx, &protocol.UnsubscribeRequest{EventName: name}); err != nil {
				errs = append(errs, err)
			}
		}
		sub.stop()
	}

	if err := c.tr.Close(); err != nil {
		errs = append(errs, err)
	}

	c.markOffline()

	c.logger.WithClient(c.ClientID()).Info("client closed", "should_reconnect", shouldReconnect)
	return errors.Join(errs...)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.IsConnected() {
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
		_, err := c.tr.Heartbeat(hctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}

		c.logger.Warn("heartbeat failed", "error", err)
		switch apperrors.GetCode(err) {
		case apperrors.ErrCodeConnection, apperrors.ErrCodeNotConnected, apperrors.ErrCodeTimeout,
			apperrors.ErrCodeAuth, apperrors.ErrCodeNotAuthenticated:
			c.handleDisconnect(err)
		}
	}
}

// handleDisconnect is the transport's OnDisconnect hook.
func (c *Client) handleDisconnect(cause error) {
	c.markOffline()

	c.mu.Lock()
	if c.closed || c.lifeCtx == nil || !c.shouldReconnect || c.reconnecting || c.opts.maxReconnectAttempts == 0 {
		c.mu.Unlock()
		c.logger.Warn("connection lost", "error", cause)
		return
	}
	c.reconnecting = true
	c.reconnectAttempts = 0
	ctx := c.lifeCtx
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warn("connection lost, reconnecting", "error", cause)
	go c.reconnectLoop(ctx, cause)
}

func (c *Client) reconnectLoop(ctx context.Context, cause error) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	maxAttempts := c.opts.maxReconnectAttempts
	c.logger.ReconnectAttempt(1, maxAttempts, c.opts.reconnectInterval, cause)

	timer := time.NewTimer(c.opts.reconnectInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	strategy := &reliability.RetryStrategy{
		MaxRetries: maxAttempts - 1,
		BaseDelay:  c.opts.reconnectInterval,
		MaxDelay:   maxReconnectDelay,
		Multiplier: 2,
		Retriable: func(err error) bool {
			return !apperrors.IsCode(err, apperrors.ErrCodeAuth) && !apperrors.IsCode(err, apperrors.ErrCodeClosed)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.ReconnectAttempt(attempt+1, maxAttempts, delay, err)
		},
	}

	err := strategy.Execute(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		c.reconnectAttempts++
		c.mu.Unlock()

		_ = c.tr.Close()
		if err := c.connect(ctx); err != nil {
			observability.ClientReconnects.WithLabelValues(c.tr.Name(), "failure").Inc()
			return err
		}
		if err := c.resubscribe(ctx); err != nil {
			// A session without its subscriptions is not a reconnect.
			c.markOffline()
			observability.ClientReconnects.WithLabelValues(c.tr.Name(), "failure").Inc()
			return err
		}
		return nil
	})

	if err != nil {
		c.markOffline()
		if ctx.Err() == nil {
			_ = c.tr.Close()
			c.logger.Error("reconnect failed, giving up", "attempts", c.ReconnectAttempts(), "error", err)
		}
		return
	}

	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()
	observability.ClientReconnects.WithLabelValues(c.tr.Name(), "success").Inc()
	c.markOnline()
	c.logger.WithClient(c.ClientID()).Info("reconnected")
}

func (c *Client) resubscribe(ctx context.Context) error {
	for _, sub := range c.subscriptions() {
		if err := c.tr.Subscribe(ctx, sub.request(), sub.deliver); err != nil {
			return err
		}
	}
	return nil
}
