package node

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/ensync/pkg/auth"
	"github.com/odvcencio/ensync/pkg/bus"
	"github.com/odvcencio/ensync/pkg/config"
	"github.com/odvcencio/ensync/pkg/crypto"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/store"
)

const subjectPrefix = "ensync.events."

// subjectFor maps a recipient key to a bus subject. Standard base64 is made
// subject safe by switching to the URL alphabet.
func subjectFor(recipient string) string {
	return subjectPrefix + strings.NewReplacer("+", "-", "/", "_", "=", "").Replace(recipient)
}

// subscriber is one event-name subscription of one session.
type subscriber struct {
	session   string
	transport string
	eventName string
	recipient string
	queue     chan *protocol.EventMessage

	done      chan struct{}
	closeOnce sync.Once
	cause     error
}

func newSubscriber(session, transport string, req *protocol.SubscribeRequest, buffer int) *subscriber {
	return &subscriber{
		session:   session,
		transport: transport,
		eventName: req.EventName,
		recipient: req.Recipient,
		queue:     make(chan *protocol.EventMessage, buffer),
		done:      make(chan struct{}),
	}
}

func (s *subscriber) wants(ev *protocol.EventMessage) bool {
	if ev.EventName != s.eventName {
		return false
	}
	if s.recipient == "" {
		return true
	}
	for _, r := range ev.DeliveryTo {
		if r == s.recipient {
			return true
		}
	}
	return false
}

// offer queues ev without blocking. Events for a full queue stay pending in
// the store and are redelivered on the next subscribe.
func (s *subscriber) offer(ev *protocol.EventMessage) bool {
	select {
	case <-s.done:
		return false
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// close ends the subscription. A nil cause is a clean unsubscribe.
func (s *subscriber) close(cause error) {
	s.closeOnce.Do(func() {
		s.cause = cause
		close(s.done)
	})
}

// Err reports why the subscription ended, once done is closed.
func (s *subscriber) Err() error {
	<-s.done
	return s.cause
}

type session struct {
	id        string
	transport string
	subs      map[string]*subscriber
	// kick tears down the underlying connection, if the transport has one.
	kick func()
}

// Broker holds sessions and subscriptions and moves events between the
// transports, the bus and the store.
type Broker struct {
	tokens *auth.TokenManager
	bus    bus.MessageBus
	store  *store.SQLiteStore
	cfg    config.DeliveryConfig
	logger *observability.Logger

	deferred     *ttlcache.Cache[string, struct{}]
	stopEviction func()
	busSub       bus.Subscription
	stopOnce     sync.Once

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewBroker wires a broker. Call Start before serving clients.
func NewBroker(tokens *auth.TokenManager, b bus.MessageBus, st *store.SQLiteStore, cfg config.DeliveryConfig, logger *observability.Logger) *Broker {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Broker{
		tokens: tokens,
		bus:    b,
		store:  st,
		cfg:    cfg,
		logger: logger,
		deferred: ttlcache.New[string, struct{}](
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		sessions: make(map[string]*session),
	}
}

// Start subscribes to the bus and reschedules deferred events left by a
// previous run.
func (b *Broker) Start(ctx context.Context) error {
	sub, err := b.bus.Subscribe(ctx, subjectPrefix+">", b.route)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "subscribe to event bus")
	}
	b.busSub = sub

	b.stopEviction = b.deferred.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason == ttlcache.EvictionReasonExpired {
			b.redeliver(item.Key())
		}
	})
	go b.deferred.Start()

	horizon := time.Now().Add(b.cfg.MaxDeferDelay)
	records, err := b.store.DueDeferred(ctx, horizon)
	if err != nil {
		return err
	}
	for _, rec := range records {
		b.schedule(rec.Event.EventIdem, time.Until(rec.DeliverAt))
	}
	if len(records) > 0 {
		b.logger.Info("rescheduled deferred events", "count", len(records))
	}
	return nil
}

// Stop ends every session, closing WebSocket connections, and stops timers.
// The bus and store are owned by the caller.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		if b.busSub != nil {
			_ = b.busSub.Unsubscribe()
		}
		if b.stopEviction != nil {
			b.deferred.Stop()
			b.stopEviction()
		}
	})

	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()
	for _, s := range sessions {
		for _, sub := range s.subs {
			sub.close(apperrors.New(apperrors.ErrCodeClosed, "node shutting down"))
		}
		observability.NodeSessions.WithLabelValues(s.transport).Dec()
		if s.kick != nil {
			s.kick()
		}
	}
}

// Connect checks an access key and issues a session.
func (b *Broker) Connect(req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	sess, err := b.tokens.Login(req.AccessKey)
	if err != nil {
		observability.NodeAuthFailures.Inc()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAuth, "invalid access key")
	}
	b.logger.ClientAuthenticated(sess.ClientID)
	return &protocol.ConnectResponse{ClientID: sess.ClientID, ClientHash: sess.ClientHash}, nil
}

// OpenSession registers a connection-backed session. kick closes the
// connection if the session is revoked.
func (b *Broker) OpenSession(id, transport string, kick func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionLocked(id, transport).kick = kick
}

func (b *Broker) sessionLocked(id, transport string) *session {
	s, ok := b.sessions[id]
	if !ok {
		s = &session{id: id, transport: transport, subs: make(map[string]*subscriber)}
		b.sessions[id] = s
		observability.NodeSessions.WithLabelValues(transport).Inc()
	}
	return s
}

// CloseSession drops a session and all its subscriptions. The connection
// itself is left to the caller.
func (b *Broker) CloseSession(id string, cause error) {
	b.drop(id, cause, false)
}

func (b *Broker) drop(id string, cause error, kick bool) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	for _, sub := range s.subs {
		sub.close(cause)
	}
	observability.NodeSessions.WithLabelValues(s.transport).Dec()
	if kick && s.kick != nil {
		s.kick()
	}
}

// Revoke invalidates a session token and disconnects its holder.
func (b *Broker) Revoke(clientHash string) error {
	claims, err := b.tokens.ValidateToken(clientHash)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeAuth, "cannot revoke session")
	}
	b.tokens.Revoke(claims)
	b.drop(claims.ClientID, apperrors.New(apperrors.ErrCodeAuth, "session revoked"), true)
	b.logger.Info("session revoked", "client_id", claims.ClientID)
	return nil
}

// Publish stores one event per recipient and routes them over the bus.
func (b *Broker) Publish(ctx context.Context, sender string, req *protocol.PublishRequest) (resp *protocol.PublishResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "ensync.node.Publish", trace.WithAttributes(
		observability.AttrClientID.String(sender),
		observability.AttrEventName.String(req.EventName),
		observability.AttrRecipients.Int(len(req.DeliveryTo)),
	))
	defer func() { observability.EndSpan(span, err) }()

	if strings.TrimSpace(req.EventName) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event name is required")
	}
	if req.Payload == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "payload is required")
	}
	if len(req.DeliveryTo) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "at least one recipient is required")
	}
	for _, r := range req.DeliveryTo {
		if _, err := crypto.ParsePublicKey(r); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid recipient").WithContext("recipient", crypto.Fingerprint(r))
		}
	}

	now := time.Now().UTC()
	idems := make([]string, 0, len(req.DeliveryTo))
	for _, r := range req.DeliveryTo {
		ev := &protocol.EventMessage{
			EventIdem:  ulid.Make().String(),
			EventName:  req.EventName,
			Payload:    req.Payload,
			Sender:     sender,
			DeliveryTo: []string{r},
			Headers:    req.Headers,
			Metadata:   map[string]any{"persist": req.Persist},
			Timestamp:  now,
		}
		if err := b.store.Append(ctx, ev, r, req.Persist); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeServer, "failed to record event")
		}
		if err := b.emit(ctx, ev); err != nil {
			return nil, err
		}
		idems = append(idems, ev.EventIdem)
	}

	observability.NodeEventsPublished.WithLabelValues(strconv.FormatBool(req.Persist)).Add(float64(len(idems)))
	b.logger.WithEvent(req.EventName).Debug("event accepted", "sender", sender, "recipients", len(idems), "persist", req.Persist)
	return &protocol.PublishResponse{Status: protocol.StatusOK, EventIdems: idems}, nil
}

func (b *Broker) emit(ctx context.Context, ev *protocol.EventMessage) error {
	data, err := bus.EncodeEvent(ev)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode event")
	}
	if err := b.bus.Publish(ctx, subjectFor(ev.DeliveryTo[0]), data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeServer, "failed to route event")
	}
	return nil
}

// route fans a bus message out to local subscribers.
func (b *Broker) route(msg *bus.Message) {
	ev, err := bus.DecodeEvent(msg.Data)
	if err != nil {
		b.logger.Warn("dropping undecodable bus message", "subject", msg.Subject, "error", err)
		return
	}

	b.mu.RLock()
	var targets []*subscriber
	for _, s := range b.sessions {
		if sub, ok := s.subs[ev.EventName]; ok && sub.wants(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.offer(ev) {
			observability.NodeDeliveries.WithLabelValues(sub.transport).Inc()
		} else {
			b.logger.Warn("subscriber queue full, event left pending", "client_id", sub.session, "event_idem", ev.EventIdem)
		}
	}
}

// Subscribe registers a subscription for session, replacing any earlier one
// for the same event name. Persisted events still pending for the recipient
// are queued right away.
func (b *Broker) Subscribe(ctx context.Context, sessionID, transport string, req *protocol.SubscribeRequest) (*subscriber, error) {
	if strings.TrimSpace(req.EventName) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event name is required")
	}
	if req.Recipient != "" {
		if _, err := crypto.ParsePublicKey(req.Recipient); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid recipient")
		}
	}

	sub := newSubscriber(sessionID, transport, req, b.cfg.SessionBuffer)

	b.mu.Lock()
	s := b.sessionLocked(sessionID, transport)
	prev := s.subs[req.EventName]
	s.subs[req.EventName] = sub
	b.mu.Unlock()
	if prev != nil {
		prev.close(nil)
	}

	if req.Recipient != "" {
		pending, err := b.store.Pending(ctx, req.EventName, req.Recipient, b.cfg.PendingBatch)
		if err != nil {
			b.logger.Warn("failed to load pending events", "event_name", req.EventName, "error", err)
		}
		for _, rec := range pending {
			if sub.offer(rec.Event) {
				observability.NodeDeliveries.WithLabelValues(transport).Inc()
			}
		}
	}

	b.logger.WithEvent(req.EventName).Info("subscribed", "client_id", sessionID, "transport", transport)
	return sub, nil
}

// Unsubscribe removes the session's subscription to eventName, if any.
func (b *Broker) Unsubscribe(sessionID, eventName string) {
	b.release(sessionID, eventName, nil)
}

// release removes sub only if it is still the registered one. Sessions
// without a connection of their own disappear with their last subscription.
func (b *Broker) release(sessionID, eventName string, only *subscriber) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, ok := s.subs[eventName]
	if !ok || (only != nil && sub != only) {
		b.mu.Unlock()
		return
	}
	delete(s.subs, eventName)
	drop := len(s.subs) == 0 && s.kick == nil
	if drop {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	sub.close(nil)
	if drop {
		observability.NodeSessions.WithLabelValues(s.transport).Dec()
	}
}

// Ack settles an event.
func (b *Broker) Ack(ctx context.Context, req *protocol.AckRequest) error {
	if req.EventIdem == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	if err := b.settle(b.store.SetStatus(ctx, req.EventIdem, store.StatusAcked, ""), req.EventIdem); err != nil {
		return err
	}
	b.deferred.Delete(req.EventIdem)
	observability.NodeSettlements.WithLabelValues("ack").Inc()
	return nil
}

// Defer schedules redelivery of an event after the requested delay.
func (b *Broker) Defer(ctx context.Context, req *protocol.DeferRequest) (*protocol.DeferResponse, error) {
	if req.EventIdem == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	delay := time.Duration(req.DelayMs) * time.Millisecond
	if delay <= 0 || delay > b.cfg.MaxDeferDelay {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "defer delay must be between 0 and %s", b.cfg.MaxDeferDelay)
	}

	deliverAt := time.Now().Add(delay)
	if err := b.settle(b.store.Defer(ctx, req.EventIdem, deliverAt, req.Reason), req.EventIdem); err != nil {
		return nil, err
	}
	b.schedule(req.EventIdem, delay)
	observability.NodeSettlements.WithLabelValues("defer").Inc()
	return &protocol.DeferResponse{EventIdem: req.EventIdem, DeliveryTime: deliverAt}, nil
}

// Discard drops an event without delivering it again.
func (b *Broker) Discard(ctx context.Context, req *protocol.DiscardRequest) error {
	if req.EventIdem == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	if err := b.settle(b.store.SetStatus(ctx, req.EventIdem, store.StatusDiscarded, req.Reason), req.EventIdem); err != nil {
		return err
	}
	b.deferred.Delete(req.EventIdem)
	observability.NodeSettlements.WithLabelValues("discard").Inc()
	return nil
}

// Replay returns a persisted event.
func (b *Broker) Replay(ctx context.Context, req *protocol.ReplayRequest) (*protocol.EventMessage, error) {
	if req.EventIdem == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	rec, err := b.store.Get(ctx, req.EventIdem)
	if err != nil {
		return nil, b.settle(err, req.EventIdem)
	}
	if !rec.Persist {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "event %s was not persisted", req.EventIdem)
	}
	if req.EventName != "" && rec.Event.EventName != req.EventName {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "event %s is not a %s event", req.EventIdem, req.EventName)
	}
	return rec.Event, nil
}

// Heartbeat reports liveness.
func (b *Broker) Heartbeat() *protocol.HeartbeatResponse {
	return &protocol.HeartbeatResponse{Status: protocol.StatusOK, ServerTime: time.Now().UTC()}
}

// settle maps store errors onto the error taxonomy.
func (b *Broker) settle(err error, idem string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperrors.Newf(apperrors.ErrCodeNotFound, "event %s not found", idem)
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeServer, "event store failure").WithContext("event_idem", idem)
	}
}

func (b *Broker) schedule(idem string, delay time.Duration) {
	if delay <= 0 {
		delay = time.Millisecond
	}
	b.deferred.Set(idem, struct{}{}, delay)
}

// redeliver puts a deferred event back on the bus once its delay elapses.
func (b *Broker) redeliver(idem string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := b.store.Get(ctx, idem)
	if err != nil {
		b.logger.Warn("deferred event vanished", "event_idem", idem, "error", err)
		return
	}
	if rec.Status != store.StatusDeferred {
		return
	}
	if err := b.store.SetStatus(ctx, idem, store.StatusPending, ""); err != nil {
		b.logger.Warn("failed to reopen deferred event", "event_idem", idem, "error", err)
		return
	}
	if err := b.emit(ctx, rec.Event); err != nil {
		b.logger.Warn("failed to redeliver deferred event", "event_idem", idem, "error", err)
		return
	}
	b.logger.Debug("deferred event redelivered", "event_idem", idem)
}

// Prune deletes settled and transient events older than the retention period,
// and forgets expired token revocations.
func (b *Broker) Prune(ctx context.Context, retention time.Duration) {
	removed, err := b.store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		b.logger.Warn("event pruning failed", "error", err)
	} else if removed > 0 {
		b.logger.Info("pruned events", "count", removed)
	}
	if n := b.tokens.CleanupRevokedTokens(); n > 0 {
		b.logger.Debug("forgot expired revocations", "count", n)
	}
}
