package ensync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/ensync/pkg/crypto"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/protocol"
)

const (
	deliveryBuffer = 256
	maxDeferDelay  = 24 * time.Hour
)

// Handler processes one decrypted event. Returning an error leaves the event
// un-acked.
type Handler func(ctx context.Context, ev *Event) error

type handlerEntry struct {
	fn Handler
}

type settlement int

const (
	settledAck settlement = iota + 1
	settledDefer
	settledDiscard
)

// Subscription delivers events for one event name to its handlers, in order.
type Subscription struct {
	client    *Client
	eventName string
	autoAck   bool
	secretKey string
	logger    *observability.Logger

	seen *ttlcache.Cache[string, struct{}]

	queue    chan *protocol.EventMessage
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	handlers []*handlerEntry
	// closed while at least one handler is attached
	ready chan struct{}
	// settlement made by a handler for the event being dispatched
	inflight       string
	inflightAction settlement
}

func newSubscription(c *Client, eventName string, opts SubscribeOptions) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](c.opts.dedupWindow),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()

	s := &Subscription{
		client:    c,
		eventName: eventName,
		autoAck:   opts.AutoAck,
		secretKey: opts.AppSecretKey,
		logger:    c.logger.WithEvent(eventName),
		seen:      seen,
		queue:     make(chan *protocol.EventMessage, deliveryBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
	}
	go s.run()
	return s
}

// request names this subscription to the node. The recipient is derived from
// the decrypting key so the node only routes events this subscription can open.
func (s *Subscription) request() *protocol.SubscribeRequest {
	req := &protocol.SubscribeRequest{EventName: s.eventName}
	if kp, err := crypto.KeyPairFromSecret(s.client.secretFor(s)); err == nil {
		req.Recipient = kp.PublicKeyBase64()
	}
	return req
}

// EventName is the event name this subscription is bound to.
func (s *Subscription) EventName() string {
	return s.eventName
}

// On adds a handler. Calling the returned func removes it. Events that
// arrive while no handler is attached wait in the delivery buffer.
func (s *Subscription) On(h Handler) func() {
	if h == nil {
		return func() {}
	}
	entry := &handlerEntry{fn: h}

	s.mu.Lock()
	s.handlers = append(s.handlers, entry)
	if len(s.handlers) == 1 {
		close(s.ready)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.handlers {
				if e == entry {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					if len(s.handlers) == 0 {
						s.ready = make(chan struct{})
					}
					return
				}
			}
		})
	}
}

func (s *Subscription) snapshot() []*handlerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*handlerEntry, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// deliver is the transport callback. It never blocks the transport reader.
func (s *Subscription) deliver(msg *protocol.EventMessage) {
	if msg == nil || msg.EventName != s.eventName {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.queue <- msg:
	default:
		observability.ClientEventsReceived.WithLabelValues(s.client.tr.Name(), "dropped").Inc()
		s.logger.Warn("delivery buffer full, dropping event", "event_idem", msg.EventIdem)
	}
}

// awaitHandlers blocks until a handler is attached or the subscription stops.
func (s *Subscription) awaitHandlers() bool {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	select {
	case <-s.ctx.Done():
		return false
	case <-ready:
		return true
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	var next *protocol.EventMessage
	for {
		if !s.awaitHandlers() {
			return
		}
		if next == nil {
			select {
			case <-s.ctx.Done():
				return
			case next = <-s.queue:
			}
		}
		if s.dispatch(next) {
			next = nil
		}
	}
}

// dispatch runs the handlers for msg. It returns false, leaving msg with the
// caller, when the last handler was removed before the event could be handed
// over.
func (s *Subscription) dispatch(msg *protocol.EventMessage) bool {
	tr := s.client.tr.Name()

	if msg.EventIdem != "" && s.seen.Has(msg.EventIdem) {
		observability.ClientEventsReceived.WithLabelValues(tr, "duplicate").Inc()
		s.logger.Debug("duplicate event skipped", "event_idem", msg.EventIdem)
		return true
	}

	handlers := s.snapshot()
	if len(handlers) == 0 {
		return false
	}

	secret := s.client.secretFor(s)
	if secret == "" {
		observability.ClientEventsReceived.WithLabelValues(tr, "decrypt_failed").Inc()
		s.logger.Error("no app secret key to decrypt event", "event_idem", msg.EventIdem)
		return true
	}
	ev, err := decryptEvent(msg, secret)
	if err != nil {
		observability.ClientEventsReceived.WithLabelValues(tr, "decrypt_failed").Inc()
		s.logger.Error("failed to decrypt event", "event_idem", msg.EventIdem, "error", err)
		return true
	}

	ctx, span := s.client.opts.tracer.Start(s.ctx, "ensync.Dispatch", trace.WithAttributes(
		observability.AttrEventName.String(ev.EventName),
		observability.AttrEventIdem.String(ev.Idem),
	))
	s.logger.WithContext(ctx).EventReceived(ev.EventName, ev.Idem, ev.Block)

	s.mu.Lock()
	s.inflight, s.inflightAction = ev.Idem, 0
	s.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := invoke(ctx, h.fn, ev); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	action := s.inflightAction
	s.inflight, s.inflightAction = "", 0
	s.mu.Unlock()

	err = errors.Join(errs...)
	if err != nil {
		observability.ClientEventsReceived.WithLabelValues(tr, "handler_failed").Inc()
		s.logger.HandlerFailed(ev.EventName, ev.Idem, err)
		observability.EndSpan(span, err)
		return true
	}

	// An event the node still holds as pending must stay dispatchable.
	if s.autoAck && action == 0 {
		if err := s.Ack(ctx, ev.Idem, ev.Block); err != nil {
			observability.ClientEventsReceived.WithLabelValues(tr, "ack_failed").Inc()
			s.logger.Warn("auto-ack failed", "event_idem", ev.Idem, "error", err)
			observability.EndSpan(span, err)
			return true
		}
	}
	if action != settledDefer && ev.Idem != "" {
		s.seen.Set(ev.Idem, struct{}{}, ttlcache.DefaultTTL)
	}
	observability.ClientEventsReceived.WithLabelValues(tr, "dispatched").Inc()
	observability.EndSpan(span, nil)
	return true
}

func (s *Subscription) markSettled(idem string, action settlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == idem {
		s.inflightAction = action
	}
}

func invoke(ctx context.Context, h Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h(ctx, ev)
}

// Ack confirms an event so the node stops redelivering it.
func (s *Subscription) Ack(ctx context.Context, idem string, block int64) error {
	if err := s.client.requireAuth(); err != nil {
		return err
	}
	if idem == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	if err := s.client.tr.Ack(ctx, &protocol.AckRequest{EventIdem: idem, Block: block, EventName: s.eventName}); err != nil {
		return err
	}
	s.markSettled(idem, settledAck)
	return nil
}

// Defer asks the node to redeliver the event after delay. The redelivery is
// dispatched again even though this subscription has seen the idem.
func (s *Subscription) Defer(ctx context.Context, idem string, delay time.Duration, reason string) (time.Time, error) {
	if err := s.client.requireAuth(); err != nil {
		return time.Time{}, err
	}
	if idem == "" {
		return time.Time{}, apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	if delay <= 0 || delay > maxDeferDelay {
		return time.Time{}, apperrors.Newf(apperrors.ErrCodeInvalidInput, "defer delay must be between 0 and %s", maxDeferDelay).
			WithContext("delay", delay)
	}

	resp, err := s.client.tr.Defer(ctx, &protocol.DeferRequest{
		EventIdem: idem,
		EventName: s.eventName,
		DelayMs:   delay.Milliseconds(),
		Reason:    reason,
	})
	if err != nil {
		return time.Time{}, err
	}
	s.seen.Delete(idem)
	s.markSettled(idem, settledDefer)
	return resp.DeliveryTime, nil
}

// Discard drops the event without processing it.
func (s *Subscription) Discard(ctx context.Context, idem, reason string) error {
	if err := s.client.requireAuth(); err != nil {
		return err
	}
	if idem == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	if err := s.client.tr.Discard(ctx, &protocol.DiscardRequest{EventIdem: idem, EventName: s.eventName, Reason: reason}); err != nil {
		return err
	}
	s.markSettled(idem, settledDiscard)
	return nil
}

// Replay fetches a persisted event and decrypts it. Handlers are not invoked.
func (s *Subscription) Replay(ctx context.Context, idem string) (*Event, error) {
	if err := s.client.requireAuth(); err != nil {
		return nil, err
	}
	if idem == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "event idem is required")
	}
	msg, err := s.client.tr.Replay(ctx, &protocol.ReplayRequest{EventIdem: idem, EventName: s.eventName})
	if err != nil {
		return nil, err
	}
	secret := s.client.secretFor(s)
	if secret == "" {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "no app secret key to decrypt event")
	}
	return decryptEvent(msg, secret)
}

// Unsubscribe stops delivery and removes the subscription from its client.
// Without a live session only the local state is dropped, so a later
// reconnect does not restore it.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.client.removeSubscription(s)
	s.stop()
	if s.client.requireAuth() != nil {
		s.logger.Debug("unsubscribed locally, no live session")
		return nil
	}
	return s.client.tr.Unsubscribe(ctx, &protocol.UnsubscribeRequest{EventName: s.eventName})
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.seen.Stop()
	})
}
