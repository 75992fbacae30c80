package node

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/ensync/pkg/bus"
	"github.com/odvcencio/ensync/pkg/config"
	"github.com/odvcencio/ensync/pkg/crypto"
	"github.com/odvcencio/ensync/pkg/ensync"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/store"
)

const testAccessKey = "test-access-key"

type testNode struct {
	*Node
	grpcAddr string
	httpAddr string
}

// startNode serves a node on loopback listeners with the memory bus and a
// temp-dir event store.
func startNode(t *testing.T) *testNode {
	t.Helper()

	cfg := config.DefaultNodeConfig()
	cfg.Auth.AccessKeys = []string{testAccessKey}
	cfg.Auth.TokenSecret = "node-test-secret"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "events.db")
	cfg.Delivery.PruneInterval = 0
	cfg.Delivery.ShutdownTimeout = 2 * time.Second

	n, err := New(cfg, nil)
	require.NoError(t, err)

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, grpcLis, httpLis) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
		assert.NoError(t, n.Close())
	})
	return &testNode{Node: n, grpcAddr: grpcLis.Addr().String(), httpAddr: httpLis.Addr().String()}
}

type peer struct {
	client   *ensync.Client
	identity *crypto.KeyPair
}

func newPeer(t *testing.T, address string, opts ...ensync.Option) *peer {
	t.Helper()
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	engine, err := ensync.NewEngine(address, append([]ensync.Option{
		ensync.WithReconnectInterval(50 * time.Millisecond),
	}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := engine.CreateClient(ctx, testAccessKey, ensync.ClientOptions{AppSecretKey: identity.SecretKeyBase64()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return &peer{client: client, identity: identity}
}

func (p *peer) key() string {
	return p.identity.PublicKeyBase64()
}

// collect subscribes to eventName and forwards every event to the returned
// channel.
func collect(t *testing.T, p *peer, eventName string, autoAck bool) (*ensync.Subscription, <-chan *ensync.Event) {
	t.Helper()
	sub, err := p.client.Subscribe(context.Background(), eventName, ensync.SubscribeOptions{AutoAck: autoAck})
	require.NoError(t, err)
	events := make(chan *ensync.Event, 16)
	sub.On(func(_ context.Context, ev *ensync.Event) error {
		events <- ev
		return nil
	})
	return sub, events
}

func receive(t *testing.T, events <-chan *ensync.Event) *ensync.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertSilent(t *testing.T, events <-chan *ensync.Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s (%s)", ev.Idem, ev.EventName)
	case <-time.After(wait):
	}
}

func TestRoundTripOverBothTransports(t *testing.T) {
	n := startNode(t)

	addresses := map[string]string{
		"grpc":      "grpc://" + n.grpcAddr,
		"websocket": "ws://" + n.httpAddr + "/ws",
	}
	for name, address := range addresses {
		t.Run(name, func(t *testing.T) {
			alice := newPeer(t, address)
			bob := newPeer(t, address)
			_, events := collect(t, bob, "orders/created", true)

			res, err := alice.client.Publish(context.Background(), "orders/created", []string{bob.key()},
				map[string]any{"order": "o-1", "total": 42}, ensync.PublishOptions{Headers: map[string]string{"source": "test"}})
			require.NoError(t, err)
			require.Len(t, res.Idems, 1)

			ev := receive(t, events)
			assert.Equal(t, res.Idems[0], ev.Idem)
			assert.Equal(t, "o-1", ev.Payload["order"])
			assert.Equal(t, alice.client.ClientID(), ev.Sender)
			assert.Equal(t, "test", ev.Headers["source"])
			assert.Positive(t, ev.Block)

			require.Eventually(t, func() bool {
				rec, err := n.store.Get(context.Background(), ev.Idem)
				return err == nil && rec.Status == store.StatusAcked
			}, 5*time.Second, 20*time.Millisecond, "auto-ack should settle the event")
		})
	}
}

func TestEventsOnlyReachTheirRecipients(t *testing.T) {
	n := startNode(t)
	address := "grpc://" + n.grpcAddr

	alice := newPeer(t, address)
	bob := newPeer(t, address)
	carol := newPeer(t, address)
	_, bobEvents := collect(t, bob, "chat/message", false)
	_, carolEvents := collect(t, carol, "chat/message", false)
	_, bobOther := collect(t, bob, "chat/typing", false)

	_, err := alice.client.Publish(context.Background(), "chat/message", []string{bob.key()}, map[string]any{"text": "hi"}, ensync.PublishOptions{})
	require.NoError(t, err)

	ev := receive(t, bobEvents)
	assert.Equal(t, "hi", ev.Payload["text"])
	assertSilent(t, carolEvents, 200*time.Millisecond)
	assertSilent(t, bobOther, 0)
}

func TestHybridPublishReachesEveryRecipient(t *testing.T) {
	n := startNode(t)
	address := "ws://" + n.httpAddr

	alice := newPeer(t, address)
	bob := newPeer(t, address)
	carol := newPeer(t, address)
	_, bobEvents := collect(t, bob, "news", true)
	_, carolEvents := collect(t, carol, "news", true)

	res, err := alice.client.Publish(context.Background(), "news", []string{bob.key(), carol.key()}, map[string]any{"headline": "x"}, ensync.PublishOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Idems, 2)

	assert.Equal(t, "x", receive(t, bobEvents).Payload["headline"])
	assert.Equal(t, "x", receive(t, carolEvents).Payload["headline"])
}

func TestDeferRedeliversAfterDelay(t *testing.T) {
	n := startNode(t)
	address := "grpc://" + n.grpcAddr

	alice := newPeer(t, address)
	bob := newPeer(t, address)

	sub, err := bob.client.Subscribe(context.Background(), "jobs", ensync.SubscribeOptions{AutoAck: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []time.Time
	redelivered := make(chan struct{})
	sub.On(func(ctx context.Context, ev *ensync.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, time.Now())
		if len(seen) == 1 {
			_, err := sub.Defer(ctx, ev.Idem, 150*time.Millisecond, "busy")
			return err
		}
		close(redelivered)
		return nil
	})

	_, err = alice.client.Publish(context.Background(), "jobs", []string{bob.key()}, map[string]any{"job": 1}, ensync.PublishOptions{})
	require.NoError(t, err)

	select {
	case <-redelivered:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred event was not redelivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, seen[1].Sub(seen[0]), 100*time.Millisecond)
}

func TestReplayOnlyServesPersistedEvents(t *testing.T) {
	n := startNode(t)
	address := "grpc://" + n.grpcAddr

	alice := newPeer(t, address)
	bob := newPeer(t, address)
	sub, events := collect(t, bob, "audit", false)

	kept, err := alice.client.Publish(context.Background(), "audit", []string{bob.key()}, map[string]any{"n": 1}, ensync.PublishOptions{Persist: true})
	require.NoError(t, err)
	transient, err := alice.client.Publish(context.Background(), "audit", []string{bob.key()}, map[string]any{"n": 2}, ensync.PublishOptions{})
	require.NoError(t, err)
	receive(t, events)
	receive(t, events)

	ev, err := sub.Replay(context.Background(), kept.Idems[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.Payload["n"])

	_, err = sub.Replay(context.Background(), transient.Idems[0])
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound), "got %v", err)
}

func TestPendingPersistedEventsDeliveredOnSubscribe(t *testing.T) {
	n := startNode(t)
	address := "grpc://" + n.grpcAddr

	alice := newPeer(t, address)
	bob := newPeer(t, address)

	res, err := alice.client.Publish(context.Background(), "inbox", []string{bob.key()}, map[string]any{"m": "while away"}, ensync.PublishOptions{Persist: true})
	require.NoError(t, err)

	_, events := collect(t, bob, "inbox", true)
	ev := receive(t, events)
	assert.Equal(t, res.Idems[0], ev.Idem)
	assert.Equal(t, "while away", ev.Payload["m"])
}

func TestPendingEventsWaitForLateHandler(t *testing.T) {
	n := startNode(t)

	for name, address := range map[string]string{
		"grpc":      "grpc://" + n.grpcAddr,
		"websocket": "ws://" + n.httpAddr + "/ws",
	} {
		t.Run(name, func(t *testing.T) {
			alice := newPeer(t, address)
			bob := newPeer(t, address)

			res, err := alice.client.Publish(context.Background(), "inbox", []string{bob.key()}, map[string]any{"m": "queued"}, ensync.PublishOptions{Persist: true})
			require.NoError(t, err)

			sub, err := bob.client.Subscribe(context.Background(), "inbox", ensync.SubscribeOptions{AutoAck: true})
			require.NoError(t, err)
			// The node pushes the pending event before any handler exists.
			time.Sleep(100 * time.Millisecond)

			events := make(chan *ensync.Event, 4)
			sub.On(func(_ context.Context, ev *ensync.Event) error {
				events <- ev
				return nil
			})

			ev := receive(t, events)
			assert.Equal(t, res.Idems[0], ev.Idem)
			assert.Equal(t, "queued", ev.Payload["m"])
			require.Eventually(t, func() bool {
				rec, err := n.store.Get(context.Background(), ev.Idem)
				return err == nil && rec.Status == store.StatusAcked
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestDiscardSettlesEvent(t *testing.T) {
	n := startNode(t)
	address := "ws://" + n.httpAddr + "/ws"

	alice := newPeer(t, address)
	bob := newPeer(t, address)
	sub, events := collect(t, bob, "inbox", false)

	_, err := alice.client.Publish(context.Background(), "inbox", []string{bob.key()}, map[string]any{"spam": true}, ensync.PublishOptions{})
	require.NoError(t, err)
	ev := receive(t, events)

	require.NoError(t, sub.Discard(context.Background(), ev.Idem, "spam"))
	rec, err := n.store.Get(context.Background(), ev.Idem)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDiscarded, rec.Status)
	assert.Equal(t, "spam", rec.Reason)
}

func TestClientReconnectsAfterForcedDisconnect(t *testing.T) {
	n := startNode(t)

	for name, address := range map[string]string{
		"grpc":      "grpc://" + n.grpcAddr,
		"websocket": "ws://" + n.httpAddr + "/ws",
	} {
		t.Run(name, func(t *testing.T) {
			alice := newPeer(t, address)
			bob := newPeer(t, address)
			_, events := collect(t, bob, "presence", true)

			before := bob.client.ClientHash()
			require.NoError(t, n.Revoke(before))

			require.Eventually(t, func() bool {
				return bob.client.IsAuthenticated() && bob.client.ClientHash() != before
			}, 5*time.Second, 20*time.Millisecond, "client should reconnect with a new session")
			assert.True(t, bob.client.ShouldReconnect())

			// Persisted so the event is still delivered if it lands before
			// the resubscribe does.
			_, err := alice.client.Publish(context.Background(), "presence", []string{bob.key()}, map[string]any{"online": true}, ensync.PublishOptions{Persist: true})
			require.NoError(t, err)
			assert.Equal(t, true, receive(t, events).Payload["online"])
		})
	}
}

func TestCreateClientRejectsUnknownAccessKey(t *testing.T) {
	n := startNode(t)

	engine, err := ensync.NewEngine("grpc://"+n.grpcAddr, ensync.WithMaxReconnectAttempts(0))
	require.NoError(t, err)
	_, err = engine.CreateClient(context.Background(), "wrong-key", ensync.ClientOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuth), "got %v", err)
}

func TestHTTPEndpoints(t *testing.T) {
	n := startNode(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get("http://" + n.httpAddr + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

type sheddingBus struct {
	bus.MessageBus
	dropped uint64
}

func (b *sheddingBus) Dropped() uint64 { return b.dropped }

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestReportBusDropsCountsEachDropOnce(t *testing.T) {
	shed := &sheddingBus{dropped: 5}
	n := &Node{bus: shed, logger: observability.Discard()}
	before := counterValue(t, observability.NodeBusDropped)

	n.reportBusDrops()
	n.reportBusDrops()
	assert.Equal(t, uint64(5), n.busDropped.Load())
	assert.Equal(t, before+5, counterValue(t, observability.NodeBusDropped))

	shed.dropped = 8
	n.reportBusDrops()
	assert.Equal(t, before+8, counterValue(t, observability.NodeBusDropped))
}
