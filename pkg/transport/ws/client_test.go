package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/protocol"
	"github.com/odvcencio/ensync/pkg/transport"
)

// fakeNode answers every request and pushes one event after a subscribe.
func fakeNode(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for {
			var env protocol.Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			var reply *protocol.Envelope
			switch env.Type {
			case protocol.TypeConnect:
				var req protocol.ConnectRequest
				_ = env.Decode(&req)
				if req.AccessKey != "good-key" {
					reply = protocol.ErrorEnvelope(env.ID, apperrors.New(apperrors.ErrCodeAuth, "invalid access key"))
					break
				}
				reply, _ = protocol.NewEnvelope(protocol.TypeResponse, env.ID, &protocol.ConnectResponse{ClientID: "c1", ClientHash: "h1"})
			case protocol.TypeSubscribe:
				var req protocol.SubscribeRequest
				_ = env.Decode(&req)
				reply, _ = protocol.NewEnvelope(protocol.TypeResponse, env.ID, nil)
				_ = wsjson.Write(ctx, conn, reply)
				ev, _ := protocol.NewEnvelope(protocol.TypeEvent, "", &protocol.EventMessage{EventIdem: "i1", EventName: req.EventName, Block: 1})
				reply = ev
			case protocol.TypeHeartbeat:
				reply, _ = protocol.NewEnvelope(protocol.TypeResponse, env.ID, &protocol.HeartbeatResponse{Status: protocol.StatusOK})
			case "drop":
				return
			default:
				reply, _ = protocol.NewEnvelope(protocol.TypeResponse, env.ID, &protocol.PublishResponse{Status: protocol.StatusOK, EventIdems: []string{"p1"}})
			}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTransport_RequiresDialAndAuth(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	tr := New(wsURL(srv), transport.Options{})
	_, err := tr.Heartbeat(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotConnected))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Dial(ctx))
	defer tr.Close()

	_, err = tr.Publish(ctx, &protocol.PublishRequest{EventName: "a/b"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotAuthenticated))

	_, err = tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: "nope"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuth))
}

func TestTransport_RoundTrip(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	tr := New(wsURL(srv), transport.Options{PingInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Dial(ctx))
	defer tr.Close()

	resp, err := tr.Connect(ctx, &protocol.ConnectRequest{AccessKey: "good-key"})
	require.NoError(t, err)
	assert.Equal(t, "h1", resp.ClientHash)

	pub, err := tr.Publish(ctx, &protocol.PublishRequest{EventName: "a/b", Payload: "x", DeliveryTo: []string{"r"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, pub.EventIdems)

	got := make(chan *protocol.EventMessage, 1)
	require.NoError(t, tr.Subscribe(ctx, &protocol.SubscribeRequest{EventName: "a/b"}, func(m *protocol.EventMessage) {
		got <- m
	}))
	select {
	case m := <-got:
		assert.Equal(t, "i1", m.EventIdem)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	// let a few pings go through
	time.Sleep(150 * time.Millisecond)
	hb, err := tr.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, hb.Status)
}

func TestTransport_ServerDropFiresDisconnect(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	lost := make(chan error, 1)
	tr := New(wsURL(srv), transport.Options{OnDisconnect: func(err error) { lost <- err }})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Dial(ctx))
	defer tr.Close()

	err := tr.request(ctx, "drop", nil, nil, false)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnection))

	select {
	case err := <-lost:
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnection))
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
}

func TestTransport_CloseDoesNotFireDisconnect(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	lost := make(chan error, 1)
	tr := New(wsURL(srv), transport.Options{OnDisconnect: func(err error) { lost <- err }})
	require.NoError(t, tr.Dial(context.Background()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case <-lost:
		t.Fatal("explicit Close must not report a disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}
