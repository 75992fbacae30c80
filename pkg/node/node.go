// Package node is a reference EnSync node. It authenticates SDK clients,
// routes encrypted events between them over an internal bus and keeps an
// event log for ack, defer, discard and replay. It speaks the same gRPC and
// WebSocket protocols as the SDK transports.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/odvcencio/ensync/pkg/auth"
	"github.com/odvcencio/ensync/pkg/bus"
	"github.com/odvcencio/ensync/pkg/config"
	"github.com/odvcencio/ensync/pkg/observability"
	"github.com/odvcencio/ensync/pkg/store"
)

// Node owns the servers and the resources behind them.
type Node struct {
	cfg    *config.NodeConfig
	logger *observability.Logger

	tokens *auth.TokenManager
	bus    bus.MessageBus
	store  *store.SQLiteStore
	broker *Broker

	grpcServer *grpc.Server
	httpServer *http.Server

	// busDropped is the bus drop count already reported.
	busDropped atomic.Uint64
}

// dropCounter is implemented by buses that shed messages for slow subscribers.
type dropCounter interface {
	Dropped() uint64
}

// New opens the store and bus named by cfg. Call Close when done.
func New(cfg *config.NodeConfig, logger *observability.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultNodeConfig()
	}
	if logger == nil {
		logger = observability.Discard()
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.AccessKeys, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	b, err := bus.New(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name, Timeout: cfg.Bus.Timeout})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open message bus: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		tokens: tokens,
		bus:    b,
		store:  st,
	}
	n.broker = NewBroker(tokens, b, st, cfg.Delivery, logger)
	n.grpcServer = newGRPCServer(n.broker, tokens)
	n.httpServer = &http.Server{
		Handler:           n.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n, nil
}

func (n *Node) routes() http.Handler {
	ws := newWSHandler(n.broker, n.logger)
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/ws", ws)
	mux.Handle("/", ws)
	return mux
}

// Run listens on the configured addresses and serves until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", n.cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.GRPC.Address, err)
	}
	httpLis, err := net.Listen("tcp", n.cfg.HTTP.Address)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen on %s: %w", n.cfg.HTTP.Address, err)
	}
	return n.Serve(ctx, grpcLis, httpLis)
}

// Serve runs the gRPC and HTTP servers on the given listeners until ctx ends
// or either server fails.
func (n *Node) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	if err := n.broker.Start(ctx); err != nil {
		grpcLis.Close()
		httpLis.Close()
		return err
	}
	n.logger.Info("node listening",
		"grpc", grpcLis.Addr().String(),
		"http", httpLis.Addr().String(),
		"bus", n.cfg.Bus.URL,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := n.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n.maintain(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})
	return g.Wait()
}

func (n *Node) maintain(ctx context.Context) {
	interval := n.cfg.Delivery.PruneInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broker.Prune(ctx, n.cfg.Store.Retention)
			n.reportBusDrops()
		}
	}
}

// reportBusDrops publishes messages the bus shed since the last call. Shed
// persisted events are still pending in the store.
func (n *Node) reportBusDrops() {
	dc, ok := n.bus.(dropCounter)
	if !ok {
		return
	}
	total := dc.Dropped()
	prev := n.busDropped.Load()
	if total <= prev || !n.busDropped.CompareAndSwap(prev, total) {
		return
	}
	delta := total - prev
	observability.NodeBusDropped.Add(float64(delta))
	n.logger.Warn("bus dropped messages for a slow subscriber", "dropped", delta, "total", total)
}

func (n *Node) shutdown() {
	n.logger.Info("node shutting down")
	n.broker.Stop()
	n.reportBusDrops()

	timeout := n.cfg.Delivery.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		n.grpcServer.Stop()
	}
	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.logger.Warn("http shutdown incomplete", "error", err)
	}
}

// Revoke ends the session identified by its clientHash and disconnects it.
func (n *Node) Revoke(clientHash string) error {
	return n.broker.Revoke(clientHash)
}

// Close releases the bus and the store. Call it after Serve returns.
func (n *Node) Close() error {
	return errors.Join(n.bus.Close(), n.store.Close())
}
