// ABOUTME: Cloud-side server wiring: registry, dispatcher, heartbeat monitor, HTTP routes.
// ABOUTME: Owns the listen socket and the graceful shutdown path.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/glasswing-io/dbtunnel/internal/auth"
	"github.com/glasswing-io/dbtunnel/internal/config"
	"github.com/glasswing-io/dbtunnel/internal/dispatch"
	"github.com/glasswing-io/dbtunnel/internal/heartbeat"
	"github.com/glasswing-io/dbtunnel/internal/protocol"
	"github.com/glasswing-io/dbtunnel/internal/registry"
	"github.com/glasswing-io/dbtunnel/internal/store"
)

// WSPath is the fixed path agents dial for the tunnel websocket.
const WSPath = "/api/gateway/ws"

// Gateway is the assembled cloud side of the tunnel.
type Gateway struct {
	cfg        *config.GatewayConfig
	store      store.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	monitor    *heartbeat.Monitor
	validator  auth.TokenValidator
	verifier   *auth.JWTVerifier
	codec      *protocol.Codec
	logger     *slog.Logger
}

// New assembles a Gateway from explicit component instances. Nothing here is
// a process-wide singleton; callers hold the references.
func New(cfg *config.GatewayConfig, st store.Store, logger *slog.Logger) *Gateway {
	reg := registry.NewRegistry(logger)

	g := &Gateway{
		cfg:      cfg,
		store:    st,
		registry: reg,
		dispatcher: dispatch.New(reg, dispatch.Options{
			MaxInFlight: cfg.Tunnel.MaxInFlight,
		}, logger),
		monitor: heartbeat.New(reg, heartbeat.Options{
			StaleAfter: cfg.Tunnel.StaleAfter,
		}, logger),
		validator: auth.NewStoreValidator(st),
		verifier:  auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		codec:     protocol.NewCodec(cfg.Tunnel.MaxMessageBytes),
		logger:    logger.With("component", "gateway"),
	}
	return g
}

// Registry exposes the connection registry, mainly for tests.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Dispatcher exposes the request dispatcher for in-process callers.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Router builds the HTTP routing table.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get(WSPath, g.handleAgentWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(g.requireJWT)
		r.Post("/query", g.handleQuery)
		r.Get("/connections", g.handleConnections)
	})

	return r
}

// Run serves HTTP and drives the background sweeps until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.HTTPAddr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go g.monitor.Run(ctx)
	go g.dispatcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.HTTPAddr, "ws_path", WSPath)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	for _, conn := range g.registry.Connections() {
		g.registry.Evict(conn.ID, "gateway shutting down")
	}
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
