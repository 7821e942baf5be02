// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/amurg-ai/relay/hub/api"
	"github.com/amurg-ai/relay/hub/auth"
	"github.com/amurg-ai/relay/hub/config"
	"github.com/amurg-ai/relay/hub/metrics"
	"github.com/amurg-ai/relay/hub/router"
	"github.com/amurg-ai/relay/hub/store"
)

const shutdownTimeout = 30 * time.Second

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store // nil when storage driver is "none"
	authProvider auth.Provider
	metrics      *metrics.Metrics
	router       *router.Router
	api          *api.Server
	logger       *slog.Logger

	// ready receives the bound address once the listener is up.
	ready chan net.Addr
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	m := metrics.New()
	rt := router.New(authProvider, db, m, logger, router.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RequestTimeout:  cfg.Relay.RequestTimeout.Duration,
		PingInterval:    cfg.Relay.PingInterval.Duration,
		LivenessWindow:  cfg.Relay.LivenessWindow.Duration,
		WriteWait:       cfg.Relay.WriteWait.Duration,
		SendBuffer:      cfg.Relay.SendBuffer,
		MaxPending:      cfg.Relay.MaxPending,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		MessageRate:     cfg.Relay.MessageRate,
		MessageBurst:    cfg.Relay.MessageBurst,
	})
	apiSrv := api.NewServer(rt, authProvider, db, m, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		metrics:      m,
		router:       rt,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
		ready:        make(chan net.Addr, 1),
	}

	if authProvider.Name() == "none" {
		logger.Warn("auth provider \"none\" trusts every token, development only")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if db == nil {
		logger.Info("connection audit log disabled")
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		h.closeStore()
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.router.Run(ctx)
	h.api.StartBackgroundTasks(ctx)
	if h.store != nil && h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()
	h.ready <- ln.Addr()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSockets are invisible to srv.Shutdown; close them first.
		if err := h.router.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("connections did not drain in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.closeStore()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.router.Shutdown(context.Background())
		h.closeStore()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Ready returns a channel that yields the listener address once Run is serving.
func (h *Hub) Ready() <-chan net.Addr { return h.ready }

func (h *Hub) closeStore() {
	if h.store == nil {
		return
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, time.Now().Add(-retention))
		}
	}
}

func (h *Hub) purge(ctx context.Context, cutoff time.Time) {
	if n, err := h.store.PurgeOldEvents(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: connection events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old connection events", "count", n)
	}
}
