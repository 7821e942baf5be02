// Package router accepts runtime and agent WebSocket connections and routes
// messages between them.
//
// Agents send graphql_query and get_docs requests; the router forwards each to
// the project's runtime and correlates the runtime's answer back to the exact
// agent connection that asked.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/hub/auth"
	"github.com/amurg-ai/relay/hub/correlator"
	"github.com/amurg-ai/relay/hub/metrics"
	"github.com/amurg-ai/relay/hub/registry"
	"github.com/amurg-ai/relay/hub/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router. Zero values take defaults.
type Options struct {
	AllowedOrigins  []string // for WebSocket origin check
	RequestTimeout  time.Duration
	PingInterval    time.Duration
	LivenessWindow  time.Duration // silence allowed before a connection is closed
	WriteWait       time.Duration
	SendBuffer      int   // outbound queue length per connection
	MaxPending      int   // 0 = unlimited
	MaxMessageBytes int64 // max inbound frame size
	MessageRate     float64
	MessageBurst    int
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = correlator.DefaultTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 3 * o.PingInterval
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.MessageRate <= 0 {
		o.MessageRate = 50
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 100
	}
}

// Router owns the connection registry and the request correlator.
type Router struct {
	auth     auth.Provider
	store    store.Store // may be nil: audit disabled
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	registry *registry.Registry
	pending  *correlator.Correlator

	lifecycleMu  sync.Mutex
	shuttingDown atomic.Bool
	conns        sync.WaitGroup
}

// New creates a Router. s and m may be nil.
func New(ap auth.Provider, s store.Store, m *metrics.Metrics, logger *slog.Logger, opts Options) *Router {
	opts.applyDefaults()
	r := &Router{
		auth:     ap,
		store:    s,
		metrics:  m,
		logger:   logger.With("component", "router"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
	r.registry = registry.New(registry.WithEvictionHandler(r.onEvict))
	r.pending = correlator.New(correlator.Options{
		DefaultTimeout: opts.RequestTimeout,
		MaxPending:     opts.MaxPending,
		Logger:         logger,
	})
	m.ObservePending(r.pending.Pending)
	return r
}

// Run drives request timeouts until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	r.pending.Run(ctx)
}

// HandleRuntimeWS handles WebSocket connections from runtimes.
func (r *Router) HandleRuntimeWS(w http.ResponseWriter, req *http.Request) {
	r.accept(w, req, protocol.ClientRuntime)
}

// HandleAgentWS handles WebSocket connections from agents.
func (r *Router) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	r.accept(w, req, protocol.ClientAgent)
}

// Status returns a snapshot of the registry.
func (r *Router) Status() registry.ConnectionStatus {
	return r.registry.Snapshot()
}

// Registry exposes the connection registry for read-only callers.
func (r *Router) Registry() *registry.Registry { return r.registry }

// Pending returns the number of requests awaiting a response.
func (r *Router) Pending() int { return r.pending.Pending() }

// Shutdown refuses new connections, closes every open one and waits for their
// cleanup to finish or ctx to expire. Outstanding requests fail with
// correlator.ErrClosed.
func (r *Router) Shutdown(ctx context.Context) error {
	r.lifecycleMu.Lock()
	r.shuttingDown.Store(true)
	r.lifecycleMu.Unlock()

	for _, info := range r.registry.Snapshot().Connections {
		if c, ok := r.registry.Get(info.ID); ok && c.Peer != nil {
			c.Peer.Close(reasonShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.pending.Close()
	return err
}

// track counts an incoming connection unless the router is shutting down.
func (r *Router) track() bool {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.shuttingDown.Load() {
		return false
	}
	r.conns.Add(1)
	return true
}

// broadcast sends env to every agent of projectID. Failed sends close the
// affected agent and never stop delivery to the rest.
func (r *Router) broadcast(projectID string, env protocol.Envelope) int {
	sent := 0
	for _, a := range r.registry.FindAgents(projectID) {
		if err := a.Peer.Send(env); err != nil {
			r.logger.Debug("broadcast send failed", "conn_id", a.ID, "type", env.Type, "error", err)
			continue
		}
		sent++
	}
	return sent
}
