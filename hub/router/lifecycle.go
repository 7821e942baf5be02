package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/relay/hub/auth"
	"github.com/amurg-ai/relay/hub/registry"
	"github.com/amurg-ai/relay/hub/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// State is the lifecycle position of a connection. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	reasonSuperseded      = registry.ReasonSuperseded
	reasonSendBufferFull  = "send buffer full"
	reasonWriteFailed     = "write failed"
	reasonLivenessTimeout = "liveness timeout"
	reasonShutdown        = "hub shutting down"
)

// bearerToken extracts the connection token from the "token" query parameter
// or the Authorization header. Browsers cannot set headers on a WebSocket
// handshake, so the query parameter is accepted too; keep it out of access logs.
func bearerToken(req *http.Request) string {
	if tok := req.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := req.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// accept authenticates, upgrades and serves one connection until it closes.
func (r *Router) accept(w http.ResponseWriter, req *http.Request, role protocol.ClientType) {
	if !r.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.conns.Done()

	identity, err := r.auth.ValidateToken(req.Context(), bearerToken(req))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if identity.ClientType != role {
		r.logger.Warn("connection refused: role mismatch",
			"project_id", identity.ProjectID, "token_role", identity.ClientType, "endpoint_role", role)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "role", role, "error", err)
		return
	}

	c := newPeerConn(ws, uuid.New().String(), role, identity.ProjectID, r.opts, r.metrics, r.logger)
	c.subject = identity.Subject
	c.remoteAddr = req.RemoteAddr
	ws.SetReadLimit(r.opts.MaxMessageBytes)

	go c.writePump()
	r.serve(c, connectionMetadata(identity, req))
}

func connectionMetadata(id *auth.Identity, req *http.Request) protocol.Metadata {
	md := protocol.Metadata{
		"remoteAddr": protocol.String(req.RemoteAddr),
	}
	if id.Subject != "" {
		md["subject"] = protocol.String(id.Subject)
	}
	if ua := req.UserAgent(); ua != "" {
		md["userAgent"] = protocol.String(ua)
	}
	if rid := req.URL.Query().Get("runtimeId"); rid != "" {
		md["runtimeId"] = protocol.String(rid)
	}
	return md
}

// serve runs the Connecting → Open → Closing → Closed sequence for c. The
// calling goroutine is the connection's read pump.
func (r *Router) serve(c *peerConn, md protocol.Metadata) {
	// The greeting is queued before registration so it is always the first
	// message the peer sees, ahead of any broadcast.
	hello := protocol.New(protocol.TypeConnected)
	hello.ClientID = c.id
	hello.ClientType = c.role
	hello.ProjectID = c.projectID
	hello.Message = "connected to relay hub"
	_ = c.Send(hello)

	conn := &registry.Connection{
		ID:          c.id,
		Role:        c.role,
		ProjectID:   c.projectID,
		ConnectedAt: time.Now(),
		Metadata:    md,
		Peer:        c,
	}
	if _, err := r.registry.Register(conn); err != nil {
		r.logger.Error("register connection failed", "conn_id", c.id, "error", err)
		c.Close("registration failed")
		<-c.stopped
		return
	}
	c.setState(StateOpen)
	if r.shuttingDown.Load() {
		// Shutdown may have snapshotted the registry before this connection joined.
		c.Close(reasonShutdown)
	}

	r.metrics.ConnectionOpened(string(c.role))
	r.audit(c, store.ActionConnect, "")
	c.logger.Info("connection opened", "remote_addr", c.remoteAddr, "subject", c.subject)

	if c.role == protocol.ClientRuntime {
		r.notifyAgents(c.projectID, protocol.ActionConnect, c.id)
	}

	reason := r.readLoop(c)

	c.Close(reason)
	<-c.stopped
	r.cleanup(c, c.reason())
}

// readLoop processes inbound frames in arrival order until the socket fails.
// It returns the reason the connection ended.
func (r *Router) readLoop(c *peerConn) string {
	c.keepalive.arm(c.ws)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() >= StateClosing {
				return c.reason()
			}
			c.logger.Debug("read ended", "error", err)
			return closeReasonFor(err)
		}
		c.keepalive.extend(c.ws)
		r.dispatch(c, data)
	}
}

// cleanup runs once the transport is gone. Registry first, then correlator;
// the two are never held together.
func (r *Router) cleanup(c *peerConn, reason string) {
	c.setState(StateClosed)

	_, removed := r.registry.Unregister(c.id)
	cancelled := r.pending.CancelAll(c.id)
	abandoned := 0
	if c.role == protocol.ClientAgent {
		abandoned = r.pending.Abandon(c.id)
	}

	r.metrics.ConnectionClosed(string(c.role))
	r.audit(c, store.ActionDisconnect, reason)

	// An evicted runtime was already replaced; its agents still have a runtime.
	if c.role == protocol.ClientRuntime && removed {
		r.notifyAgents(c.projectID, protocol.ActionDisconnect, c.id)
	}

	c.logger.Info("connection closed", "reason", reason,
		"cancelled_requests", cancelled, "abandoned_requests", abandoned)
}

// onEvict is installed on the registry and runs after a runtime was replaced.
func (r *Router) onEvict(evicted, replacement *registry.Connection) {
	r.metrics.RuntimeEvicted()
	r.logger.Warn("runtime superseded, closing previous connection",
		"project_id", evicted.ProjectID, "evicted", evicted.ID, "replacement", replacement.ID)
	if c, ok := evicted.Peer.(*peerConn); ok {
		r.audit(c, store.ActionEvict, reasonSuperseded)
	}
}

// notifyAgents tells every agent of projectID that the runtime came or went.
func (r *Router) notifyAgents(projectID, action, runtimeConnID string) {
	env := protocol.New(protocol.TypeUserConnection)
	env.Action = action
	env.ClientType = protocol.ClientRuntime
	env.ClientID = runtimeConnID
	env.ProjectID = projectID
	r.broadcast(projectID, env)
}

func (r *Router) audit(c *peerConn, action, reason string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.LogConnectionEvent(ctx, &store.ConnectionEvent{
		ID:           uuid.New().String(),
		ProjectID:    c.projectID,
		ConnectionID: c.id,
		ClientType:   string(c.role),
		Action:       action,
		Reason:       reason,
		Subject:      c.subject,
		RemoteAddr:   c.remoteAddr,
		CreatedAt:    time.Now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("failed to log connection event", "action", action, "conn_id", c.id, "error", err)
	}
}
