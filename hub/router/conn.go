package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/relay/hub/metrics"
	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	// ErrSendBufferFull is returned when a peer is not draining its outbound
	// queue. The connection is closed as a side effect.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned when sending to a connection that is closing.
	ErrConnClosed = errors.New("connection closed")
)

// peerConn is one accepted WebSocket. Only the write pump writes to ws; every
// other goroutine goes through Send, which never blocks.
type peerConn struct {
	id         string
	role       protocol.ClientType
	projectID  string
	subject    string
	remoteAddr string

	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{} // closed once the connection starts closing
	stopped chan struct{} // closed when the write pump has exited

	closeOnce   sync.Once
	closeReason atomic.Value // string
	state       atomic.Int32

	limiter   *rate.Limiter
	keepalive keepalive
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func newPeerConn(ws *websocket.Conn, id string, role protocol.ClientType, projectID string, opts Options, m *metrics.Metrics, logger *slog.Logger) *peerConn {
	c := &peerConn{
		id:        id,
		role:      role,
		projectID: projectID,
		ws:        ws,
		send:      make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst),
		keepalive: keepalive{
			pingInterval:   opts.PingInterval,
			livenessWindow: opts.LivenessWindow,
			writeWait:      opts.WriteWait,
		},
		metrics: m,
		logger:  logger.With("conn_id", id, "role", string(role), "project_id", projectID),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Send queues env for delivery. It never blocks: if the queue is full the
// connection is closed and ErrSendBufferFull returned.
func (c *peerConn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		c.metrics.SendDropped(string(c.role))
		return ErrConnClosed
	default:
	}

	if env.Timestamp.IsZero() {
		env.Timestamp = protocol.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		c.metrics.MessageOut(env.Type)
		return nil
	default:
		c.metrics.SendDropped(string(c.role))
		c.logger.Warn("send buffer full, closing connection", "type", env.Type)
		c.Close(reasonSendBufferFull)
		return ErrSendBufferFull
	}
}

// Close moves the connection to Closing and asks the write pump to send a
// close frame. Safe to call from any goroutine, any number of times.
func (c *peerConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.setState(StateClosing)
		close(c.done)
	})
}

func (c *peerConn) reason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return ""
}

func (c *peerConn) State() State { return State(c.state.Load()) }

// setState moves forward only; a connection never reopens.
func (c *peerConn) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// writePump owns all writes to ws. It exits after sending a close frame or on
// the first write error, and always closes the socket so the read side unblocks.
func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.keepalive.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.stopped)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close(reasonWriteFailed)
				return
			}
		case <-ticker.C:
			if err := c.keepalive.ping(c.ws); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close("ping failed")
				return
			}
		case <-c.done:
			c.flush()
			c.keepalive.closeFrame(c.ws, c.reason())
			return
		}
	}
}

func (c *peerConn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.keepalive.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is already queued, under a single write deadline, so
// a final error reply still reaches the peer.
func (c *peerConn) flush() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.keepalive.writeWait))
	for {
		select {
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
