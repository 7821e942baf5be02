package router

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// defaultPingInterval is how often the hub sends WebSocket ping frames.
	defaultPingInterval = 30 * time.Second
	defaultWriteWait    = 10 * time.Second
)

// keepalive holds the timing for one connection. The read side arms a read
// deadline that any inbound frame (message, pong or app-level ping) pushes
// forward; the write pump sends protocol pings on a ticker.
type keepalive struct {
	pingInterval   time.Duration
	livenessWindow time.Duration
	writeWait      time.Duration
}

// arm sets the initial read deadline and installs a pong handler that extends it.
func (k keepalive) arm(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(k.livenessWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(k.livenessWindow))
	})
}

// extend pushes the read deadline forward after an inbound message.
func (k keepalive) extend(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(k.livenessWindow))
}

func (k keepalive) ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(k.writeWait))
}

// closeFrame sends a close frame carrying reason. Errors are ignored: the
// socket is torn down right after either way.
func (k keepalive) closeFrame(conn *websocket.Conn, reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case reasonSuperseded:
		code = websocket.ClosePolicyViolation
	case reasonSendBufferFull:
		code = websocket.CloseTryAgainLater
	case reasonShutdown:
		code = websocket.CloseGoingAway
	}
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(k.writeWait))
}

// closeReasonFor maps a read error to a short reason for logs and the audit trail.
func closeReasonFor(err error) string {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		if ce.Text != "" {
			return "peer closed: " + ce.Text
		}
		return "peer closed"
	case errors.Is(err, websocket.ErrReadLimit):
		return "message too large"
	case isTimeout(err):
		return reasonLivenessTimeout
	default:
		return "connection lost"
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
