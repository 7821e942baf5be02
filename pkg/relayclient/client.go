// Package relayclient connects runtimes and agents to a relay hub.
//
// An agent dials the hub and calls Query or GetDocs; each call blocks until
// the project's runtime answers, the hub reports a failure, or ctx expires.
// A runtime dials the hub and calls Serve with a Handler that answers those
// requests.
package relayclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	// ErrClosed is returned by calls made on, or interrupted by, a closed client.
	ErrClosed = errors.New("relayclient: connection closed")
	// ErrNotAgent and ErrNotRuntime guard role-specific calls.
	ErrNotAgent   = errors.New("relayclient: only agents can send requests")
	ErrNotRuntime = errors.New("relayclient: only runtimes can serve requests")
)

// HubError is a failure reported in a response or error message.
type HubError struct {
	Code    string
	Message string
}

func (e *HubError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Handler answers requests forwarded to a runtime. A returned *HubError keeps
// its code; any other error is reported as runtime_error.
type Handler interface {
	Query(ctx context.Context, query string, variables json.RawMessage) (json.RawMessage, error)
	Docs(ctx context.Context) (json.RawMessage, error)
}

// Options configures a Client.
type Options struct {
	Token         string
	RuntimeID     string        // runtimes only; recorded in the hub's connection metadata
	PingInterval  time.Duration // 0 disables app-level pings
	PingTimeout   time.Duration
	WriteWait     time.Duration
	TLSSkipVerify bool
	Logger        *slog.Logger
}

const (
	defaultPingTimeout = 10 * time.Second
	defaultWriteWait   = 10 * time.Second
	requestQueue       = 64
	eventQueue         = 64
)

// Client is one connection to the hub.
type Client struct {
	conn      *websocket.Conn
	role      protocol.ClientType
	id        string
	projectID string
	opts      Options
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope

	requests chan protocol.Envelope
	events   chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the hub at baseURL (ws:// or wss://, http:// and https://
// are translated) as role and waits for the hub's greeting.
func Dial(ctx context.Context, baseURL string, role protocol.ClientType, opts Options) (*Client, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("relayclient: invalid role %q", role)
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := endpointURL(baseURL, role, opts.RuntimeID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	hello, err := readGreeting(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:      conn,
		role:      role,
		id:        hello.ClientID,
		projectID: hello.ProjectID,
		opts:      opts,
		pending:   make(map[string]chan protocol.Envelope),
		requests:  make(chan protocol.Envelope, requestQueue),
		events:    make(chan protocol.Envelope, eventQueue),
		done:      make(chan struct{}),
	}
	c.logger = logger.With("component", "relay-client", "role", role, "client_id", c.id)

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.keepalive(opts.PingInterval)
	}
	c.logger.Info("connected to hub", "url", endpoint, "project_id", c.projectID)
	return c, nil
}

func endpointURL(baseURL string, role protocol.ClientType, runtimeID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + string(role)
	if runtimeID != "" && role == protocol.ClientRuntime {
		q := u.Query()
		q.Set("runtimeId", runtimeID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func readGreeting(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("read greeting: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if env.Type != protocol.TypeConnected {
		return protocol.Envelope{}, fmt.Errorf("unexpected greeting %q", env.Type)
	}
	return env, nil
}

// ID returns the connection id the hub assigned.
func (c *Client) ID() string { return c.id }

// ProjectID returns the project the hub bound this connection to.
func (c *Client) ProjectID() string { return c.projectID }

// Events delivers presence notifications and unsolicited errors. Events are
// dropped when the channel is full.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a normal close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

// Query sends a graphql_query and returns the runtime's data.
func (c *Client) Query(ctx context.Context, query string, variables any) (json.RawMessage, error) {
	env := protocol.New(protocol.TypeGraphQLQuery)
	env.Query = query
	if variables != nil {
		raw, err := json.Marshal(variables)
		if err != nil {
			return nil, fmt.Errorf("encode variables: %w", err)
		}
		env.Variables = raw
	}
	return c.request(ctx, env)
}

// GetDocs asks the project's runtime for its documentation.
func (c *Client) GetDocs(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, protocol.New(protocol.TypeGetDocs))
}

func (c *Client) request(ctx context.Context, env protocol.Envelope) (json.RawMessage, error) {
	if c.role != protocol.ClientAgent {
		return nil, ErrNotAgent
	}
	env.ProjectID = c.projectID
	resp, err := c.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeError || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return nil, &HubError{Code: resp.Code, Message: msg}
	}
	return resp.Data, nil
}

// Ping sends an application-level ping and returns the round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.roundTrip(ctx, protocol.New(protocol.TypePing)); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// roundTrip sends env under a fresh request id and waits for the message
// that answers it.
func (c *Client) roundTrip(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	id := uuid.New().String()
	env.RequestID = id
	ch := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return protocol.Envelope{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		return protocol.Envelope{}, c.err
	}
}

func (c *Client) send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Wrapped so callers can still errors.As a *websocket.CloseError.
			c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env protocol.Envelope) {
	if env.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	switch env.Type {
	case protocol.TypeGraphQLQuery, protocol.TypeGetDocs:
		if c.role != protocol.ClientRuntime {
			return
		}
		select {
		case c.requests <- env:
		default:
			c.logger.Warn("request queue full, refusing", "request_id", env.RequestID)
			c.reply(env, nil, &HubError{Code: protocol.CodeRuntimeError, Message: "runtime busy"})
		}
	case protocol.TypePing:
		pong := protocol.New(protocol.TypePong)
		pong.RequestID = env.RequestID
		_ = c.send(pong)
	case protocol.TypePong:
	default:
		select {
		case c.events <- env:
		default:
			c.logger.Debug("event dropped", "type", env.Type)
		}
	}
}

// Serve answers forwarded requests with h until ctx is cancelled or the
// connection ends. Each request runs on its own goroutine.
func (c *Client) Serve(ctx context.Context, h Handler) error {
	if c.role != protocol.ClientRuntime {
		return ErrNotRuntime
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.err
		case env := <-c.requests:
			wg.Add(1)
			go func() {
				defer wg.Done()
				data, err := c.handle(ctx, h, env)
				c.reply(env, data, err)
			}()
		}
	}
}

func (c *Client) handle(ctx context.Context, h Handler, env protocol.Envelope) (json.RawMessage, error) {
	switch env.Type {
	case protocol.TypeGraphQLQuery:
		return h.Query(ctx, env.Query, env.Variables)
	default:
		return h.Docs(ctx)
	}
}

func (c *Client) reply(req protocol.Envelope, data json.RawMessage, err error) {
	resp := protocol.New(protocol.ResponseType(req.Type))
	resp.RequestID = req.RequestID
	resp.ProjectID = c.projectID
	if err != nil {
		var he *HubError
		if errors.As(err, &he) {
			resp.Code, resp.Error = he.Code, he.Message
		} else {
			resp.Code, resp.Error = protocol.CodeRuntimeError, err.Error()
		}
		if resp.Code == "" {
			resp.Code = protocol.CodeRuntimeError
		}
	} else {
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		resp.Data = data
	}
	if err := c.send(resp); err != nil {
		c.logger.Warn("send response failed", "request_id", req.RequestID, "error", err)
	}
}

func (c *Client) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.PingTimeout)
			_, err := c.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("hub ping failed, closing", "error", err)
				c.shutdown(fmt.Errorf("%w: ping: %w", ErrClosed, err))
				return
			}
		}
	}
}
