package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// fakeHub greets every connection and hands it to serve.
type fakeHub struct {
	server *httptest.Server
	token  chan string
}

func newFakeHub(t *testing.T, serve func(ws *websocket.Conn, role protocol.ClientType)) *fakeHub {
	t.Helper()
	h := &fakeHub{token: make(chan string, 1)}
	var upgrader websocket.Upgrader
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := protocol.ClientType(strings.TrimPrefix(r.URL.Path, "/ws/"))
		select {
		case h.token <- r.Header.Get("Authorization"):
		default:
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()

		hello := protocol.New(protocol.TypeConnected)
		hello.ClientID = "conn-1"
		hello.ClientType = role
		hello.ProjectID = "p1"
		hello.Message = "connected to relay hub"
		if err := ws.WriteJSON(hello); err != nil {
			return
		}
		serve(ws, role)
	}))
	t.Cleanup(h.server.Close)
	return h
}

func readEnv(ws *websocket.Conn) (protocol.Envelope, error) {
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// answerAgent echoes queries, fails docs and answers pings.
func answerAgent(ws *websocket.Conn, _ protocol.ClientType) {
	for {
		req, err := readEnv(ws)
		if err != nil {
			return
		}
		switch req.Type {
		case protocol.TypeGraphQLQuery:
			resp := protocol.New(protocol.TypeQueryResponse)
			resp.RequestID = req.RequestID
			resp.ProjectID = req.ProjectID
			resp.Data, _ = json.Marshal(map[string]any{"query": req.Query, "vars": req.Variables})
			_ = ws.WriteJSON(resp)
		case protocol.TypeGetDocs:
			_ = ws.WriteJSON(protocol.ErrorMessage(req.RequestID, req.ProjectID,
				protocol.CodeNoActiveRuntime, "no active runtime for project"))
		case protocol.TypePing:
			pong := protocol.New(protocol.TypePong)
			pong.RequestID = req.RequestID
			_ = ws.WriteJSON(pong)
		}
	}
}

func dialTest(t *testing.T, h *fakeHub, role protocol.ClientType, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, h.server.URL, role, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base      string
		role      protocol.ClientType
		runtimeID string
		want      string
		wantErr   bool
	}{
		{"ws://hub:8080", protocol.ClientAgent, "", "ws://hub:8080/ws/agent", false},
		{"http://hub:8080/", protocol.ClientRuntime, "", "ws://hub:8080/ws/runtime", false},
		{"https://hub.example.com/relay", protocol.ClientRuntime, "rt-7", "wss://hub.example.com/relay/ws/runtime?runtimeId=rt-7", false},
		{"wss://hub", protocol.ClientAgent, "ignored", "wss://hub/ws/agent", false},
		{"ftp://hub", protocol.ClientAgent, "", "", true},
	}
	for _, tt := range tests {
		got, err := endpointURL(tt.base, tt.role, tt.runtimeID)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err=%v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestDialGreeting(t *testing.T) {
	h := newFakeHub(t, answerAgent)
	c := dialTest(t, h, protocol.ClientAgent, Options{Token: "p1:agent"})

	if c.ID() != "conn-1" || c.ProjectID() != "p1" {
		t.Errorf("greeting: id=%q project=%q", c.ID(), c.ProjectID())
	}
	if got := <-h.token; got != "Bearer p1:agent" {
		t.Errorf("authorization header: %q", got)
	}

	if _, err := Dial(context.Background(), h.server.URL, "admin", Options{}); err == nil {
		t.Error("invalid role should fail")
	}
}

func TestQuery(t *testing.T) {
	h := newFakeHub(t, answerAgent)
	c := dialTest(t, h, protocol.ClientAgent, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := c.Query(ctx, "{ pages { title } }", map[string]int{"first": 3})
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Query string         `json:"query"`
		Vars  map[string]int `json:"vars"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Query != "{ pages { title } }" || got.Vars["first"] != 3 {
		t.Errorf("response: %s", data)
	}
}

func TestGetDocsHubError(t *testing.T) {
	h := newFakeHub(t, answerAgent)
	c := dialTest(t, h, protocol.ClientAgent, Options{})

	_, err := c.GetDocs(context.Background())
	var he *HubError
	if !errors.As(err, &he) || he.Code != protocol.CodeNoActiveRuntime {
		t.Fatalf("got %v, want no_active_runtime", err)
	}
	if !strings.Contains(he.Error(), "no active runtime") {
		t.Errorf("message: %q", he.Error())
	}
}

func TestPing(t *testing.T) {
	h := newFakeHub(t, answerAgent)
	c := dialTest(t, h, protocol.ClientAgent, Options{})

	rtt, err := c.Ping(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rtt <= 0 {
		t.Errorf("rtt: %v", rtt)
	}
}

func TestCloseFailsPending(t *testing.T) {
	received := make(chan struct{})
	h := newFakeHub(t, func(ws *websocket.Conn, _ protocol.ClientType) {
		if _, err := readEnv(ws); err == nil {
			close(received)
		}
		_, _ = readEnv(ws)
	})
	c := dialTest(t, h, protocol.ClientAgent, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), "{ slow }", nil)
		errc <- err
	}()
	<-received
	_ = c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("got %v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("query did not return after Close")
	}
	if !errors.Is(c.Err(), ErrClosed) {
		t.Errorf("Err: %v", c.Err())
	}
	if _, err := c.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("ping after close: %v", err)
	}
}

func TestQueryContextCancelled(t *testing.T) {
	h := newFakeHub(t, func(ws *websocket.Conn, _ protocol.ClientType) {
		for {
			if _, err := readEnv(ws); err != nil {
				return
			}
		}
	})
	c := dialTest(t, h, protocol.ClientAgent, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Query(ctx, "{ never }", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("pending entries left: %d", n)
	}
}

type docsHandler struct{}

func (docsHandler) Query(_ context.Context, query string, _ json.RawMessage) (json.RawMessage, error) {
	if query == "boom" {
		return nil, errors.New("resolver failed")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (docsHandler) Docs(context.Context) (json.RawMessage, error) {
	return nil, &HubError{Code: "not_found", Message: "no docs"}
}

func TestServe(t *testing.T) {
	results := make(chan protocol.Envelope, 3)
	h := newFakeHub(t, func(ws *websocket.Conn, _ protocol.ClientType) {
		for i, req := range []protocol.Envelope{
			{Type: protocol.TypeGraphQLQuery, RequestID: "r1", ProjectID: "p1", Query: "{ ok }"},
			{Type: protocol.TypeGraphQLQuery, RequestID: "r2", ProjectID: "p1", Query: "boom"},
			{Type: protocol.TypeGetDocs, RequestID: "r3", ProjectID: "p1"},
		} {
			req.Timestamp = protocol.Now()
			if err := ws.WriteJSON(req); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
		for range 3 {
			resp, err := readEnv(ws)
			if err != nil {
				return
			}
			results <- resp
		}
	})
	c := dialTest(t, h, protocol.ClientRuntime, Options{RuntimeID: "rt-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, docsHandler{}) }()

	got := map[string]protocol.Envelope{}
	for range 3 {
		select {
		case resp := <-results:
			got[resp.RequestID] = resp
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}

	if r := got["r1"]; r.Type != protocol.TypeQueryResponse || string(r.Data) != `{"ok":true}` {
		t.Errorf("r1: %+v", r)
	}
	if r := got["r2"]; r.Code != protocol.CodeRuntimeError || r.Error != "resolver failed" {
		t.Errorf("r2: %+v", r)
	}
	if r := got["r3"]; r.Type != protocol.TypeDocs || r.Code != "not_found" || r.Error != "no docs" {
		t.Errorf("r3: %+v", r)
	}
	for id, r := range got {
		if err := protocol.Validate(r); err != nil {
			t.Errorf("%s invalid: %v", id, err)
		}
	}
}

func TestRoleGuards(t *testing.T) {
	h := newFakeHub(t, answerAgent)
	agent := dialTest(t, h, protocol.ClientAgent, Options{})
	runtime := dialTest(t, h, protocol.ClientRuntime, Options{})

	if err := agent.Serve(context.Background(), docsHandler{}); !errors.Is(err, ErrNotRuntime) {
		t.Errorf("agent Serve: %v", err)
	}
	if _, err := runtime.Query(context.Background(), "{ x }", nil); !errors.Is(err, ErrNotAgent) {
		t.Errorf("runtime Query: %v", err)
	}
}

func TestEvents(t *testing.T) {
	h := newFakeHub(t, func(ws *websocket.Conn, _ protocol.ClientType) {
		ev := protocol.New(protocol.TypeUserConnection)
		ev.Action = protocol.ActionConnect
		ev.ClientType = protocol.ClientRuntime
		ev.ProjectID = "p1"
		_ = ws.WriteJSON(ev)
		_, _ = readEnv(ws)
	})
	c := dialTest(t, h, protocol.ClientAgent, Options{})

	select {
	case ev := <-c.Events():
		if ev.Type != protocol.TypeUserConnection || ev.Action != protocol.ActionConnect {
			t.Errorf("event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
}

func TestKeepaliveClosesOnSilentHub(t *testing.T) {
	h := newFakeHub(t, func(ws *websocket.Conn, _ protocol.ClientType) {
		for {
			if _, err := readEnv(ws); err != nil {
				return
			}
		}
	})
	c := dialTest(t, h, protocol.ClientAgent, Options{PingInterval: 20 * time.Millisecond, PingTimeout: 50 * time.Millisecond})

	select {
	case <-c.Done():
		if !errors.Is(c.Err(), ErrClosed) {
			t.Errorf("Err: %v", c.Err())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client stayed open without pongs")
	}
}
