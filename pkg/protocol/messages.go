// Package protocol defines the wire protocol messages exchanged between
// relay components (runtime ↔ hub ↔ agent) over WebSocket.
//
// All messages are flat JSON objects sharing a common envelope. The "type"
// field determines which of the optional fields are meaningful.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientType is the role a connection plays within a project.
type ClientType string

const (
	ClientRuntime ClientType = "runtime"
	ClientAgent   ClientType = "agent"
)

// Valid reports whether c is a known client type.
func (c ClientType) Valid() bool {
	return c == ClientRuntime || c == ClientAgent
}

// --- Message type constants ---

const (
	TypeConnected      = "connected"      // hub → peer
	TypeGraphQLQuery   = "graphql_query"  // agent → hub → runtime
	TypeQueryResponse  = "query_response" // runtime → hub → agent
	TypeGetDocs        = "get_docs"       // agent → hub → runtime
	TypeDocs           = "docs"           // runtime → hub → agent
	TypeUserConnection = "user_connection"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

// user_connection actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
)

// Error codes carried in the "code" field so callers can tell failure kinds apart.
const (
	CodeNoActiveRuntime    = "no_active_runtime"
	CodeDuplicateRequestID = "duplicate_request_id"
	CodeTimeout            = "timeout"
	CodePeerDisconnected   = "peer_disconnected"
	CodeMalformedMessage   = "malformed_message"
	CodeForbidden          = "forbidden"
	CodeRateLimited        = "rate_limited"
	CodeTooManyPending     = "too_many_pending"
	CodeRuntimeError       = "runtime_error"
	CodeInternal           = "internal"
)

// Envelope is the wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`

	// connected
	ClientID   string     `json:"clientId,omitempty"`
	ClientType ClientType `json:"clientType,omitempty"`
	Message    string     `json:"message,omitempty"` // also the text of an error

	// graphql_query
	Query     string          `json:"query,omitempty"`
	Variables json.RawMessage `json:"variables,omitempty"`
	RuntimeID string          `json:"runtimeId,omitempty"`

	// query_response / docs
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`

	// user_connection
	Action string `json:"action,omitempty"`

	Metadata Metadata `json:"metadata,omitempty"`
}

// New returns an envelope of the given type stamped with the current time.
func New(msgType string) Envelope {
	return Envelope{Type: msgType, Timestamp: Now()}
}

// IsRequest reports whether msgType expects exactly one correlated response.
func IsRequest(msgType string) bool {
	return msgType == TypeGraphQLQuery || msgType == TypeGetDocs
}

// IsResponse reports whether msgType answers a request.
func IsResponse(msgType string) bool {
	return msgType == TypeQueryResponse || msgType == TypeDocs
}

// ResponseType returns the response type paired with a request type, or "".
func ResponseType(requestType string) string {
	switch requestType {
	case TypeGraphQLQuery:
		return TypeQueryResponse
	case TypeGetDocs:
		return TypeDocs
	}
	return ""
}

// ErrorMessage builds a hub → peer error message.
func ErrorMessage(requestID, projectID, code, message string) Envelope {
	env := New(TypeError)
	env.RequestID = requestID
	env.ProjectID = projectID
	env.Code = code
	env.Message = message
	env.Error = message
	return env
}

// Timestamp is a wall-clock time encoded as RFC 3339 with millisecond precision.
// It also accepts epoch milliseconds when decoding, which is what browser peers
// tend to send.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		t.Time = time.Time{}
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return err
		}
		t.Time = parsed
	case float64:
		t.Time = time.UnixMilli(int64(val)).UTC()
	default:
		return fmt.Errorf("invalid timestamp: %s", b)
	}
	return nil
}
