package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned for messages whose type is not part of the protocol.
var ErrUnknownType = errors.New("unknown message type")

// MissingFieldError reports a required field absent from a message.
type MissingFieldError struct {
	Type  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Type, e.Field)
}

// Decode parses a raw frame into an Envelope. It does not check per-type
// required fields; see Validate.
//
// When the frame is JSON but some field has the wrong shape, the returned
// envelope still carries type, requestId and projectId (when those decode)
// alongside the error, so the caller can reference them in its reply.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var head struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
			ProjectID string `json:"projectId"`
		}
		_ = json.Unmarshal(data, &head)
		return Envelope{Type: head.Type, RequestID: head.RequestID, ProjectID: head.ProjectID},
			fmt.Errorf("decode message: %w", err)
	}
	if env.Type == "" {
		return env, &MissingFieldError{Type: "message", Field: "type"}
	}
	return env, nil
}

// Validate checks that env carries every field its type requires.
func Validate(env Envelope) error {
	missing := func(field string) error {
		return &MissingFieldError{Type: env.Type, Field: field}
	}

	switch env.Type {
	case TypeConnected:
		switch {
		case env.ClientID == "":
			return missing("clientId")
		case env.ClientType == "":
			return missing("clientType")
		case env.Message == "":
			return missing("message")
		}
	case TypeGraphQLQuery:
		switch {
		case env.Query == "":
			return missing("query")
		case env.RequestID == "":
			return missing("requestId")
		case env.ProjectID == "":
			return missing("projectId")
		}
	case TypeGetDocs:
		switch {
		case env.RequestID == "":
			return missing("requestId")
		case env.ProjectID == "":
			return missing("projectId")
		}
	case TypeQueryResponse, TypeDocs:
		switch {
		case env.RequestID == "":
			return missing("requestId")
		case env.ProjectID == "":
			return missing("projectId")
		case len(env.Data) == 0 && env.Error == "":
			return missing("data")
		}
	case TypeUserConnection:
		switch {
		case env.Action == "":
			return missing("action")
		case env.ProjectID == "":
			return missing("projectId")
		case env.ClientType == "":
			return missing("clientType")
		}
		if env.Action != ActionConnect && env.Action != ActionDisconnect {
			return fmt.Errorf("user_connection: invalid action %q", env.Action)
		}
		if !env.ClientType.Valid() {
			return fmt.Errorf("user_connection: invalid clientType %q", env.ClientType)
		}
	case TypeError:
		if env.Message == "" && env.Error == "" {
			return missing("message")
		}
	case TypePing, TypePong:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return nil
}
