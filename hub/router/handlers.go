package router

import (
	"errors"
	"fmt"

	"github.com/amurg-ai/relay/hub/correlator"
	"github.com/amurg-ai/relay/hub/metrics"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// dispatch handles one inbound frame. It runs on the sender's read pump, so
// frames from one connection are processed in arrival order.
func (r *Router) dispatch(c *peerConn, data []byte) {
	env, err := protocol.Decode(data)

	// Pings bypass everything else, including the rate limit and a bad
	// timestamp or metadata field.
	if env.Type == protocol.TypePing {
		r.metrics.MessageIn(env.Type)
		pong := protocol.New(protocol.TypePong)
		pong.RequestID = env.RequestID
		_ = c.Send(pong)
		return
	}

	if err != nil {
		r.metrics.MessageIn("malformed")
		c.logger.Debug("malformed message", "error", err)
		r.replyError(c, env.RequestID, protocol.CodeMalformedMessage, err.Error())
		return
	}

	// A runtime answers for every agent of its project; its responses settle
	// pending requests and are never throttled.
	if !protocol.IsResponse(env.Type) && !c.limiter.Allow() {
		r.metrics.MessageRateLimited(string(c.role))
		r.replyError(c, env.RequestID, protocol.CodeRateLimited, "message rate limit exceeded")
		return
	}

	if err := protocol.Validate(env); err != nil {
		label := env.Type
		if errors.Is(err, protocol.ErrUnknownType) {
			label = "unknown"
		}
		r.metrics.MessageIn(label)
		r.replyError(c, env.RequestID, protocol.CodeMalformedMessage, err.Error())
		return
	}
	r.metrics.MessageIn(env.Type)

	if env.ProjectID != "" && env.ProjectID != c.projectID {
		r.replyError(c, env.RequestID, protocol.CodeForbidden, "message addressed to another project")
		return
	}

	switch {
	case protocol.IsRequest(env.Type):
		r.handleRequest(c, env)
	case protocol.IsResponse(env.Type):
		r.handleResponse(c, env)
	case env.Type == protocol.TypeUserConnection:
		r.registry.Touch(c.projectID)
	case env.Type == protocol.TypeError:
		r.handlePeerError(c, env)
	case env.Type == protocol.TypePong:
	default:
		// connected is hub → peer only.
		r.replyError(c, env.RequestID, protocol.CodeMalformedMessage,
			fmt.Sprintf("%s is not accepted from peers", env.Type))
	}
}

// handleRequest forwards an agent request to the project's runtime.
func (r *Router) handleRequest(c *peerConn, env protocol.Envelope) {
	if c.role != protocol.ClientAgent {
		r.replyError(c, env.RequestID, protocol.CodeForbidden, env.Type+" may only be sent by agents")
		return
	}

	rt, ok := r.registry.FindRuntime(c.projectID)
	if !ok {
		r.metrics.RecordRefused(env.Type, metrics.OutcomeNoRuntime)
		resp := protocol.New(protocol.ResponseType(env.Type))
		resp.RequestID = env.RequestID
		resp.ProjectID = c.projectID
		resp.Error = "no active runtime for project"
		resp.Code = protocol.CodeNoActiveRuntime
		_ = c.Send(resp)
		return
	}

	_, err := r.pending.Register(correlator.Request{
		ID:         env.RequestID,
		Kind:       env.Type,
		ProjectID:  c.projectID,
		CallerID:   c.id,
		TargetID:   rt.ID,
		OnComplete: r.deliver,
	})
	if err != nil {
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, correlator.ErrDuplicateRequestID):
			code = protocol.CodeDuplicateRequestID
		case errors.Is(err, correlator.ErrTooManyPending):
			code = protocol.CodeTooManyPending
		case errors.Is(err, correlator.ErrClosed):
			code = protocol.CodePeerDisconnected
		}
		r.metrics.RecordRefused(env.Type, metrics.OutcomeRejected)
		r.replyError(c, env.RequestID, code, err.Error())
		return
	}

	if err := rt.Peer.Send(env); err != nil {
		r.pending.Reject(env.RequestID, rt.ID, correlator.ErrPeerDisconnected)
	}
}

// handleResponse completes the pending request a runtime is answering.
func (r *Router) handleResponse(c *peerConn, env protocol.Envelope) {
	if c.role != protocol.ClientRuntime {
		r.replyError(c, env.RequestID, protocol.CodeForbidden, env.Type+" may only be sent by runtimes")
		return
	}

	var matched bool
	if env.Error != "" {
		matched = r.pending.Reject(env.RequestID, c.id, &correlator.RemoteError{Code: env.Code, Message: env.Error})
	} else {
		matched = r.pending.Resolve(env.RequestID, c.id, env.Data)
	}
	if !matched {
		c.logger.Debug("response without pending request", "request_id", env.RequestID, "type", env.Type)
	}
}

// handlePeerError routes an error reported by a peer. A runtime error that
// names a pending request fails that request; any other runtime error is
// broadcast to the project's agents. Agent errors are only logged.
func (r *Router) handlePeerError(c *peerConn, env protocol.Envelope) {
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	if c.role != protocol.ClientRuntime {
		c.logger.Info("agent reported error", "request_id", env.RequestID, "code", env.Code, "message", msg)
		return
	}

	if env.RequestID != "" &&
		r.pending.Reject(env.RequestID, c.id, &correlator.RemoteError{Code: env.Code, Message: msg}) {
		return
	}

	out := protocol.ErrorMessage(env.RequestID, c.projectID, env.Code, msg)
	if out.Code == "" {
		out.Code = protocol.CodeRuntimeError
	}
	n := r.broadcast(c.projectID, out)
	c.logger.Debug("runtime error broadcast", "agents", n, "code", out.Code)
}

// deliver is the completion callback for every forwarded request. It sends
// the outcome to the exact connection that issued the request.
func (r *Router) deliver(res correlator.Result) {
	req := res.Request
	outcome := outcomeFor(res.Err)
	r.metrics.RecordRequest(req.Kind, outcome, res.Elapsed)

	if errors.Is(res.Err, correlator.ErrCallerGone) {
		return
	}
	caller, ok := r.registry.Get(req.CallerID)
	if !ok {
		r.logger.Debug("caller gone before delivery", "request_id", req.ID, "caller", req.CallerID)
		return
	}

	resp := protocol.New(protocol.ResponseType(req.Kind))
	resp.RequestID = req.ID
	resp.ProjectID = req.ProjectID
	if res.Err != nil {
		resp.Code = codeFor(res.Err)
		var re *correlator.RemoteError
		if errors.As(res.Err, &re) {
			resp.Error = re.Message
		} else {
			resp.Error = res.Err.Error()
		}
	} else {
		resp.Data = res.Data
	}
	if err := caller.Peer.Send(resp); err != nil {
		r.logger.Debug("response delivery failed", "request_id", req.ID, "caller", req.CallerID, "error", err)
	}
}

func (r *Router) replyError(c *peerConn, requestID, code, msg string) {
	_ = c.Send(protocol.ErrorMessage(requestID, c.projectID, code, msg))
}

// codeFor maps a completion error to its wire code.
func codeFor(err error) string {
	var re *correlator.RemoteError
	switch {
	case errors.As(err, &re):
		if re.Code != "" {
			return re.Code
		}
		return protocol.CodeRuntimeError
	case errors.Is(err, correlator.ErrTimeout):
		return protocol.CodeTimeout
	case errors.Is(err, correlator.ErrPeerDisconnected), errors.Is(err, correlator.ErrClosed):
		return protocol.CodePeerDisconnected
	default:
		return protocol.CodeInternal
	}
}

func outcomeFor(err error) string {
	var re *correlator.RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &re):
		return metrics.OutcomeRemoteError
	case errors.Is(err, correlator.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, correlator.ErrCallerGone):
		return metrics.OutcomeAbandoned
	default:
		return metrics.OutcomeDisconnected
	}
}
