package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clawdis/gateway/internal/dedupe"
	"github.com/clawdis/gateway/internal/presence"
	"github.com/clawdis/gateway/internal/protocol"
	"github.com/clawdis/gateway/internal/ports"
	"github.com/clawdis/gateway/internal/schema"
)

// defaultAgentTimeout bounds an agent run when the caller does not supply
// timeoutSeconds.
const defaultAgentTimeout = 30 * time.Second

// handleReadyFrame routes one inbound frame once the connection is READY.
// Anything other than a req frame here — including a second hello — is
// answered with INVALID_REQUEST rather than treated as a new handshake.
func (c *Connection) handleReadyFrame(data []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendRes("invalid", false, nil, &protocol.ErrorShape{Code: protocol.ErrorInvalidRequest, Message: "malformed JSON"})
		return
	}
	if env.Type != protocol.FrameTypeRequest {
		c.sendRes("invalid", false, nil, &protocol.ErrorShape{Code: protocol.ErrorInvalidRequest, Message: "expected a req frame"})
		return
	}

	var req protocol.RequestFrame
	if err := schema.DecodeStrict(data, &req); err != nil {
		c.sendRes("invalid", false, nil, &protocol.ErrorShape{Code: protocol.ErrorInvalidRequest, Message: err.Error()})
		return
	}
	if err := c.srv.schema.Validate(&req); err != nil {
		c.sendRes(req.ID, false, nil, &protocol.ErrorShape{Code: protocol.ErrorInvalidRequest, Message: err.Error()})
		return
	}

	// Multiple in-flight requests per connection are allowed: each gets its
	// own goroutine so a slow agent call never blocks health/status calls
	// behind it.
	go c.srv.dispatch(c, req)
}

func (c *Connection) sendRes(id string, ok bool, payload any, errShape *protocol.ErrorShape) {
	res := protocol.ResponseFrame{Type: protocol.FrameTypeResponse, ID: id, OK: ok, Payload: payload, Error: errShape}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	c.enqueue(data, false)
}

// dispatch looks up the method handler and answers the request.
func (s *Server) dispatch(c *Connection, req protocol.RequestFrame) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		c.sendRes(req.ID, false, nil, &protocol.ErrorShape{Code: protocol.ErrorInvalidRequest, Message: "unknown method: " + req.Method})
		return
	}
	handler(context.Background(), s, c, req)
}

type handlerFunc func(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame)

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		protocol.MethodHealth:         handleHealth,
		protocol.MethodStatus:         handleStatus,
		protocol.MethodSystemPresence: handleSystemPresence,
		protocol.MethodSystemEvent:    handleSystemEvent,
		protocol.MethodSetHeartbeats:  handleSetHeartbeats,
		protocol.MethodSend:           handleSend,
		protocol.MethodAgent:          handleAgent,
	}
}

func handleHealth(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	payload, err := s.health.Health(ctx)
	if err != nil {
		c.sendRes(req.ID, false, nil, ports.AsUnavailable(err))
		return
	}
	c.sendRes(req.ID, true, payload, nil)
}

func handleStatus(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	payload, err := s.status.Status(ctx)
	if err != nil {
		c.sendRes(req.ID, false, nil, ports.AsUnavailable(err))
		return
	}
	c.sendRes(req.ID, true, payload, nil)
}

func handleSystemPresence(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	list, _ := s.presence.List()
	c.sendRes(req.ID, true, list, nil)
}

func handleSystemEvent(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	var params protocol.SystemEventParams
	if err := decodeParams(req.Params, &params, s); err != nil {
		c.sendRes(req.ID, false, nil, invalidParams(err))
		return
	}

	if err := s.systemEvents.Push(ctx, params.Text); err != nil {
		c.sendRes(req.ID, false, nil, ports.AsUnavailable(err))
		return
	}

	key, entry := presence.ParseSystemEventText(params.Text)
	entry.Ts = time.Now().UnixMilli()
	s.upsertPresence(key, entry)

	// The res on this connection must be enqueued before the resulting
	// presence broadcast reaches it, so a client observing its own
	// write-then-read never sees the new state ahead of its own res.
	c.sendRes(req.ID, true, protocol.SystemEventPayload{OK: true}, nil)
	s.broadcastPresence()
}

func handleSetHeartbeats(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	var params protocol.SetHeartbeatsParams
	if err := decodeParams(req.Params, &params, s); err != nil {
		c.sendRes(req.ID, false, nil, invalidParams(err))
		return
	}
	c.mu.Lock()
	c.heartbeats = params.Enabled
	c.mu.Unlock()
	c.sendRes(req.ID, true, protocol.SetHeartbeatsPayload{OK: true}, nil)
}

func handleSend(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	var params protocol.SendParams
	if err := decodeParams(req.Params, &params, s); err != nil {
		c.sendRes(req.ID, false, nil, invalidParams(err))
		return
	}

	key := dedupe.Key(protocol.MethodSend, params.IdempotencyKey)
	if cached, ok := s.dedupe.Get(key); ok {
		c.sendRes(req.ID, cached.OK, cached.Payload, cached.Err)
		return
	}

	result, err := s.delivery.Deliver(ctx, ports.DeliveryRequest{
		To: params.To, Message: params.Message, MediaURL: params.MediaURL, Provider: params.Provider,
	})
	if err != nil {
		shape := ports.AsUnavailable(err)
		s.dedupe.Put(key, dedupe.Entry{At: time.Now(), OK: false, Err: shape})
		c.sendRes(req.ID, false, nil, shape)
		return
	}

	payload := protocol.SendPayload{RunID: params.IdempotencyKey, MessageID: result.MessageID, ToJID: result.ToJID}
	s.dedupe.Put(key, dedupe.Entry{At: time.Now(), OK: true, Payload: payload})
	c.sendRes(req.ID, true, payload, nil)
}

func handleAgent(ctx context.Context, s *Server, c *Connection, req protocol.RequestFrame) {
	var params protocol.AgentParams
	if err := decodeParams(req.Params, &params, s); err != nil {
		c.sendRes(req.ID, false, nil, invalidParams(err))
		return
	}

	key := dedupe.Key(protocol.MethodAgent, params.IdempotencyKey)
	if cached, ok := s.dedupe.Get(key); ok {
		c.sendRes(req.ID, cached.OK, cached.Payload, cached.Err)
		return
	}

	runID := params.SessionID
	if runID == "" {
		runID = newConnID()
	}

	s.broadcastEvent(protocol.EventAgent, protocol.AgentAcceptedPayload{RunID: runID, Status: "accepted"}, false, nil)

	timeout := defaultAgentTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := s.agent.Run(runCtx, ports.AgentRequest{
		RunID: runID, Message: params.Message, To: params.To, SessionID: params.SessionID,
		Thinking: params.Thinking, Deliver: params.Deliver, Timeout: timeout,
	})
	if err != nil {
		var shape *protocol.ErrorShape
		if runCtx.Err() != nil {
			shape = &protocol.ErrorShape{Code: protocol.ErrorAgentTimeout, Message: "agent run timed out", Retryable: true}
		} else {
			shape = ports.AsUnavailable(err)
		}
		errPayload := protocol.AgentPayload{RunID: runID, Status: "error", Summary: shape.Message}
		s.dedupe.Put(key, dedupe.Entry{At: time.Now(), OK: false, Payload: errPayload, Err: shape})
		c.sendRes(req.ID, false, errPayload, shape)
		return
	}

	payload := protocol.AgentPayload{RunID: runID, Status: result.Status, Summary: result.Summary}
	s.dedupe.Put(key, dedupe.Entry{At: time.Now(), OK: true, Payload: payload})
	c.sendRes(req.ID, true, payload, nil)
}

func decodeParams(raw json.RawMessage, v any, s *Server) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := schema.DecodeStrict(raw, v); err != nil {
		return err
	}
	return s.schema.Validate(v)
}

func invalidParams(err error) *protocol.ErrorShape {
	return &protocol.ErrorShape{Code: protocol.ErrorInvalidRequest, Message: err.Error()}
}
