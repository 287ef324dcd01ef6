package protocol

// Params/payload structs for each method in the closed method set. Request
// params are decoded into these with schema.DecodeStrict (which rejects
// unknown members) and then validated with a shared schema.Registry.

// SystemEventParams carries a free-text system notification that the
// presence registry parses into (or merges as) a PresenceEntry.
type SystemEventParams struct {
	Text string `json:"text" validate:"required"`
}

type SystemEventPayload struct {
	OK bool `json:"ok"`
}

// SetHeartbeatsParams toggles whether tick events are emitted to this
// connection. (The server still emits ticks globally; this flag only
// gates delivery for the caller's own connection.)
type SetHeartbeatsParams struct {
	Enabled bool `json:"enabled"`
}

type SetHeartbeatsPayload struct {
	OK bool `json:"ok"`
}

// SendParams requests delivery of a message through the out-of-process
// delivery provider.
type SendParams struct {
	To             string `json:"to" validate:"required"`
	Message        string `json:"message" validate:"required"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	Provider       string `json:"provider,omitempty"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

type SendPayload struct {
	RunID     string `json:"runId"`
	MessageID string `json:"messageId"`
	ToJID     string `json:"toJid"`
}

// AgentParams starts (or, with a repeated IdempotencyKey, replays the
// outcome of) an agent turn. TimeoutSeconds of 0 means "use the gateway's
// default".
type AgentParams struct {
	Message        string `json:"message" validate:"required"`
	To             string `json:"to,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Thinking       bool   `json:"thinking,omitempty"`
	Deliver        bool   `json:"deliver,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty" validate:"gte=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// AgentAcceptedPayload is the payload of the "agent" event emitted
// immediately after a fresh (non-replayed) agent request is accepted.
type AgentAcceptedPayload struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// AgentPayload is the payload of the final "res" that answers an agent
// request, whether freshly run or replayed from the dedupe cache.
type AgentPayload struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// TickPayload is the payload of the periodic, droppable "tick" heartbeat
// event.
type TickPayload struct {
	Ts int64 `json:"ts"`
}

// ShutdownPayload announces an impending server shutdown. RestartExpectedMs
// is omitted (rather than sent as an explicit 0) since this gateway gives
// no restart-timing guarantee.
type ShutdownPayload struct {
	Reason            string `json:"reason"`
	RestartExpectedMs int64  `json:"restartExpectedMs,omitempty"`
}
