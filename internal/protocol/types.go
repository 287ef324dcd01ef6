// Package protocol defines the wire format spoken over the gateway's single
// WebSocket endpoint: the hello handshake, and the req/res/event frame
// triad that follows it.
package protocol

import "encoding/json"

// Frame type discriminators. Every JSON object on the wire carries one of
// these in its "type" field.
const (
	FrameTypeHello      = "hello"
	FrameTypeHelloOK     = "hello-ok"
	FrameTypeHelloError = "hello-error"
	FrameTypeRequest    = "req"
	FrameTypeResponse   = "res"
	FrameTypeEvent      = "event"
)

// ProtocolVersion is the only protocol version this gateway speaks.
const ProtocolVersion = 1

// Closed method set. A request naming any other method is INVALID_REQUEST.
const (
	MethodHealth          = "health"
	MethodStatus          = "status"
	MethodSystemPresence  = "system-presence"
	MethodSystemEvent     = "system-event"
	MethodSetHeartbeats   = "set-heartbeats"
	MethodSend            = "send"
	MethodAgent           = "agent"
)

// Closed event name set.
const (
	EventTick     = "tick"
	EventPresence = "presence"
	EventAgent    = "agent"
	EventShutdown = "shutdown"
)

// Closed error code set.
const (
	ErrorInvalidRequest = "INVALID_REQUEST"
	ErrorUnavailable    = "UNAVAILABLE"
	ErrorAgentTimeout   = "AGENT_TIMEOUT"
	ErrorNotLinked      = "NOT_LINKED"
)

// ClientDescriptor identifies the peer during the handshake.
type ClientDescriptor struct {
	Name       string `json:"name" validate:"required"`
	Version    string `json:"version" validate:"required"`
	Platform   string `json:"platform,omitempty"`
	Mode       string `json:"mode,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// AuthInfo carries the single shared gateway token.
type AuthInfo struct {
	Token string `json:"token"`
}

// HelloFrame is the first frame a client must send. Any other frame type
// arriving before a successful hello is a protocol violation.
type HelloFrame struct {
	Type        string           `json:"type" validate:"required,eq=hello"`
	MinProtocol int              `json:"minProtocol" validate:"required,gte=1"`
	MaxProtocol int              `json:"maxProtocol" validate:"required,gtefield=MinProtocol"`
	Client      ClientDescriptor `json:"client" validate:"required"`
	Auth        *AuthInfo        `json:"auth,omitempty"`
	// Caps advertises optional client capabilities. The gateway does not
	// currently gate any behavior on it; accepted and ignored so older and
	// newer clients can both send it without tripping strict decoding.
	Caps []string `json:"caps,omitempty"`
}

// ServerInfo identifies this gateway instance in hello-ok.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	ConnID  string `json:"connId"`
}

// PolicyInfo advertises the limits this connection is held to.
type PolicyInfo struct {
	MaxInboundPayloadBytes  int64 `json:"maxInboundPayloadBytes"`
	MaxOutboundBufferBytes  int64 `json:"maxOutboundBufferBytes"`
	HandshakeTimeoutMs      int64 `json:"handshakeTimeoutMs"`
}

// StateVersion pairs the two independently-monotonic version counters a
// client needs to detect it missed a mutation while disconnected.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// Snapshot is the point-in-time state handed to a client as part of
// hello-ok, so it never has to issue a follow-up request just to catch up.
type Snapshot struct {
	Presence     []PresenceEntry `json:"presence"`
	StateVersion StateVersion    `json:"stateVersion"`
	UptimeMs     int64           `json:"uptimeMs"`
}

// HelloOkFrame is sent once, on successful handshake.
type HelloOkFrame struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Policy   PolicyInfo `json:"policy"`
	Snapshot Snapshot   `json:"snapshot"`
}

// HelloErrorFrame rejects a handshake. ExpectedProtocol is set only for
// protocol-mismatch rejections.
type HelloErrorFrame struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	ExpectedProtocol int    `json:"expectedProtocol,omitempty"`
}

// RequestFrame is a client-initiated call. Params is kept raw so dispatch
// can decode it into the method-specific struct after looking up the
// method name.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id" validate:"required"`
	Method string          `json:"method" validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorShape is the error payload carried by a failed response.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string { return e.Code + ": " + e.Message }

// ResponseFrame answers exactly one RequestFrame by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server-initiated push, numbered by the single
// process-wide sequence counter.
type EventFrame struct {
	Type         string        `json:"type"`
	Event        string        `json:"event"`
	Payload      any           `json:"payload,omitempty"`
	Seq          int64         `json:"seq"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`
}

// PresenceEntry describes one known node in the system-presence snapshot,
// including the gateway's own synthesized self-entry.
type PresenceEntry struct {
	Host             string   `json:"host"`
	IP               string   `json:"ip,omitempty"`
	Version          string   `json:"version,omitempty"`
	Mode             string   `json:"mode,omitempty"`
	LastInputSeconds int64    `json:"lastInputSeconds,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Text             string   `json:"text,omitempty"`
	Ts               int64    `json:"ts"`
	InstanceID       string   `json:"instanceId,omitempty"`
}
