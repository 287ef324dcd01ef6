package gateway

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/clawdis/gateway/internal/protocol"
	"github.com/clawdis/gateway/internal/schema"
)

// frameEnvelope is decoded first, loosely, just to read the "type"
// discriminator before deciding how strictly to parse the rest.
type frameEnvelope struct {
	Type string `json:"type"`
}

// handleInbound routes one inbound WebSocket message according to the
// connection's current state: the handshake state machine before READY,
// normal request dispatch afterward.
func (c *Connection) handleInbound(data []byte) {
	switch c.getState() {
	case connStateAwaitingHello:
		c.handleHello(data)
	case connStateReady:
		c.handleReadyFrame(data)
	default:
		// closed or brand-new: nothing should route here, ignore.
	}
}

func (c *Connection) handleHello(data []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.FrameTypeHello {
		// Malformed JSON, or the first frame wasn't a hello at all: per the
		// error handling design, handshake-phase parse failures close the
		// socket without a response.
		c.closeWithCode(websocket.CloseProtocolError, "expected hello")
		return
	}

	var hello protocol.HelloFrame
	if err := schema.DecodeStrict(data, &hello); err != nil {
		c.closeWithCode(websocket.CloseProtocolError, "malformed hello")
		return
	}

	if err := c.srv.schema.Validate(&hello); err != nil {
		c.sendHelloError(err.Error(), 0)
		c.closeWithCode(websocket.ClosePolicyViolation, "invalid hello")
		return
	}

	if hello.MinProtocol > protocol.ProtocolVersion || hello.MaxProtocol < protocol.ProtocolVersion {
		c.sendHelloError("protocol mismatch", protocol.ProtocolVersion)
		c.closeWithCode(websocket.CloseProtocolError, "protocol mismatch")
		return
	}

	if c.srv.token != "" {
		token := ""
		if hello.Auth != nil {
			token = hello.Auth.Token
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.srv.token)) != 1 {
			c.sendHelloError("unauthorized", 0)
			c.closeWithCode(websocket.ClosePolicyViolation, "unauthorized")
			return
		}
	}

	presenceKey := "conn:" + c.id
	if hello.Client.InstanceID != "" {
		presenceKey = hello.Client.InstanceID
	}

	c.mu.Lock()
	c.descriptor = hello.Client
	c.presenceKey = presenceKey
	c.mu.Unlock()

	entry := protocol.PresenceEntry{
		Host:       hello.Client.Name,
		Version:    hello.Client.Version,
		Mode:       hello.Client.Mode,
		Reason:     "connect",
		InstanceID: hello.Client.InstanceID,
	}
	presenceVersion := c.srv.upsertPresence(c.presenceKey, entry)

	c.setState(connStateReady)

	presenceList, _ := c.srv.presence.List()
	healthVersion := c.srv.healthVersion.Load()

	helloOk := protocol.HelloOkFrame{
		Type:     protocol.FrameTypeHelloOK,
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Version: c.srv.version,
			Commit:  c.srv.commit,
			ConnID:  c.id,
		},
		Policy: protocol.PolicyInfo{
			MaxInboundPayloadBytes: maxInboundFrameBytes,
			MaxOutboundBufferBytes: maxOutboundBufferedBytes,
			HandshakeTimeoutMs:     handshakeTimeout.Milliseconds(),
		},
		Snapshot: protocol.Snapshot{
			Presence:     presenceList,
			StateVersion: protocol.StateVersion{Presence: presenceVersion, Health: healthVersion},
			UptimeMs:     c.srv.uptime().Milliseconds(),
		},
	}
	data2, err := json.Marshal(helloOk)
	if err != nil {
		c.closeWithCode(websocket.CloseInternalServerErr, "encode error")
		return
	}
	c.enqueue(data2, false)

	// hello-ok's snapshot already carries this connection's own entry, so
	// the connect broadcast goes out before the connection joins the
	// broadcast set and only reaches the other connections.
	c.srv.broadcastPresence()
	c.srv.registerConnection(c)
}

func (c *Connection) sendHelloError(reason string, expectedProtocol int) {
	frame := protocol.HelloErrorFrame{
		Type:             protocol.FrameTypeHelloError,
		Reason:           reason,
		ExpectedProtocol: expectedProtocol,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data, false)
}

func newConnID() string { return uuid.New().String() }
