package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdis/gateway/internal/protocol"
)

// Backoff bounds for the client's reconnect loop: starts at 1s, doubles on
// every failed attempt, caps at 30s.
const (
	initialReconnectBackoff = 1 * time.Second
	maxReconnectBackoff     = 30 * time.Second
)

// ErrNotConnected is returned by Request when the socket is not currently
// in the READY state; Request never blocks waiting for a connection.
var ErrNotConnected = fmt.Errorf("gateway client: not connected")

// ErrClientClosed is the abstract error every pending request is rejected
// with when the connection drops or Stop is called.
var ErrClientClosed = fmt.Errorf("gateway client: closed")

// GapInfo describes a detected hole in the event sequence: the client saw
// seq jump from one value to a later one without the intermediate values
// ever arriving on this connection. lastSeq restarts at zero on every
// hello-ok, so the first event after a (re)connect is never reported as a
// gap.
type GapInfo struct {
	Expected int64
	Received int64
}

type pendingRequest struct {
	ch          chan *protocol.ResponseFrame
	expectFinal bool
}

// ClientOptions configures a Client.
type ClientOptions struct {
	URL        string
	Token      string
	Name       string
	Version    string
	Platform   string
	Mode       string
	InstanceID string

	// OnHelloOk fires once per successful handshake (including every
	// reconnect), with the fresh snapshot.
	OnHelloOk func(*protocol.HelloOkFrame)
	// OnEvent fires for every event frame, in arrival order.
	OnEvent func(*protocol.EventFrame)
	// OnGap fires when a sequence gap is detected; see GapInfo.
	OnGap func(GapInfo)
	// OnClose fires whenever the underlying socket goes away, whether by
	// error, server close, or a clean Stop.
	OnClose func(err error)
}

// Client is the loopback counterpart to Server: it dials the gateway's
// WebSocket endpoint, performs the hello handshake, tracks pending
// requests by id, detects sequence gaps in the event stream, and
// reconnects with exponential backoff when the connection drops.
type Client struct {
	opts ClientOptions

	mu      sync.RWMutex
	ws      *websocket.Conn
	pending map[string]*pendingRequest
	lastSeq int64
	hello   *protocol.HelloOkFrame

	ready   atomic.Bool
	stopped atomic.Bool
	stopOnce sync.Once
	stopCh  chan struct{}
}

// NewClient builds a Client. Call Run to start the connect/reconnect loop.
func NewClient(opts ClientOptions) *Client {
	if opts.Name == "" {
		opts.Name = "gateway-client"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Platform == "" {
		opts.Platform = "linux"
	}
	if opts.Mode == "" {
		opts.Mode = "backend"
	}
	return &Client{
		opts:    opts,
		pending: make(map[string]*pendingRequest),
		stopCh:  make(chan struct{}),
	}
}

// Run connects and, on any disconnect, reconnects with exponential backoff
// until ctx is cancelled or Stop is called. It blocks for the lifetime of
// the client; callers typically invoke it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := initialReconnectBackoff
	for {
		if c.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		err := c.connectOnce(ctx)
		if c.opts.OnClose != nil {
			c.opts.OnClose(err)
		}

		if c.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// Stop marks the client closed and prevents any further reconnect attempt.
// Any request currently in flight is rejected with ErrClientClosed.
func (c *Client) Stop() {
	c.stopped.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// connectOnce dials, performs the hello handshake, then reads frames until
// the connection errors or closes. It always returns with every pending
// request rejected and the client no longer marked ready.
func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.ready.Store(false)
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
		c.rejectAllPending()
	}()

	hello := protocol.HelloFrame{
		Type:        protocol.FrameTypeHello,
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientDescriptor{
			Name:     c.opts.Name,
			Version:  c.opts.Version,
			Platform: c.opts.Platform,
			Mode:     c.opts.Mode,
		},
	}
	if c.opts.Token != "" {
		hello.Auth = &protocol.AuthInfo{Token: c.opts.Token}
	}
	data, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	_, first, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello response: %w", err)
	}
	if err := c.handleHelloResponse(first); err != nil {
		return err
	}

	c.ready.Store(true)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleHelloResponse(data []byte) error {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed hello response: %w", err)
	}
	switch env.Type {
	case protocol.FrameTypeHelloOK:
		var ok protocol.HelloOkFrame
		if err := json.Unmarshal(data, &ok); err != nil {
			return fmt.Errorf("malformed hello-ok: %w", err)
		}
		c.mu.Lock()
		c.hello = &ok
		c.lastSeq = 0
		c.mu.Unlock()
		if c.opts.OnHelloOk != nil {
			c.opts.OnHelloOk(&ok)
		}
		return nil
	case protocol.FrameTypeHelloError:
		var e protocol.HelloErrorFrame
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("handshake rejected: %s", e.Reason)
	default:
		return fmt.Errorf("unexpected frame during handshake: %s", env.Type)
	}
}

func (c *Client) rejectAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		close(p.ch)
		delete(c.pending, id)
	}
}

// Request sends method with params and waits for the matching res. It
// fails synchronously, without writing anything, if the connection is not
// currently READY. When expectFinal is set, an intermediate res whose
// payload looks like {"status":"accepted"} is ignored rather than resolving
// the call — defensive, since the gateway never actually sends one (see
// the "agent" ack-then-final pattern, which acks via an event instead).
func (c *Client) Request(ctx context.Context, method string, params any, expectFinal bool) (json.RawMessage, error) {
	if !c.ready.Load() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := generateRequestID()
	ch := make(chan *protocol.ResponseFrame, 1)
	c.pending[id] = &pendingRequest{ch: ch, expectFinal: expectFinal}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = encoded
	}
	frame := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-ch:
			if !ok || resp == nil {
				return nil, ErrClientClosed
			}
			if expectFinal && isAcceptedIntermediate(resp.Payload) {
				continue
			}
			if !resp.OK {
				if resp.Error != nil {
					return nil, resp.Error
				}
				return nil, fmt.Errorf("request failed")
			}
			return encodePayload(resp.Payload)
		}
	}
}

func isAcceptedIntermediate(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	status, _ := m["status"].(string)
	return status == "accepted"
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func (c *Client) handleMessage(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case protocol.FrameTypeResponse:
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.mu.RLock()
		p, ok := c.pending[resp.ID]
		c.mu.RUnlock()
		if ok {
			select {
			case p.ch <- &resp:
			default:
			}
		}

	case protocol.FrameTypeEvent:
		var evt protocol.EventFrame
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		if evt.Seq > 0 {
			c.mu.Lock()
			expected := c.lastSeq + 1
			gapped := c.lastSeq != 0 && evt.Seq > expected
			c.lastSeq = evt.Seq
			c.mu.Unlock()
			if gapped && c.opts.OnGap != nil {
				c.opts.OnGap(GapInfo{Expected: expected, Received: evt.Seq})
			}
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(&evt)
		}
	}
}

// IsReady reports whether the handshake has completed and the connection
// is currently usable for Request.
func (c *Client) IsReady() bool { return c.ready.Load() }

// Hello returns the most recently received hello-ok frame, or nil before
// the first successful handshake.
func (c *Client) Hello() *protocol.HelloOkFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
