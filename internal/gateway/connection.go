package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clawdis/gateway/internal/protocol"
)

const (
	// maxInboundFrameBytes bounds a single inbound WebSocket message.
	// A frame over this size is a protocol violation, not backpressure.
	maxInboundFrameBytes = 512 * 1024

	// maxOutboundBufferedBytes is the outbound high-water mark: once a
	// connection has this many bytes queued but not yet written, droppable
	// frames (tick) are dropped and non-droppable frames trigger a
	// slow-consumer close.
	maxOutboundBufferedBytes = 1536 * 1024 // 1.5 MiB

	handshakeTimeout = 3 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboundQueueDepth = 128
)

type connState int32

const (
	connStateNew connState = iota
	connStateAwaitingHello
	connStateReady
	connStateClosed
)

type outboundFrame struct {
	data      []byte
	droppable bool
}

type closeRequest struct {
	code   int
	reason string
}

// Connection is one WebSocket peer: a read pump and a write pump, run as a
// goroutine pair so outbound writes on the connection are always
// serialized through a single goroutine, per the concurrency model.
type Connection struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	logger zerolog.Logger

	state atomic.Int32

	send          chan outboundFrame
	bufferedBytes atomic.Int64

	closeOnce sync.Once
	closeReq  chan closeRequest

	mu          sync.Mutex
	descriptor  protocol.ClientDescriptor
	presenceKey string
	heartbeats  bool
}

func newConnection(srv *Server, ws *websocket.Conn, id string) *Connection {
	c := &Connection{
		id:         id,
		srv:        srv,
		ws:         ws,
		logger:     srv.logger.With().Str("conn", id).Logger(),
		send:       make(chan outboundFrame, outboundQueueDepth),
		closeReq:   make(chan closeRequest, 1),
		heartbeats: true,
	}
	c.state.Store(int32(connStateNew))
	return c
}

func (c *Connection) getState() connState {
	return connState(c.state.Load())
}

func (c *Connection) setState(s connState) {
	c.state.Store(int32(s))
}

// enqueue queues frame for delivery. Droppable frames are silently dropped
// under backpressure; non-droppable frames that would breach the high
// water mark instead close the connection as a slow consumer.
func (c *Connection) enqueue(frame []byte, droppable bool) bool {
	if c.getState() == connStateClosed {
		return false
	}
	size := int64(len(frame))
	if c.bufferedBytes.Load()+size > maxOutboundBufferedBytes {
		if droppable {
			return false
		}
		c.closeWithCode(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
	select {
	case c.send <- outboundFrame{data: frame, droppable: droppable}:
		c.bufferedBytes.Add(size)
		return true
	default:
		if droppable {
			return false
		}
		c.closeWithCode(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

// closeWithCode requests a close with the given WebSocket close code and
// reason, exactly once. The actual close frame is written by writePump,
// after it has drained any frames already queued ahead of it — a frame
// enqueued immediately before closeWithCode (e.g. hello-error) is always
// flushed before the connection goes away. Unregistering (and the presence
// broadcast it triggers) runs on its own goroutine, because closeWithCode
// can be reached from enqueue inside broadcastEvent, which holds
// broadcastMu.
func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(connStateClosed)
		c.closeReq <- closeRequest{code: code, reason: reason}
		go c.srv.unregisterConnection(c)
	})
}

func (c *Connection) readPump() {
	defer c.closeWithCode(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(maxInboundFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.setState(connStateAwaitingHello)
	timer := time.AfterFunc(handshakeTimeout, func() {
		if c.getState() != connStateReady {
			c.closeWithCode(websocket.ClosePolicyViolation, "handshake timeout")
		}
	})
	defer timer.Stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		if len(data) > maxInboundFrameBytes {
			c.closeWithCode(websocket.ClosePolicyViolation, "frame too large")
			return
		}
		c.handleInbound(data)
		if c.getState() == connStateClosed {
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.bufferedBytes.Add(-int64(len(frame.data)))
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case req := <-c.closeReq:
			c.drainAndClose(req)
			return
		}
	}
}

// drainAndClose flushes any frames already queued ahead of the close
// request, then writes the close control frame and closes the socket.
func (c *Connection) drainAndClose(req closeRequest) {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				break
			}
			c.bufferedBytes.Add(-int64(len(frame.data)))
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				_ = c.ws.Close()
				return
			}
			continue
		default:
		}
		break
	}
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(req.code, req.reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}
