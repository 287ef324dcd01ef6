// Package gateway implements the Clawdis gateway: a loopback-only
// WebSocket endpoint speaking the hello/req/res/event frame protocol,
// backed by a presence registry, a dedupe cache, and an event bus that
// fans agent progress out to connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clawdis/gateway/internal/dedupe"
	"github.com/clawdis/gateway/internal/eventbus"
	"github.com/clawdis/gateway/internal/presence"
	"github.com/clawdis/gateway/internal/protocol"
	"github.com/clawdis/gateway/internal/ports"
	"github.com/clawdis/gateway/internal/ports/local"
	"github.com/clawdis/gateway/internal/schema"
)

const (
	tickInterval  = 30 * time.Second
	sweepInterval = dedupe.DefaultSweepInterval
)

// Config holds everything needed to construct a Server. Ports left nil
// fall back to the trivial in-process defaults in internal/ports/local.
type Config struct {
	Host    string
	Port    int
	Token   string
	Version string
	Commit  string

	Health       ports.HealthPort
	Status       ports.StatusPort
	Delivery     ports.DeliveryPort
	Agent        ports.AgentPort
	SystemEvents ports.SystemEventPort

	// Logger is optional; New builds the standard JSON sink on os.Stdout
	// when it is left nil.
	Logger *zerolog.Logger
}

// Server is the gateway's control plane: one echo.Echo bound to a single
// WebSocket upgrade route, plus the shared state every connection's
// handlers read and mutate.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger zerolog.Logger

	token   string
	version string
	commit  string
	host    string

	startTime time.Time

	presence *presence.Registry
	dedupe   *dedupe.Cache
	bus      *eventbus.Bus
	schema   *schema.Registry

	health       ports.HealthPort
	status       ports.StatusPort
	delivery     ports.DeliveryPort
	agent        ports.AgentPort
	systemEvents ports.SystemEventPort

	handlers map[string]handlerFunc

	mu    sync.RWMutex
	conns map[*Connection]struct{}

	seq           atomic.Int64
	healthVersion atomic.Int64
	broadcastMu   sync.Mutex

	shuttingDown atomic.Bool
	stopTicking  chan struct{}
}

// New builds a Server. Call ListenAndServe to start accepting connections.
func New(cfg Config) *Server {
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Str("component", "gateway").Logger()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	host, _ := os.Hostname()

	bus := eventbus.New()

	s := &Server{
		cfg:         cfg,
		echo:        e,
		logger:      logger,
		token:       cfg.Token,
		version:     cfg.Version,
		commit:      cfg.Commit,
		host:        host,
		startTime:   time.Now(),
		presence:    presence.NewRegistry(presence.DefaultTTL, presence.DefaultMaxSize),
		dedupe:      dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		bus:         bus,
		schema:      schema.NewRegistry(),
		conns:       make(map[*Connection]struct{}),
		stopTicking: make(chan struct{}),
	}

	s.health = cfg.Health
	if s.health == nil {
		s.health = local.NewHealth()
	}
	s.status = cfg.Status
	if s.status == nil {
		s.status = local.NewStatus()
	}
	s.delivery = cfg.Delivery
	if s.delivery == nil {
		s.delivery = local.NewDelivery()
	}
	s.agent = cfg.Agent
	if s.agent == nil {
		s.agent = local.NewAgent(bus)
	}
	s.systemEvents = cfg.SystemEvents
	if s.systemEvents == nil {
		s.systemEvents = local.NewSystemEvent(nil)
	}

	s.health = ports.WrapHealth(s.health, s.logger)
	s.status = ports.WrapStatus(s.status, s.logger)
	s.delivery = ports.WrapDelivery(s.delivery, s.logger)
	s.agent = ports.WrapAgent(s.agent, s.logger)
	s.systemEvents = ports.WrapSystemEvent(s.systemEvents, s.logger)

	s.presence.SetSelf("self", func() protocol.PresenceEntry {
		return protocol.PresenceEntry{
			Host:    s.host,
			Version: s.version,
			Mode:    "gateway",
			Reason:  "self",
		}
	})

	bus.Subscribe(s.handleAgentEvent)

	s.registerHandlers()
	s.echo.GET("/", s.handleUpgrade)

	return s
}

func (s *Server) uptime() time.Duration { return time.Since(s.startTime) }

// ListenAndServe starts the WebSocket endpoint and the background tick
// and dedupe-sweep loops. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.dedupe.StartSweeper(context.Background(), sweepInterval)
	go s.tickLoop()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info().Str("addr", addr).Msg("gateway listening")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown announces a shutdown event to every connected client, closes
// every connection, and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	close(s.stopTicking)

	s.broadcastEvent(protocol.EventShutdown, protocol.ShutdownPayload{Reason: "server shutdown"}, false, nil)

	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.closeWithCode(websocket.CloseServiceRestart, "server shutdown")
	}

	return s.echo.Shutdown(ctx)
}

func (s *Server) handleUpgrade(c echo.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade failed")
		return nil
	}

	if s.shuttingDown.Load() {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseServiceRestart, "shutting down"), time.Now().Add(writeWait))
		_ = ws.Close()
		return nil
	}

	conn := newConnection(s, ws, newConnID())
	go conn.writePump()
	go conn.readPump()
	return nil
}

func (s *Server) registerConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) unregisterConnection(c *Connection) {
	s.mu.Lock()
	_, existed := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()

	if !existed {
		return
	}
	c.mu.Lock()
	key := c.presenceKey
	c.mu.Unlock()
	if key == "" {
		return
	}
	s.presence.MarkDisconnected(key)
	s.broadcastPresence()
}

func (s *Server) upsertPresence(key string, entry protocol.PresenceEntry) int64 {
	if entry.Ts == 0 {
		entry.Ts = time.Now().UnixMilli()
	}
	return s.presence.Upsert(key, entry)
}

// broadcastEvent assigns the next sequence number and fans frame out to
// every READY connection, honoring per-connection heartbeats opt-out for
// tick events and dropping droppable frames under backpressure. The whole
// assign-then-send step runs under one lock so events reach every
// connection in counter order.
func (s *Server) broadcastEvent(event string, payload any, droppable bool, sv *protocol.StateVersion) {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	seq := s.seq.Add(1)
	frame := protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: event, Payload: payload, Seq: seq, StateVersion: sv}
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if c.getState() != connStateReady {
			continue
		}
		if event == protocol.EventTick {
			c.mu.Lock()
			wantsTicks := c.heartbeats
			c.mu.Unlock()
			if !wantsTicks {
				continue
			}
		}
		c.enqueue(data, droppable)
	}
}

func (s *Server) broadcastPresence() {
	list, version := s.presence.List()
	sv := &protocol.StateVersion{Presence: version, Health: s.healthVersion.Load()}
	s.broadcastEvent(protocol.EventPresence, list, false, sv)
}

func (s *Server) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTicking:
			return
		case <-ticker.C:
			s.broadcastEvent(protocol.EventTick, protocol.TickPayload{Ts: time.Now().UnixMilli()}, true, nil)
		}
	}
}

func (s *Server) handleAgentEvent(evt eventbus.AgentEvent) {
	s.broadcastEvent(protocol.EventAgent, map[string]any{
		"runId":  evt.RunID,
		"stream": evt.Stream,
		"seq":    evt.Seq,
		"ts":     evt.Ts,
		"data":   evt.Data,
	}, false, nil)
}
