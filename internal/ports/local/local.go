// Package local provides deliberately trivial, in-process implementations
// of each collaborator port, used when the gateway runs standalone or
// under test. They exist to make the gateway runnable end to end, not to
// model a real agent runtime, delivery provider, or health prober.
package local

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/gateway/internal/eventbus"
	"github.com/clawdis/gateway/internal/ports"
)

// Health reports process-level liveness information.
type Health struct {
	StartedAt time.Time
}

func NewHealth() *Health { return &Health{StartedAt: time.Now()} }

func (h *Health) Health(ctx context.Context) (any, error) {
	return map[string]any{
		"status":     "ok",
		"uptimeMs":   time.Since(h.StartedAt).Milliseconds(),
		"goroutines": runtime.NumGoroutine(),
	}, nil
}

// Status reports a coarse operational summary.
type Status struct{}

func NewStatus() *Status { return &Status{} }

func (s *Status) Status(ctx context.Context) (any, error) {
	return map[string]any{"status": "ok"}, nil
}

// Delivery simulates delivering a message through an external channel.
type Delivery struct{}

func NewDelivery() *Delivery { return &Delivery{} }

func (d *Delivery) Deliver(ctx context.Context, req ports.DeliveryRequest) (ports.DeliveryResult, error) {
	if req.To == "" {
		return ports.DeliveryResult{}, fmt.Errorf("delivery target required")
	}
	return ports.DeliveryResult{
		MessageID: "msg-" + uuid.New().String(),
		ToJID:     "jid-" + req.To,
	}, nil
}

// SystemEvent hands the pushed text to onPush, if one was given, and
// otherwise discards it; a real implementation would forward it to
// whatever downstream queue consumes system-event notifications.
type SystemEvent struct {
	onPush func(text string)
}

func NewSystemEvent(onPush func(text string)) *SystemEvent {
	return &SystemEvent{onPush: onPush}
}

func (s *SystemEvent) Push(ctx context.Context, text string) error {
	if s.onPush != nil {
		s.onPush(text)
	}
	return nil
}

// Agent runs a synthetic turn: it publishes a "started" and a "delta"
// event to the bus it was constructed with, then returns a canned
// completion. It exists so the gateway has something to dispatch "agent"
// requests to when no real agent runtime is wired in.
type Agent struct {
	bus     *eventbus.Bus
	stepGap time.Duration
	seq     atomic.Int64
}

func NewAgent(bus *eventbus.Bus) *Agent {
	return &Agent{bus: bus, stepGap: 10 * time.Millisecond}
}

// publish assigns the next value of this Agent's sequence counter (one
// counter per Agent, shared by all of its runs) before fanning the step
// out to the bus.
func (a *Agent) publish(runID, stream string, data any) {
	a.bus.Publish(eventbus.AgentEvent{
		RunID:  runID,
		Stream: stream,
		Seq:    a.seq.Add(1),
		Ts:     time.Now().UnixMilli(),
		Data:   data,
	})
}

func (a *Agent) Run(ctx context.Context, req ports.AgentRequest) (ports.AgentResult, error) {
	a.publish(req.RunID, "started", map[string]any{"message": req.Message})

	select {
	case <-ctx.Done():
		return ports.AgentResult{}, ctx.Err()
	case <-time.After(a.stepGap):
	}

	a.publish(req.RunID, "delta", map[string]any{"text": "working on it"})

	select {
	case <-ctx.Done():
		return ports.AgentResult{}, ctx.Err()
	case <-time.After(a.stepGap):
	}

	return ports.AgentResult{Status: "ok", Summary: "completed: " + req.Message}, nil
}
