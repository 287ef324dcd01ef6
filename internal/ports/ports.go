// Package ports declares the abstract boundary between the gateway core
// and the four external collaborators spec.md treats as out of scope: the
// health prober, the status summarizer, the delivery provider, and the
// agent runtime, plus the system-event queue. The gateway only ever calls
// these interfaces; concrete
// implementations live in internal/ports/local (trivial, in-process
// defaults) or are supplied by whatever embeds this module.
package ports

import (
	"context"
	"time"
)

// HealthPort reports liveness/resource information for the "health"
// method. The return value is passed through as the response payload
// as-is, so its shape is owned by the concrete implementation.
type HealthPort interface {
	Health(ctx context.Context) (any, error)
}

// StatusPort reports a higher-level operational summary for the "status"
// method, same pass-through contract as HealthPort.
type StatusPort interface {
	Status(ctx context.Context) (any, error)
}

// DeliveryRequest is what the "send" method forwards to the delivery
// provider.
type DeliveryRequest struct {
	To       string
	Message  string
	MediaURL string
	Provider string
}

// DeliveryResult is what the delivery provider hands back on success.
type DeliveryResult struct {
	MessageID string
	ToJID     string
}

// DeliveryPort sends one message through an external channel.
type DeliveryPort interface {
	Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error)
}

// AgentRequest is what the "agent" method forwards to the agent runtime.
type AgentRequest struct {
	RunID     string
	Message   string
	To        string
	SessionID string
	Thinking  bool
	Deliver   bool
	Timeout   time.Duration
}

// AgentResult is the final outcome of an agent run.
type AgentResult struct {
	Status  string
	Summary string
}

// AgentPort runs one agent turn to completion. Implementations that stream
// intermediate progress do so by publishing to the eventbus.Bus they were
// constructed with; Run itself only ever returns the final outcome.
type AgentPort interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// SystemEventPort pushes a system-event notification onward to whatever
// external system-event queue is configured, independent of the presence
// registry update the gateway performs locally for the same call.
type SystemEventPort interface {
	Push(ctx context.Context, text string) error
}
