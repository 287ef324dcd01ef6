package ports

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/rs/zerolog"

	"github.com/clawdis/gateway/internal/protocol"
)

// Default circuit breaker tuning, shared across every wrapped port: after
// 3 consecutive failures the breaker opens for 10s before allowing a
// single half-open probe through.
const (
	defaultMaxFailures uint32        = 3
	defaultOpenTimeout time.Duration = 10 * time.Second
)

func newSettings(name string, logger zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     defaultOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
}

// AsUnavailable turns any collaborator error, including an open-circuit
// error, into the UNAVAILABLE error shape spec.md reserves for
// collaborator failures. RetryAfterMs is populated only for an open
// breaker, where it is a meaningful cooldown hint.
func AsUnavailable(err error) *protocol.ErrorShape {
	shape := &protocol.ErrorShape{
		Code:      protocol.ErrorUnavailable,
		Message:   err.Error(),
		Retryable: true,
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		shape.RetryAfterMs = defaultOpenTimeout.Milliseconds()
	}
	return shape
}

// HealthBreaker wraps a HealthPort so repeated collaborator failures
// short-circuit straight to an error instead of hammering a dead backend.
type HealthBreaker struct {
	inner HealthPort
	cb    *gobreaker.CircuitBreaker[any]
}

func WrapHealth(inner HealthPort, logger zerolog.Logger) *HealthBreaker {
	return &HealthBreaker{inner: inner, cb: gobreaker.NewCircuitBreaker[any](newSettings("health", logger))}
}

func (h *HealthBreaker) Health(ctx context.Context) (any, error) {
	return h.cb.Execute(func() (any, error) { return h.inner.Health(ctx) })
}

// StatusBreaker wraps a StatusPort the same way.
type StatusBreaker struct {
	inner StatusPort
	cb    *gobreaker.CircuitBreaker[any]
}

func WrapStatus(inner StatusPort, logger zerolog.Logger) *StatusBreaker {
	return &StatusBreaker{inner: inner, cb: gobreaker.NewCircuitBreaker[any](newSettings("status", logger))}
}

func (s *StatusBreaker) Status(ctx context.Context) (any, error) {
	return s.cb.Execute(func() (any, error) { return s.inner.Status(ctx) })
}

// DeliveryBreaker wraps a DeliveryPort.
type DeliveryBreaker struct {
	inner DeliveryPort
	cb    *gobreaker.CircuitBreaker[DeliveryResult]
}

func WrapDelivery(inner DeliveryPort, logger zerolog.Logger) *DeliveryBreaker {
	return &DeliveryBreaker{inner: inner, cb: gobreaker.NewCircuitBreaker[DeliveryResult](newSettings("delivery", logger))}
}

func (d *DeliveryBreaker) Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error) {
	return d.cb.Execute(func() (DeliveryResult, error) { return d.inner.Deliver(ctx, req) })
}

// AgentBreaker wraps an AgentPort.
type AgentBreaker struct {
	inner AgentPort
	cb    *gobreaker.CircuitBreaker[AgentResult]
}

func WrapAgent(inner AgentPort, logger zerolog.Logger) *AgentBreaker {
	return &AgentBreaker{inner: inner, cb: gobreaker.NewCircuitBreaker[AgentResult](newSettings("agent", logger))}
}

func (a *AgentBreaker) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	return a.cb.Execute(func() (AgentResult, error) { return a.inner.Run(ctx, req) })
}

// SystemEventBreaker wraps a SystemEventPort.
type SystemEventBreaker struct {
	inner SystemEventPort
	cb    *gobreaker.CircuitBreaker[any]
}

func WrapSystemEvent(inner SystemEventPort, logger zerolog.Logger) *SystemEventBreaker {
	return &SystemEventBreaker{inner: inner, cb: gobreaker.NewCircuitBreaker[any](newSettings("system-event", logger))}
}

func (s *SystemEventBreaker) Push(ctx context.Context, text string) error {
	_, err := s.cb.Execute(func() (any, error) { return nil, s.inner.Push(ctx, text) })
	return err
}
