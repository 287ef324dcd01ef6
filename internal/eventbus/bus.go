// Package eventbus is the single-subscriber pub/sub the agent runtime
// (an external collaborator; see internal/ports) uses to stream run
// progress back into the gateway, which then fans it out as "agent"
// events. Ordering is only guaranteed per-producer: concurrent producers
// may interleave, but Publish itself is serialized so one producer's
// calls into the subscriber are never reordered or overlapped with
// another's.
package eventbus

import "sync"

// AgentEvent is one step of an agent run's progress stream. Seq is a
// counter the producer assigns (distinct from the gateway's own
// process-wide event.seq, which is assigned when this is fanned out as an
// "agent" event), and Ts is the producer's own timestamp.
type AgentEvent struct {
	RunID  string
	Stream string
	Seq    int64
	Ts     int64
	Data   any
}

// Bus fans agent events out to exactly one subscriber, registered once at
// startup by the gateway.
type Bus struct {
	mu         sync.Mutex
	subscriber func(AgentEvent)
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn as the bus's single subscriber, replacing any
// previous one.
func (b *Bus) Subscribe(fn func(AgentEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriber = fn
}

// Publish delivers evt to the current subscriber, if any. Concurrent
// Publish calls are serialized against each other so the subscriber never
// sees two deliveries running at once, and each producer's own calls
// arrive in the order it made them.
func (b *Bus) Publish(evt AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscriber != nil {
		b.subscriber(evt)
	}
}
