// ABOUTME: Outbound sinks for the dispatch router
// ABOUTME: BusSink publishes envelopes to a fixed routing key on the message bus

package dispatch

import (
	"context"

	"github.com/fieldtalk/bridge-gateway/internal/envelope"
)

// Publisher is the slice of the bus client the sinks need.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// Sink delivers an outbound envelope to its destination.
type Sink interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
}

// BusSink publishes envelopes to one routing key. The same type serves both
// platform reply queues and the assistant queue; only the key differs.
type BusSink struct {
	pub        Publisher
	routingKey string
}

// NewBusSink creates a sink bound to routingKey.
func NewBusSink(pub Publisher, routingKey string) *BusSink {
	return &BusSink{pub: pub, routingKey: routingKey}
}

func (s *BusSink) Deliver(ctx context.Context, env *envelope.Envelope) error {
	return s.pub.Publish(ctx, s.routingKey, env)
}

var _ Sink = (*BusSink)(nil)
