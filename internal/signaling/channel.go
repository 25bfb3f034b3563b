// Package signaling exchanges negotiation messages between parties through
// the shared store. Delivery is at-most-once; loss is tolerated because
// negotiation retries happen through reconnection.
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

// Initiator applies the glare rule: for any unordered pair exactly one side
// sends the initial offer, picked by a total order over the two ids.
func Initiator(a, b string) string {
	if a > b {
		return a
	}
	return b
}

type Channel struct {
	store     store.Store
	meetingID string
}

func New(s store.Store, meetingID string) *Channel {
	return &Channel{store: s, meetingID: meetingID}
}

// Send appends one message. to may be domain.Broadcast for UX payloads;
// negotiation payloads are always addressed.
func (c *Channel) Send(ctx context.Context, from, to string, payload domain.SignalPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("send %s signal: %w", payload.Kind, err)
	}
	if to == domain.Broadcast && payload.Negotiation() {
		return fmt.Errorf("send %s signal: negotiation payloads cannot be broadcast", payload.Kind)
	}
	msg := &domain.SignalMessage{
		From:    from,
		To:      to,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	if err := c.store.AppendSignal(ctx, c.meetingID, msg); err != nil {
		return fmt.Errorf("send %s signal: %w", payload.Kind, err)
	}
	return nil
}

// Listen delivers messages addressed to selfID or broadcast, skipping our
// own. The store dispatches each subscription on a single goroutine, which
// is what keeps per-pair delivery FIFO. Malformed payloads are logged and
// dropped so one bad peer cannot take the stream down.
func (c *Channel) Listen(ctx context.Context, selfID string, fn func(*domain.SignalMessage)) (store.CancelFunc, error) {
	return c.store.SubscribeSignals(ctx, c.meetingID, func(msg *domain.SignalMessage) {
		if msg.From == selfID {
			return
		}
		if msg.To != selfID && msg.To != domain.Broadcast {
			return
		}
		if err := msg.Payload.Validate(); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("from", msg.From).Msg("dropping malformed signal")
			return
		}
		fn(msg)
	})
}
