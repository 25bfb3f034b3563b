package signaling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signaling"
	"github.com/huddlekit/huddle/internal/store/memory"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestInitiatorTotalOrder(t *testing.T) {
	// Exactly one of any pair initiates, regardless of evaluation side.
	pairs := [][2]string{
		{"alice", "bob"},
		{"user_9", "user_10"},
		{"guest_lx2_aabbcc", "host-1"},
	}
	for _, p := range pairs {
		ab := signaling.Initiator(p[0], p[1])
		ba := signaling.Initiator(p[1], p[0])
		assert.Equal(t, ab, ba, "initiator must not depend on argument order")
		assert.Contains(t, p, ab)
	}
	assert.Equal(t, "bob", signaling.Initiator("alice", "bob"))
}

func TestListenFiltersByAddress(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	chA := signaling.New(s, "m1")
	chB := signaling.New(s, "m1")

	var mu sync.Mutex
	var got []*domain.SignalMessage
	cancel, err := chB.Listen(ctx, "bob", func(msg *domain.SignalMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	offer := domain.SignalPayload{Kind: domain.SignalOffer, SDP: "v=0 a"}
	require.NoError(t, chA.Send(ctx, "alice", "bob", offer))
	// Addressed elsewhere: invisible to bob.
	require.NoError(t, chA.Send(ctx, "alice", "carol", offer))
	// Broadcast reaches bob.
	require.NoError(t, chA.Send(ctx, "alice", domain.Broadcast, domain.SignalPayload{Kind: domain.SignalWave}))
	// bob's own broadcast must not echo back.
	require.NoError(t, chB.Send(ctx, "bob", domain.Broadcast, domain.SignalPayload{Kind: domain.SignalReaction, Emoji: "🎉"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, domain.SignalOffer, got[0].Payload.Kind)
	assert.Equal(t, domain.SignalWave, got[1].Payload.Kind)
}

func TestPerPairFIFO(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	ch := signaling.New(s, "m1")

	var mu sync.Mutex
	var texts []string
	cancel, err := ch.Listen(ctx, "bob", func(msg *domain.SignalMessage) {
		mu.Lock()
		texts = append(texts, msg.Payload.Text)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	want := []string{"1", "2", "3", "4", "5"}
	for _, text := range want {
		require.NoError(t, ch.Send(ctx, "alice", "bob", domain.SignalPayload{Kind: domain.SignalChat, Text: text}))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == len(want)
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, texts)
}

func TestSendRejectsBadPayloads(t *testing.T) {
	s := memory.New()
	ch := signaling.New(s, "m1")
	ctx := context.Background()

	assert.Error(t, ch.Send(ctx, "a", "b", domain.SignalPayload{Kind: domain.SignalOffer}), "offer without SDP")
	assert.Error(t, ch.Send(ctx, "a", "b", domain.SignalPayload{Kind: "mystery"}))
	assert.Error(t, ch.Send(ctx, "a", domain.Broadcast, domain.SignalPayload{Kind: domain.SignalOffer, SDP: "x"}),
		"negotiation payloads cannot be broadcast")
}
