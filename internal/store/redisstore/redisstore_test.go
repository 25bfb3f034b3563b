package redisstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/store/redisstore"
)

func newTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client), mr
}

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

func TestPutAndGetMeeting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	meeting := domain.NewMeeting("standup", "host1")
	require.NoError(t, s.PutMeeting(ctx, meeting))

	got, err := s.GetMeeting(ctx, meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, meeting.ID, got.ID)
	assert.Equal(t, meeting.HostID, got.HostID)

	_, err = s.GetMeeting(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyUpdatesAtomicAdmit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	meeting := domain.NewMeeting("standup", "host1")
	meeting.WaitingRoom["g1"] = domain.WaitingEntry{ID: "g1", DisplayName: "Guest", RequestedAt: time.Now().UTC()}
	require.NoError(t, s.PutMeeting(ctx, meeting))

	rec := meeting.WaitingRoom["g1"].Admitted(time.Now().UTC())
	require.NoError(t, s.ApplyUpdates(ctx, meeting.ID,
		store.Set(store.ParticipantPath("g1"), rec),
		store.Remove(store.WaitingPath("g1")),
	))

	got, err := s.GetMeeting(ctx, meeting.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Participants, "g1")
	assert.NotContains(t, got.WaitingRoom, "g1")

	err = s.ApplyUpdates(ctx, "missing", store.Set("title", "x"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribeMeetingReceivesWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	meeting := domain.NewMeeting("standup", "host1")
	require.NoError(t, s.PutMeeting(ctx, meeting))

	var mu sync.Mutex
	var seen []*domain.Meeting
	cancel, err := s.SubscribeMeeting(ctx, meeting.ID, func(m *domain.Meeting) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	})

	require.NoError(t, s.ApplyUpdates(ctx, meeting.ID, store.Set("title", "retro")))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1].Title == "retro"
	})
}

func TestSignalsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []*domain.SignalMessage
	cancel, err := s.SubscribeSignals(ctx, "m1", func(msg *domain.SignalMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	msg := &domain.SignalMessage{
		From:    "a",
		To:      "b",
		Payload: domain.SignalPayload{Kind: domain.SignalOffer, SDP: "v=0..."},
		SentAt:  time.Now().UTC(),
	}
	require.NoError(t, s.AppendSignal(ctx, "m1", msg))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.SignalOffer, got[0].Payload.Kind)
	assert.Equal(t, "a", got[0].From)
}

func TestInviteExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	inv := &domain.GuestInvite{
		Token:     "tok-1",
		MeetingID: "m1",
		Email:     "guest@example.com",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(domain.InviteTTL),
	}
	require.NoError(t, s.PutInvite(ctx, inv))

	got, err := s.GetInvite(ctx, "m1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, inv.Email, got.Email)

	// Past the TTL the record is simply gone.
	mr.FastForward(domain.InviteTTL + time.Minute)
	_, err = s.GetInvite(ctx, "m1", "tok-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
