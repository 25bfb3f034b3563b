package admission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/admission"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
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

func newMeeting(t *testing.T, s *memory.Store) *domain.Meeting {
	t.Helper()
	m := domain.NewMeeting("standup", "host1")
	require.NoError(t, s.PutMeeting(context.Background(), m))
	return m
}

// checkInvariant asserts no id is in both the waiting room and the
// participant set.
func checkInvariant(t *testing.T, s *memory.Store, meetingID string) {
	t.Helper()
	m, err := s.GetMeeting(context.Background(), meetingID)
	require.NoError(t, err)
	for id := range m.WaitingRoom {
		assert.NotContains(t, m.Participants, id, "id in both waitingRoom and participants")
	}
}

func TestRequestEntryIdempotent(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	entry := domain.WaitingEntry{ID: "g1", DisplayName: "Guest", IsGuest: true}
	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, entry))

	// Re-issue with changed metadata: overwritten, not duplicated.
	entry.DisplayName = "Guest (reloaded)"
	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, entry))

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.WaitingRoom, 1)
	assert.Equal(t, "Guest (reloaded)", got.WaitingRoom["g1"].DisplayName)
	assert.False(t, got.WaitingRoom["g1"].RequestedAt.IsZero())
}

func TestRequestEntrySkipsAdmitted(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()

	m := domain.NewMeeting("standup", "host1")
	m.Participants["p1"] = domain.ParticipantRecord{ID: "p1"}
	require.NoError(t, s.PutMeeting(ctx, m))

	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "p1"}))
	checkInvariant(t, s, m.ID)

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WaitingRoom)
}

func TestAdmit(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "g1", DisplayName: "Guest", IsGuest: true}))
	require.NoError(t, ctrl.Admit(ctx, m.ID, "g1"))
	checkInvariant(t, s, m.ID)

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	require.Contains(t, got.Participants, "g1")
	assert.NotContains(t, got.WaitingRoom, "g1")
	assert.True(t, got.Participants["g1"].IsGuest)
	assert.False(t, got.Participants["g1"].AdmittedAt.IsZero())

	// Admitting again is a no-op, not an error.
	require.NoError(t, ctrl.Admit(ctx, m.ID, "g1"))
	checkInvariant(t, s, m.ID)

	assert.ErrorIs(t, ctrl.Admit(ctx, m.ID, "nobody"), admission.ErrNotWaiting)
}

func TestDeny(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "g1"}))
	require.NoError(t, ctrl.Deny(ctx, m.ID, "g1"))
	checkInvariant(t, s, m.ID)

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.WaitingRoom, "g1")
	assert.NotContains(t, got.Participants, "g1", "deny never creates a participant record")

	// A denied guest may request entry again (policy decision).
	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "g1"}))
	got, err = s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Contains(t, got.WaitingRoom, "g1")

	assert.ErrorIs(t, ctrl.Deny(ctx, "missing", "g1"), store.ErrNotFound)
}

func TestSubscribeStatusAdmitted(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "g1"}))

	var mu sync.Mutex
	var updates []bool
	cancel, err := ctrl.SubscribeStatus(ctx, m.ID, "g1", func(admitted bool) {
		mu.Lock()
		updates = append(updates, admitted)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ctrl.Admit(ctx, m.ID, "g1"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})

	// Later churn on the document must not re-fire or flip the decision.
	require.NoError(t, s.ApplyUpdates(ctx, m.ID, store.Set("title", "renamed")))
	require.NoError(t, s.ApplyUpdates(ctx, m.ID, store.Remove(store.ParticipantPath("g1"))))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, updates)
}

func TestSubscribeStatusDenied(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "g1"}))

	var mu sync.Mutex
	var updates []bool
	cancel, err := ctrl.SubscribeStatus(ctx, m.ID, "g1", func(admitted bool) {
		mu.Lock()
		updates = append(updates, admitted)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ctrl.Deny(ctx, m.ID, "g1"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, updates)
}

func TestSubscribeStatusDeniedBeforeSubscribe(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "g1"}))
	// The host decides before the joiner's subscription is up.
	require.NoError(t, ctrl.Deny(ctx, m.ID, "g1"))

	var mu sync.Mutex
	var updates []bool
	cancel, err := ctrl.SubscribeStatus(ctx, m.ID, "g1", func(admitted bool) {
		mu.Lock()
		updates = append(updates, admitted)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, updates)
}

func TestSubscribeWaitingRoom(t *testing.T) {
	s := memory.New()
	ctrl := admission.NewController(s)
	ctx := context.Background()
	m := newMeeting(t, s)

	var mu sync.Mutex
	var last []domain.WaitingEntry
	snapshots := 0
	cancel, err := ctrl.SubscribeWaitingRoom(ctx, m.ID, func(entries []domain.WaitingEntry) {
		mu.Lock()
		last = entries
		snapshots++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	base := time.Now().UTC()
	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "late", RequestedAt: base.Add(time.Minute)}))
	require.NoError(t, ctrl.RequestEntry(ctx, m.ID, domain.WaitingEntry{ID: "early", RequestedAt: base}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	})

	mu.Lock()
	// Oldest request first.
	assert.Equal(t, "early", last[0].ID)
	assert.Equal(t, "late", last[1].ID)
	mu.Unlock()

	require.NoError(t, ctrl.Deny(ctx, m.ID, "early"))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].ID == "late"
	})
}
