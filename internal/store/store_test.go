package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

func TestApplyToMeeting(t *testing.T) {
	now := time.Now().UTC()

	t.Run("AdmitBatchIsAllOrNothing", func(t *testing.T) {
		m := domain.NewMeeting("standup", "host1")
		m.WaitingRoom["g1"] = domain.WaitingEntry{ID: "g1", DisplayName: "Guest", RequestedAt: now}

		rec := m.WaitingRoom["g1"].Admitted(now)
		err := store.ApplyToMeeting(m,
			store.Set(store.ParticipantPath("g1"), rec),
			store.Remove(store.WaitingPath("g1")),
		)
		require.NoError(t, err)
		assert.Contains(t, m.Participants, "g1")
		assert.NotContains(t, m.WaitingRoom, "g1")
	})

	t.Run("BadPathLeavesDocumentUntouched", func(t *testing.T) {
		m := domain.NewMeeting("standup", "host1")
		m.WaitingRoom["g1"] = domain.WaitingEntry{ID: "g1"}

		err := store.ApplyToMeeting(m,
			store.Remove(store.WaitingPath("g1")),
			store.Set("schedule.monday", "nope"),
		)
		require.ErrorIs(t, err, store.ErrBadPath)
		assert.Contains(t, m.WaitingRoom, "g1", "failed batch must not partially apply")
	})

	t.Run("WrongValueTypeRejected", func(t *testing.T) {
		m := domain.NewMeeting("standup", "host1")
		err := store.ApplyToMeeting(m, store.Set(store.ParticipantPath("p1"), "not a record"))
		assert.ErrorIs(t, err, store.ErrBadValue)
	})

	t.Run("ScalarFields", func(t *testing.T) {
		m := domain.NewMeeting("standup", "host1")
		err := store.ApplyToMeeting(m,
			store.Set("status", domain.MeetingEnded),
			store.Set("title", "retro"),
		)
		require.NoError(t, err)
		assert.Equal(t, domain.MeetingEnded, m.Status)
		assert.Equal(t, "retro", m.Title)
	})

	t.Run("NestedScalarPathRejected", func(t *testing.T) {
		m := domain.NewMeeting("standup", "host1")
		err := store.ApplyToMeeting(m, store.Set("status.active", domain.MeetingActive))
		assert.ErrorIs(t, err, store.ErrBadPath)
	})
}
