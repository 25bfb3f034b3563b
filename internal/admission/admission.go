// Package admission runs the waiting-room state machine: a join request is
// pending until the host admits or denies it. The admit transition is a
// single atomic store batch so an id can never sit in both the waiting room
// and the participant set, nor fall out of both.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

var (
	ErrNotWaiting      = errors.New("participant not in waiting room")
	ErrAlreadyAdmitted = errors.New("participant already admitted")
)

const writeRetries = 4

type Controller struct {
	store store.Store
}

func NewController(s store.Store) *Controller {
	return &Controller{store: s}
}

// RequestEntry upserts the caller's waiting entry. Idempotent: re-issuing
// for a pending id overwrites metadata without duplicating, and an already
// admitted id is left alone.
func (c *Controller) RequestEntry(ctx context.Context, meetingID string, entry domain.WaitingEntry) error {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("request entry: %w", err)
	}
	if _, ok := m.Participants[entry.ID]; ok {
		return nil
	}
	// A repeat request refreshes the entry but keeps its place in line.
	if prev, ok := m.WaitingRoom[entry.ID]; ok {
		entry.RequestedAt = prev.RequestedAt
	}
	if entry.RequestedAt.IsZero() {
		entry.RequestedAt = time.Now().UTC()
	}
	if err := c.store.ApplyUpdates(ctx, meetingID, store.Set(store.WaitingPath(entry.ID), entry)); err != nil {
		return fmt.Errorf("request entry: %w", err)
	}
	log.Info().Str("module", "admission").Str("meeting", meetingID).Str("participant", entry.ID).Msg("entry requested")
	return nil
}

// Admit moves the id from waitingRoom to participants in one all-or-nothing
// write. Store failures are retried with exponential backoff before being
// surfaced to the host; a silently dropped admission would leave a guest
// stuck.
func (c *Controller) Admit(ctx context.Context, meetingID, participantID string) error {
	op := func() error {
		m, err := c.store.GetMeeting(ctx, meetingID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if _, ok := m.Participants[participantID]; ok {
			return backoff.Permanent(ErrAlreadyAdmitted)
		}
		entry, ok := m.WaitingRoom[participantID]
		if !ok {
			return backoff.Permanent(ErrNotWaiting)
		}
		return c.store.ApplyUpdates(ctx, meetingID,
			store.Set(store.ParticipantPath(participantID), entry.Admitted(time.Now().UTC())),
			store.Remove(store.WaitingPath(participantID)),
		)
	}
	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		if errors.Is(err, ErrAlreadyAdmitted) {
			return nil
		}
		return fmt.Errorf("admit %s: %w", participantID, err)
	}
	log.Info().Str("module", "admission").Str("meeting", meetingID).Str("participant", participantID).Msg("admitted")
	return nil
}

// Deny removes the waiting entry only; a participant record is never
// created for a denied id.
func (c *Controller) Deny(ctx context.Context, meetingID, participantID string) error {
	op := func() error {
		err := c.store.ApplyUpdates(ctx, meetingID, store.Remove(store.WaitingPath(participantID)))
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		return fmt.Errorf("deny %s: %w", participantID, err)
	}
	log.Info().Str("module", "admission").Str("meeting", meetingID).Str("participant", participantID).Msg("denied")
	return nil
}

func (c *Controller) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, writeRetries), ctx)
}

// SubscribeStatus reports the terminal admission decision for one id:
// true once it appears in participants, false once it leaves the waiting
// room without ever being admitted. Callers subscribe after requesting
// entry, so an id absent from both maps on the very first snapshot means
// the decision already landed as a denial. The change feed replays full
// documents, so both transitions are edge-detected and fire at most once;
// a true is never followed by a false.
func (c *Controller) SubscribeStatus(ctx context.Context, meetingID, participantID string, fn func(admitted bool)) (store.CancelFunc, error) {
	first := true
	var seenWaiting, decided bool
	return c.store.SubscribeMeeting(ctx, meetingID, func(m *domain.Meeting) {
		if decided {
			return
		}
		initial := first
		first = false
		if _, ok := m.Participants[participantID]; ok {
			decided = true
			fn(true)
			return
		}
		if _, ok := m.WaitingRoom[participantID]; ok {
			seenWaiting = true
			return
		}
		if seenWaiting || initial {
			// Gone from the waiting room and never admitted: denied.
			decided = true
			fn(false)
		}
	})
}

// SubscribeWaitingRoom streams the full current waiting set to the host on
// every change, oldest request first.
func (c *Controller) SubscribeWaitingRoom(ctx context.Context, meetingID string, fn func([]domain.WaitingEntry)) (store.CancelFunc, error) {
	return c.store.SubscribeMeeting(ctx, meetingID, func(m *domain.Meeting) {
		entries := make([]domain.WaitingEntry, 0, len(m.WaitingRoom))
		for _, e := range m.WaitingRoom {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].RequestedAt.Equal(entries[j].RequestedAt) {
				return entries[i].ID < entries[j].ID
			}
			return entries[i].RequestedAt.Before(entries[j].RequestedAt)
		})
		fn(entries)
	})
}
