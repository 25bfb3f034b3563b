// Package store defines the shared session store contract: a queryable
// document store with change notification and atomic multi-field updates.
// Coordination correctness of the whole subsystem rests on ApplyUpdates
// being all-or-nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huddlekit/huddle/internal/domain"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrBadPath     = errors.New("unsupported field path")
	ErrBadValue    = errors.New("value does not match field path")
	ErrWriteFailed = errors.New("store write failed")
)

// CancelFunc stops a subscription and releases its listener. Safe to call
// more than once.
type CancelFunc func()

// FieldUpdate addresses one nested field of a meeting document. Paths:
// "status", "title", "participants.<id>", "waitingRoom.<id>". Delete
// removes the addressed map entry; Value is ignored then.
type FieldUpdate struct {
	Path   string
	Value  any
	Delete bool
}

// Set and Remove keep call sites free of struct literals.
func Set(path string, value any) FieldUpdate { return FieldUpdate{Path: path, Value: value} }
func Remove(path string) FieldUpdate         { return FieldUpdate{Path: path, Delete: true} }

func ParticipantPath(id string) string { return "participants." + id }
func WaitingPath(id string) string     { return "waitingRoom." + id }

// Store is the contract both backends satisfy.
//
// Delivery guarantees: SubscribeMeeting delivers full document snapshots,
// at least once, in write order for the watched document, starting with the
// current state when the document exists. SubscribeSignals delivers new
// messages at most once, FIFO per publisher. Both deliver on a single
// goroutine per subscription.
type Store interface {
	GetMeeting(ctx context.Context, id string) (*domain.Meeting, error)
	PutMeeting(ctx context.Context, m *domain.Meeting) error
	// ApplyUpdates applies the whole batch atomically or not at all.
	ApplyUpdates(ctx context.Context, id string, updates ...FieldUpdate) error
	SubscribeMeeting(ctx context.Context, id string, fn func(*domain.Meeting)) (CancelFunc, error)

	AppendSignal(ctx context.Context, meetingID string, msg *domain.SignalMessage) error
	SubscribeSignals(ctx context.Context, meetingID string, fn func(*domain.SignalMessage)) (CancelFunc, error)

	PutInvite(ctx context.Context, inv *domain.GuestInvite) error
	GetInvite(ctx context.Context, meetingID, token string) (*domain.GuestInvite, error)
}

// ApplyToMeeting applies a batch to an in-memory document. Both backends
// funnel through it so path semantics cannot drift. The meeting is mutated
// only if every update validates.
func ApplyToMeeting(m *domain.Meeting, updates ...FieldUpdate) error {
	for _, u := range updates {
		if err := checkUpdate(u); err != nil {
			return err
		}
	}
	for _, u := range updates {
		applyUpdate(m, u)
	}
	return nil
}

func checkUpdate(u FieldUpdate) error {
	head, _, nested := strings.Cut(u.Path, ".")
	switch head {
	case "status":
		if nested {
			return fmt.Errorf("%w: %q", ErrBadPath, u.Path)
		}
		if !u.Delete {
			if _, ok := u.Value.(domain.MeetingStatus); !ok {
				return fmt.Errorf("%w: %q wants domain.MeetingStatus", ErrBadValue, u.Path)
			}
		}
	case "title":
		if nested {
			return fmt.Errorf("%w: %q", ErrBadPath, u.Path)
		}
		if !u.Delete {
			if _, ok := u.Value.(string); !ok {
				return fmt.Errorf("%w: %q wants string", ErrBadValue, u.Path)
			}
		}
	case "participants":
		if !nested {
			return fmt.Errorf("%w: %q", ErrBadPath, u.Path)
		}
		if !u.Delete {
			if _, ok := u.Value.(domain.ParticipantRecord); !ok {
				return fmt.Errorf("%w: %q wants domain.ParticipantRecord", ErrBadValue, u.Path)
			}
		}
	case "waitingRoom":
		if !nested {
			return fmt.Errorf("%w: %q", ErrBadPath, u.Path)
		}
		if !u.Delete {
			if _, ok := u.Value.(domain.WaitingEntry); !ok {
				return fmt.Errorf("%w: %q wants domain.WaitingEntry", ErrBadValue, u.Path)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadPath, u.Path)
	}
	return nil
}

func applyUpdate(m *domain.Meeting, u FieldUpdate) {
	head, key, _ := strings.Cut(u.Path, ".")
	switch head {
	case "status":
		if !u.Delete {
			m.Status = u.Value.(domain.MeetingStatus)
		}
	case "title":
		if !u.Delete {
			m.Title = u.Value.(string)
		}
	case "participants":
		if m.Participants == nil {
			m.Participants = make(map[string]domain.ParticipantRecord)
		}
		if u.Delete {
			delete(m.Participants, key)
		} else {
			m.Participants[key] = u.Value.(domain.ParticipantRecord)
		}
	case "waitingRoom":
		if m.WaitingRoom == nil {
			m.WaitingRoom = make(map[string]domain.WaitingEntry)
		}
		if u.Delete {
			delete(m.WaitingRoom, key)
		} else {
			m.WaitingRoom[key] = u.Value.(domain.WaitingEntry)
		}
	}
}
