// Package domain contains entities without logic, just meta-data.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type MeetingStatus string

const (
	MeetingActive MeetingStatus = "active"
	MeetingEnded  MeetingStatus = "ended"
)

// Meeting is the single piece of shared mutable state. The host owns it;
// admitted participants upsert their own records, nothing else.
type Meeting struct {
	ID           string                       `json:"id"`
	Title        string                       `json:"title"`
	HostID       string                       `json:"hostId"`
	CreatedAt    time.Time                    `json:"createdAt"`
	Status       MeetingStatus                `json:"status"`
	Participants map[string]ParticipantRecord `json:"participants"`
	WaitingRoom  map[string]WaitingEntry      `json:"waitingRoom"`
}

func NewMeeting(title, hostID string) *Meeting {
	return &Meeting{
		ID:           uuid.NewString(),
		Title:        title,
		HostID:       hostID,
		CreatedAt:    time.Now().UTC(),
		Status:       MeetingActive,
		Participants: make(map[string]ParticipantRecord),
		WaitingRoom:  make(map[string]WaitingEntry),
	}
}

// Clone returns a deep copy safe to hand to subscribers.
func (m *Meeting) Clone() *Meeting {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Participants = make(map[string]ParticipantRecord, len(m.Participants))
	for k, v := range m.Participants {
		cp.Participants[k] = v
	}
	cp.WaitingRoom = make(map[string]WaitingEntry, len(m.WaitingRoom))
	for k, v := range m.WaitingRoom {
		cp.WaitingRoom[k] = v
	}
	return &cp
}

// ParticipantRecord exists only while its owner is admitted and present.
type ParticipantRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	IsGuest     bool      `json:"isGuest"`
	Client      string    `json:"client,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
	AdmittedAt  time.Time `json:"admittedAt"`
}

// WaitingEntry holds a join request until the host admits or denies it.
// An id has at most one entry and is never in both maps at once.
type WaitingEntry struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	IsGuest     bool      `json:"isGuest"`
	GuestToken  string    `json:"guestToken,omitempty"`
	Client      string    `json:"client,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Admitted converts a waiting entry into the participant record written by
// an admission decision.
func (w WaitingEntry) Admitted(now time.Time) ParticipantRecord {
	return ParticipantRecord{
		ID:          w.ID,
		DisplayName: w.DisplayName,
		Email:       w.Email,
		IsGuest:     w.IsGuest,
		Client:      w.Client,
		JoinedAt:    w.RequestedAt,
		AdmittedAt:  now,
	}
}
