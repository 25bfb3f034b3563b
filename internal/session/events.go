package session

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/peer"
)

const eventBuffer = 32

// NoticeKind tags the UX stream: broadcast payloads plus local warnings.
type NoticeKind string

const (
	NoticeReaction NoticeKind = "reaction"
	NoticeWave     NoticeKind = "wave"
	NoticeChat     NoticeKind = "chat"
	NoticeWarning  NoticeKind = "warning"
	NoticeWaiting  NoticeKind = "waiting"
	NoticeEnded    NoticeKind = "ended"
)

type Notice struct {
	Kind  NoticeKind `json:"kind"`
	From  string     `json:"from,omitempty"`
	Emoji string     `json:"emoji,omitempty"`
	Text  string     `json:"text,omitempty"`
}

type events struct {
	tracks    chan peer.TrackEvent
	roster    chan []domain.ParticipantRecord
	waiting   chan []domain.WaitingEntry
	admission chan bool
	notices   chan Notice
}

func newEvents() *events {
	return &events{
		tracks:    make(chan peer.TrackEvent, eventBuffer),
		roster:    make(chan []domain.ParticipantRecord, eventBuffer),
		waiting:   make(chan []domain.WaitingEntry, eventBuffer),
		admission: make(chan bool, eventBuffer),
		notices:   make(chan Notice, eventBuffer),
	}
}

// push delivers without blocking store callbacks; a UI that stopped
// draining loses events rather than wedging the session.
func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("module", "session").Msg("event dropped, consumer not draining")
	}
}

// Tracks streams incoming remote media.
func (s *Session) Tracks() <-chan peer.TrackEvent { return s.events.tracks }

// Roster streams participant snapshots.
func (s *Session) Roster() <-chan []domain.ParticipantRecord { return s.events.roster }

// WaitingRoom streams waiting-room snapshots (host only gets content).
func (s *Session) WaitingRoom() <-chan []domain.WaitingEntry { return s.events.waiting }

// AdmissionStatus emits the terminal decision for our own join request.
func (s *Session) AdmissionStatus() <-chan bool { return s.events.admission }

// Notices streams UX broadcasts and local warnings.
func (s *Session) Notices() <-chan Notice { return s.events.notices }

func sortedRoster(m *domain.Meeting) []domain.ParticipantRecord {
	out := make([]domain.ParticipantRecord, 0, len(m.Participants))
	for _, p := range m.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AdmittedAt.Equal(out[j].AdmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AdmittedAt.Before(out[j].AdmittedAt)
	})
	return out
}

func sortedWaiting(m *domain.Meeting) []domain.WaitingEntry {
	out := make([]domain.WaitingEntry, 0, len(m.WaitingRoom))
	for _, e := range m.WaitingRoom {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// diffWaiting compares two waiting-room snapshots. The previous snapshot is
// session instance state passed in explicitly, never package state.
func diffWaiting(prev, cur map[string]domain.WaitingEntry) (arrived, departed []domain.WaitingEntry) {
	for id, e := range cur {
		if _, ok := prev[id]; !ok {
			arrived = append(arrived, e)
		}
	}
	for id, e := range prev {
		if _, ok := cur[id]; !ok {
			departed = append(departed, e)
		}
	}
	sort.Slice(arrived, func(i, j int) bool { return arrived[i].ID < arrived[j].ID })
	sort.Slice(departed, func(i, j int) bool { return departed[i].ID < departed[j].ID })
	return arrived, departed
}
