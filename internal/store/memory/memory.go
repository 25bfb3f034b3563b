// Package memory provides an in-process store backend for tests and
// single-machine sessions.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

const subscriberBuffer = 64

// docSub queues snapshots without bound so a slow subscriber stalls its own
// delivery, never the guarantee: every write reaches every subscriber, in
// write order.
type docSub struct {
	mu      sync.Mutex
	pending []*domain.Meeting
	ready   chan struct{}
	done    chan struct{}
}

func (d *docSub) push(m *domain.Meeting) {
	d.mu.Lock()
	d.pending = append(d.pending, m)
	d.mu.Unlock()
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *docSub) take() []*domain.Meeting {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()
	return batch
}

type sigSub struct {
	ch   chan *domain.SignalMessage
	done chan struct{}
}

type Store struct {
	mu       sync.Mutex
	meetings map[string]*domain.Meeting
	invites  map[string]*domain.GuestInvite
	signals  map[string][]*domain.SignalMessage
	docSubs  map[string]map[*docSub]struct{}
	sigSubs  map[string]map[*sigSub]struct{}
}

func New() *Store {
	return &Store{
		meetings: make(map[string]*domain.Meeting),
		invites:  make(map[string]*domain.GuestInvite),
		signals:  make(map[string][]*domain.SignalMessage),
		docSubs:  make(map[string]map[*docSub]struct{}),
		sigSubs:  make(map[string]map[*sigSub]struct{}),
	}
}

func inviteKey(meetingID, token string) string { return meetingID + "/" + token }

func (s *Store) GetMeeting(ctx context.Context, id string) (*domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) PutMeeting(ctx context.Context, m *domain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m.Clone()
	s.notifyDocLocked(m.ID)
	return nil
}

func (s *Store) ApplyUpdates(ctx context.Context, id string, updates ...store.FieldUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return store.ErrNotFound
	}
	next := m.Clone()
	if err := store.ApplyToMeeting(next, updates...); err != nil {
		return err
	}
	s.meetings[id] = next
	s.notifyDocLocked(id)
	return nil
}

func (s *Store) SubscribeMeeting(ctx context.Context, id string, fn func(*domain.Meeting)) (store.CancelFunc, error) {
	sub := &docSub{ready: make(chan struct{}, 1), done: make(chan struct{})}

	s.mu.Lock()
	if s.docSubs[id] == nil {
		s.docSubs[id] = make(map[*docSub]struct{})
	}
	s.docSubs[id][sub] = struct{}{}
	if cur, ok := s.meetings[id]; ok {
		sub.push(cur.Clone())
	}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-sub.ready:
				for _, m := range sub.take() {
					fn(m)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.docSubs[id], sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

func (s *Store) AppendSignal(ctx context.Context, meetingID string, msg *domain.SignalMessage) error {
	cp := *msg
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[meetingID] = append(s.signals[meetingID], &cp)
	for sub := range s.sigSubs[meetingID] {
		out := cp
		select {
		case sub.ch <- &out:
		default:
			// At-most-once: a stalled subscriber loses the message.
			log.Warn().Str("module", "store.memory").Str("meeting", meetingID).Msg("dropping signal for slow subscriber")
		}
	}
	return nil
}

func (s *Store) SubscribeSignals(ctx context.Context, meetingID string, fn func(*domain.SignalMessage)) (store.CancelFunc, error) {
	sub := &sigSub{ch: make(chan *domain.SignalMessage, subscriberBuffer), done: make(chan struct{})}

	s.mu.Lock()
	if s.sigSubs[meetingID] == nil {
		s.sigSubs[meetingID] = make(map[*sigSub]struct{})
	}
	s.sigSubs[meetingID][sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case m := <-sub.ch:
				fn(m)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.sigSubs[meetingID], sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

func (s *Store) PutInvite(ctx context.Context, inv *domain.GuestInvite) error {
	cp := *inv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[inviteKey(inv.MeetingID, inv.Token)] = &cp
	return nil
}

func (s *Store) GetInvite(ctx context.Context, meetingID, token string) (*domain.GuestInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteKey(meetingID, token)]
	if !ok {
		return nil, fmt.Errorf("invite %s: %w", token, store.ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

// notifyDocLocked fans the current snapshot out to subscribers. Must be
// called with s.mu held so snapshots are enqueued in write order; the
// per-subscriber queue is unbounded, so at-least-once delivery holds even
// for a stalled subscriber.
func (s *Store) notifyDocLocked(id string) {
	cur := s.meetings[id]
	for sub := range s.docSubs[id] {
		sub.push(cur.Clone())
	}
}
