// Package redisstore backs the session store with Redis: one JSON document
// per meeting mutated under WATCH, pub/sub change feeds, and an append-only
// signal log.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

const txRetries = 8

type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return New(client), nil
}

func (s *Store) Close() error { return s.client.Close() }

func meetingKey(id string) string     { return "meeting:" + id }
func eventsChannel(id string) string  { return "meeting.events." + id }
func signalsKey(id string) string     { return "meeting.signals." + id }
func signalsChannel(id string) string { return "meeting.signalfeed." + id }

func inviteKey(meetingID, token string) string {
	return "invite:" + meetingID + ":" + token
}

func (s *Store) GetMeeting(ctx context.Context, id string) (*domain.Meeting, error) {
	raw, err := s.client.Get(ctx, meetingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", id, err)
	}
	var m domain.Meeting
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode meeting %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) PutMeeting(ctx context.Context, m *domain.Meeting) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meeting %s: %w", m.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, meetingKey(m.ID), raw, 0)
	pipe.Publish(ctx, eventsChannel(m.ID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: put meeting %s: %v", store.ErrWriteFailed, m.ID, err)
	}
	return nil
}

// ApplyUpdates runs a read-modify-write under WATCH so the whole batch
// lands atomically; concurrent writers retry on conflict.
func (s *Store) ApplyUpdates(ctx context.Context, id string, updates ...store.FieldUpdate) error {
	key := meetingKey(id)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var m domain.Meeting
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode meeting %s: %w", id, err)
		}
		if err := store.ApplyToMeeting(&m, updates...); err != nil {
			return err
		}
		next, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			pipe.Publish(ctx, eventsChannel(id), next)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrBadPath) || errors.Is(err, store.ErrBadValue) {
			return err
		}
		return fmt.Errorf("%w: update meeting %s: %v", store.ErrWriteFailed, id, err)
	}
	return fmt.Errorf("%w: update meeting %s: too many conflicts", store.ErrWriteFailed, id)
}

func (s *Store) SubscribeMeeting(ctx context.Context, id string, fn func(*domain.Meeting)) (store.CancelFunc, error) {
	pubsub := s.client.Subscribe(ctx, eventsChannel(id))
	// Force the subscription onto the wire before the initial read so no
	// write can slip between snapshot and stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe meeting %s: %w", id, err)
	}

	initial, err := s.GetMeeting(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		_ = pubsub.Close()
		return nil, err
	}

	go func() {
		if initial != nil {
			fn(initial)
		}
		for msg := range pubsub.Channel() {
			var m domain.Meeting
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Error().Err(err).Str("module", "store.redis").Str("meeting", id).Msg("bad meeting event payload")
				continue
			}
			fn(&m)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return cancel, nil
}

func (s *Store) AppendSignal(ctx context.Context, meetingID string, msg *domain.SignalMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, signalsKey(meetingID), raw)
	pipe.Publish(ctx, signalsChannel(meetingID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: append signal: %v", store.ErrWriteFailed, err)
	}
	return nil
}

func (s *Store) SubscribeSignals(ctx context.Context, meetingID string, fn func(*domain.SignalMessage)) (store.CancelFunc, error) {
	pubsub := s.client.Subscribe(ctx, signalsChannel(meetingID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe signals %s: %w", meetingID, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var sm domain.SignalMessage
			if err := json.Unmarshal([]byte(msg.Payload), &sm); err != nil {
				log.Error().Err(err).Str("module", "store.redis").Str("meeting", meetingID).Msg("bad signal payload")
				continue
			}
			fn(&sm)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return cancel, nil
}

func (s *Store) PutInvite(ctx context.Context, inv *domain.GuestInvite) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invite: %w", err)
	}
	ttl := time.Until(inv.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, inviteKey(inv.MeetingID, inv.Token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put invite: %v", store.ErrWriteFailed, err)
	}
	return nil
}

func (s *Store) GetInvite(ctx context.Context, meetingID, token string) (*domain.GuestInvite, error) {
	raw, err := s.client.Get(ctx, inviteKey(meetingID, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("invite %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	var inv domain.GuestInvite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	return &inv, nil
}
