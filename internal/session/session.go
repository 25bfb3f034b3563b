// Package session orchestrates one client's participation in a meeting:
// token validation, admission, media acquisition and mesh formation, plus
// the change subscriptions that keep all of it current for the session's
// lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/admission"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/guest"
	"github.com/huddlekit/huddle/internal/identity"
	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/peer"
	"github.com/huddlekit/huddle/internal/signaling"
	"github.com/huddlekit/huddle/internal/store"
)

var (
	ErrAccessDenied  = errors.New("access denied")
	ErrNotJoined     = errors.New("not in a meeting")
	ErrAlreadyJoined = errors.New("already in a meeting")
	ErrNotHost       = errors.New("host-only action")
	ErrMeetingEnded  = errors.New("meeting has ended")
)

// Params wires a Session. Source defaults to media.NewSampleSource;
// Factory to the pion transport.
type Params struct {
	Store       store.Store
	Identity    identity.Provider
	Origin      string
	Client      string
	Fingerprint guest.Fingerprint
	ICEServers  []string
	Source      media.Source
	Factory     peer.TransportFactory
}

type Session struct {
	store     store.Store
	idp       identity.Provider
	validator *guest.Validator
	admitter  *admission.Controller
	origin    string
	client    string
	fp        guest.Fingerprint
	ice       []string
	source    media.Source
	factory   peer.TransportFactory
	events    *events

	mu          sync.Mutex
	joined      bool
	admitted    bool
	meetingID   string
	selfID      string
	displayName string
	email       string
	isGuest     bool
	guestToken  string
	isHost      bool
	media       *media.Manager
	peers       *peer.Manager
	channel     *signaling.Channel
	cancels     []store.CancelFunc
	prevWaiting map[string]domain.WaitingEntry
}

func New(p Params) *Session {
	source := p.Source
	if source == nil {
		source = media.NewSampleSource()
	}
	return &Session{
		store:     p.Store,
		idp:       p.Identity,
		validator: guest.NewValidator(p.Store, p.Origin),
		admitter:  admission.NewController(p.Store),
		origin:    p.Origin,
		client:    p.Client,
		fp:        p.Fingerprint,
		ice:       p.ICEServers,
		source:    source,
		factory:   p.Factory,
		events:    newEvents(),
	}
}

// Create writes a new meeting document with the caller as host and returns
// it. Creating does not join; call Join with the returned id.
func (s *Session) Create(ctx context.Context, title string) (*domain.Meeting, error) {
	ident, err := s.idp.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: hosting requires an authenticated identity", ErrAccessDenied)
	}
	m := domain.NewMeeting(title, ident.ID)
	if err := s.store.PutMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	log.Info().Str("module", "session").Str("meeting", m.ID).Str("host", ident.ID).Msg("meeting created")
	return m, nil
}

// Join runs the entry sequence. entryLink may carry a guest token; an empty
// meetingID is taken from the link. Access errors abort the join; media
// failures never do.
func (s *Session) Join(ctx context.Context, meetingID, entryLink string) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.mu.Unlock()

	var token string
	if entryLink != "" {
		linkMeeting, linkToken, err := guest.ParseEntryLink(entryLink)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		if meetingID == "" {
			meetingID = linkMeeting
		}
		token = linkToken
	}

	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("join meeting %s: %w", meetingID, err)
	}
	if m.Status == domain.MeetingEnded {
		return ErrMeetingEnded
	}

	ident, identErr := s.idp.Current(ctx)

	var selfID, displayName, email string
	var isGuest, isHost bool
	switch {
	case token != "":
		// Token holders enter as guests even when also authenticated; the
		// invite is the credential for this meeting.
		if !s.validator.Validate(ctx, meetingID, token) {
			return fmt.Errorf("%w: invalid or expired guest token", ErrAccessDenied)
		}
		selfID = guest.DeriveIdentity(token, s.fp)
		isGuest = true
		displayName = "Guest"
		if inv, err := s.store.GetInvite(ctx, meetingID, token); err == nil {
			email = inv.Email
			displayName = inv.Email
		}
	case identErr == nil && ident.ID == m.HostID:
		selfID = ident.ID
		displayName = ident.DisplayName
		email = ident.Email
		isHost = true
	case identErr == nil:
		selfID = ident.ID
		displayName = ident.DisplayName
		email = ident.Email
	default:
		return fmt.Errorf("%w: no identity and no guest token", ErrAccessDenied)
	}

	s.mu.Lock()
	s.joined = true
	s.admitted = false
	s.meetingID = meetingID
	s.selfID = selfID
	s.displayName = displayName
	s.email = email
	s.isGuest = isGuest
	s.guestToken = token
	s.isHost = isHost
	s.prevWaiting = make(map[string]domain.WaitingEntry)
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("meeting", meetingID).Str("self", selfID).Bool("host", isHost).Bool("guest", isGuest).Msg("joining")

	if isHost {
		// Host bypass: no waiting room, straight into the meeting.
		push(s.events.admission, true)
		return s.enterMeeting(ctx)
	}

	entry := domain.WaitingEntry{
		ID:          selfID,
		DisplayName: displayName,
		Email:       email,
		IsGuest:     isGuest,
		GuestToken:  token,
		Client:      s.client,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.admitter.RequestEntry(ctx, meetingID, entry); err != nil {
		s.reset()
		return fmt.Errorf("request entry: %w", err)
	}
	push(s.events.notices, Notice{Kind: NoticeWaiting, Text: "waiting for the host to let you in"})

	cancel, err := s.admitter.SubscribeStatus(ctx, meetingID, selfID, func(admitted bool) {
		push(s.events.admission, admitted)
		if !admitted {
			log.Info().Str("module", "session").Str("meeting", meetingID).Msg("denied entry")
			s.reset()
			return
		}
		if err := s.enterMeeting(context.Background()); err != nil {
			log.Error().Err(err).Str("module", "session").Str("meeting", meetingID).Msg("enter after admission")
		}
	})
	if err != nil {
		s.reset()
		return fmt.Errorf("subscribe admission status: %w", err)
	}
	s.addCancel(cancel)
	return nil
}

// enterMeeting runs the admitted part of the sequence: acquire media, wire
// the mesh, subscribe to membership and signaling, record our presence.
func (s *Session) enterMeeting(ctx context.Context) error {
	s.mu.Lock()
	if s.admitted || !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.admitted = true
	meetingID, selfID := s.meetingID, s.selfID
	isHost := s.isHost

	mediaMgr := media.NewManager(s.source)
	channel := signaling.New(s.store, meetingID)
	peers := peer.NewManager(peer.Params{
		SelfID:     selfID,
		Channel:    channel,
		ICEServers: s.ice,
		Factory:    s.factory,
		OnTrack: func(ev peer.TrackEvent) {
			push(s.events.tracks, ev)
		},
	})
	mediaMgr.SetReplacer(peers)
	s.media = mediaMgr
	s.peers = peers
	s.channel = channel
	s.mu.Unlock()

	// Media failures degrade, never abort.
	capture := mediaMgr.Acquire(ctx)
	for _, w := range capture.Warnings {
		push(s.events.notices, Notice{Kind: NoticeWarning, Text: w})
	}
	peers.SetLocalTracks(capture.Tracks())

	cancelSignals, err := channel.Listen(ctx, selfID, func(msg *domain.SignalMessage) {
		s.routeSignal(msg)
	})
	if err != nil {
		return fmt.Errorf("listen signals: %w", err)
	}
	s.addCancel(cancelSignals)

	cancelDoc, err := s.store.SubscribeMeeting(ctx, meetingID, func(m *domain.Meeting) {
		s.onMeetingSnapshot(m)
	})
	if err != nil {
		return fmt.Errorf("subscribe meeting: %w", err)
	}
	s.addCancel(cancelDoc)

	if err := s.recordPresence(ctx); err != nil {
		return err
	}
	log.Info().Str("module", "session").Str("meeting", meetingID).Bool("host", isHost).Msg("entered meeting")
	return nil
}

// recordPresence writes our participant record, idempotently: an admission
// already wrote it for non-hosts and that record wins.
func (s *Session) recordPresence(ctx context.Context) error {
	s.mu.Lock()
	meetingID := s.meetingID
	rec := domain.ParticipantRecord{
		ID:          s.selfID,
		DisplayName: s.displayName,
		Email:       s.email,
		IsGuest:     s.isGuest,
		Client:      s.client,
		JoinedAt:    time.Now().UTC(),
		AdmittedAt:  time.Now().UTC(),
	}
	s.mu.Unlock()

	m, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	if _, ok := m.Participants[rec.ID]; ok {
		return nil
	}
	if err := s.store.ApplyUpdates(ctx, meetingID, store.Set(store.ParticipantPath(rec.ID), rec)); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	return nil
}

func (s *Session) routeSignal(msg *domain.SignalMessage) {
	if msg.Payload.Negotiation() {
		s.mu.Lock()
		peers := s.peers
		s.mu.Unlock()
		if peers == nil {
			return
		}
		if err := peers.HandleSignal(context.Background(), msg); err != nil {
			// Scoped to one peer pair; the rest of the mesh is unaffected.
			log.Error().Err(err).Str("module", "session").Str("from", msg.From).Msg("negotiation signal failed")
		}
		return
	}

	switch msg.Payload.Kind {
	case domain.SignalReaction:
		push(s.events.notices, Notice{Kind: NoticeReaction, From: msg.From, Emoji: msg.Payload.Emoji})
	case domain.SignalWave:
		push(s.events.notices, Notice{Kind: NoticeWave, From: msg.From})
	case domain.SignalChat:
		push(s.events.notices, Notice{Kind: NoticeChat, From: msg.From, Text: msg.Payload.Text})
	}
}

func (s *Session) onMeetingSnapshot(m *domain.Meeting) {
	s.mu.Lock()
	if !s.admitted {
		s.mu.Unlock()
		return
	}
	peers := s.peers
	isHost := s.isHost
	selfID := s.selfID
	prev := s.prevWaiting
	cur := make(map[string]domain.WaitingEntry, len(m.WaitingRoom))
	for id, e := range m.WaitingRoom {
		cur[id] = e
	}
	s.prevWaiting = cur
	s.mu.Unlock()

	if m.Status == domain.MeetingEnded {
		push(s.events.notices, Notice{Kind: NoticeEnded, Text: "the host ended the meeting"})
		if !isHost {
			go func() {
				if err := s.Leave(context.Background()); err != nil && !errors.Is(err, ErrNotJoined) {
					log.Error().Err(err).Str("module", "session").Msg("leave after meeting end")
				}
			}()
		}
		return
	}

	push(s.events.roster, sortedRoster(m))

	ids := make([]string, 0, len(m.Participants))
	for id := range m.Participants {
		ids = append(ids, id)
	}
	if peers != nil {
		peers.SyncPeers(context.Background(), ids)
	}

	if isHost {
		push(s.events.waiting, sortedWaiting(m))
		arrived, _ := diffWaiting(prev, cur)
		for _, e := range arrived {
			if e.ID != selfID {
				push(s.events.notices, Notice{Kind: NoticeWaiting, From: e.ID, Text: e.DisplayName + " is waiting to join"})
			}
		}
	}
}

// Leave tears the session down: capture stopped, mesh closed, our record
// (or pending waiting entry) removed, every subscription cancelled.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	meetingID, selfID := s.meetingID, s.selfID
	admitted := s.admitted
	mediaMgr, peers := s.media, s.peers
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if mediaMgr != nil {
		mediaMgr.Stop()
	}
	if peers != nil {
		peers.CloseAll()
	}

	var update store.FieldUpdate
	if admitted {
		update = store.Remove(store.ParticipantPath(selfID))
	} else {
		// Cancelling a pending request withdraws the waiting entry.
		update = store.Remove(store.WaitingPath(selfID))
	}
	if err := s.store.ApplyUpdates(ctx, meetingID, update); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Str("module", "session").Str("meeting", meetingID).Msg("remove own record on leave")
	}

	s.reset()
	log.Info().Str("module", "session").Str("meeting", meetingID).Str("self", selfID).Msg("left meeting")
	return nil
}

// End sets the meeting status to ended. Host only.
func (s *Session) End(ctx context.Context) error {
	meetingID, err := s.hostMeeting()
	if err != nil {
		return err
	}
	if err := s.store.ApplyUpdates(ctx, meetingID, store.Set("status", domain.MeetingEnded)); err != nil {
		return fmt.Errorf("end meeting: %w", err)
	}
	return nil
}

// Admit lets a waiting participant in. Host only; store failures surface
// after retries so the host can act, never silently.
func (s *Session) Admit(ctx context.Context, participantID string) error {
	meetingID, err := s.hostMeeting()
	if err != nil {
		return err
	}
	return s.admitter.Admit(ctx, meetingID, participantID)
}

// Deny refuses a waiting participant. Host only.
func (s *Session) Deny(ctx context.Context, participantID string) error {
	meetingID, err := s.hostMeeting()
	if err != nil {
		return err
	}
	return s.admitter.Deny(ctx, meetingID, participantID)
}

// InviteGuest issues a 24h guest invite and returns the shareable link.
// Host only.
func (s *Session) InviteGuest(ctx context.Context, email string) (string, error) {
	meetingID, err := s.hostMeeting()
	if err != nil {
		return "", err
	}
	_, link, err := s.validator.Issue(ctx, meetingID, email)
	return link, err
}

func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	m := s.media
	s.mu.Unlock()
	if m == nil {
		return false
	}
	return m.ToggleAudio()
}

func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	m := s.media
	s.mu.Unlock()
	if m == nil {
		return false
	}
	return m.ToggleVideo()
}

func (s *Session) ShareScreen(ctx context.Context) error {
	s.mu.Lock()
	m := s.media
	s.mu.Unlock()
	if m == nil {
		return ErrNotJoined
	}
	return m.StartScreenShare(ctx)
}

func (s *Session) StopShareScreen() {
	s.mu.Lock()
	m := s.media
	s.mu.Unlock()
	if m != nil {
		m.StopScreenShare()
	}
}

// Broadcast sends a UX payload (reaction, wave, chat) to everyone.
func (s *Session) Broadcast(ctx context.Context, payload domain.SignalPayload) error {
	s.mu.Lock()
	channel := s.channel
	selfID := s.selfID
	s.mu.Unlock()
	if channel == nil {
		return ErrNotJoined
	}
	return channel.Send(ctx, selfID, domain.Broadcast, payload)
}

// Meeting reports the current meeting id and self id.
func (s *Session) Meeting() (meetingID, selfID string, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meetingID, s.selfID, s.joined
}

func (s *Session) hostMeeting() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return "", ErrNotJoined
	}
	if !s.isHost {
		return "", ErrNotHost
	}
	return s.meetingID, nil
}

func (s *Session) addCancel(c store.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, c)
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = false
	s.admitted = false
	s.meetingID = ""
	s.selfID = ""
	s.isHost = false
	s.isGuest = false
	s.guestToken = ""
	s.media = nil
	s.peers = nil
	s.channel = nil
	s.prevWaiting = nil
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}
