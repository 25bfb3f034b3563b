package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/signaling"
)

// TrackEvent surfaces an incoming remote track to the presentation layer.
type TrackEvent struct {
	PeerID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Params wires a Manager. Factory defaults to PionTransport; ICEServers
// defaults to a public STUN server. A TURN-capable or reconnecting factory
// plugs in here without touching negotiation code.
type Params struct {
	SelfID     string
	Channel    *signaling.Channel
	ICEServers []string
	Factory    TransportFactory
	OnTrack    func(TrackEvent)
}

const defaultSTUN = "stun:stun.l.google.com:19302"

// Manager reconciles the live connection set against the authoritative
// participant set and runs the offer/answer/candidate state machines.
type Manager struct {
	selfID  string
	channel *signaling.Channel
	factory TransportFactory
	cfg     webrtc.Configuration
	onTrack func(TrackEvent)

	mu    sync.Mutex
	conns map[string]*Conn
	local []webrtc.TrackLocal
}

func NewManager(p Params) *Manager {
	factory := p.Factory
	if factory == nil {
		factory = PionTransport
	}
	servers := p.ICEServers
	if len(servers) == 0 {
		servers = []string{defaultSTUN}
	}
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, u := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return &Manager{
		selfID:  p.SelfID,
		channel: p.Channel,
		factory: factory,
		cfg:     webrtc.Configuration{ICEServers: iceServers},
		onTrack: p.OnTrack,
		conns:   make(map[string]*Conn),
	}
}

// SetLocalTracks fixes the tracks attached to every connection dialed from
// now on. Called once after capture, before the first reconciliation.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = tracks
}

// SyncPeers reconciles against the authoritative participant id set:
// connections for departed ids are closed, new ids are dialed, self is
// skipped. Per the glare rule only the side with the larger id offers.
func (m *Manager) SyncPeers(ctx context.Context, participantIDs []string) {
	want := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if id != m.selfID {
			want[id] = struct{}{}
		}
	}

	m.mu.Lock()
	var drop []*Conn
	for id, c := range m.conns {
		if _, ok := want[id]; !ok {
			drop = append(drop, c)
			delete(m.conns, id)
		}
	}
	var dial []string
	for id := range want {
		if _, ok := m.conns[id]; !ok {
			dial = append(dial, id)
		}
	}
	m.mu.Unlock()

	for _, c := range drop {
		log.Info().Str("module", "peer").Str("remote", c.remoteID).Msg("peer departed, closing")
		c.close()
	}
	for _, id := range dial {
		if _, err := m.ensure(ctx, id, true); err != nil {
			log.Error().Err(err).Str("module", "peer").Str("remote", id).Msg("dial peer")
		}
	}
}

// HandleSignal drives one connection's negotiation state. The connection is
// created on demand when the remote's offer or candidate beats our own
// reconciliation pass. Failures are scoped to the one peer pair.
func (m *Manager) HandleSignal(ctx context.Context, msg *domain.SignalMessage) error {
	switch msg.Payload.Kind {
	case domain.SignalOffer:
		c, err := m.ensure(ctx, msg.From, false)
		if err != nil {
			return err
		}
		if err := c.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Payload.SDP}); err != nil {
			return fmt.Errorf("apply offer from %s: %w", msg.From, err)
		}
		answer, err := c.tr.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer for %s: %w", msg.From, err)
		}
		if err := c.tr.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer for %s: %w", msg.From, err)
		}
		return m.channel.Send(ctx, m.selfID, msg.From, domain.SignalPayload{Kind: domain.SignalAnswer, SDP: answer.SDP})

	case domain.SignalAnswer:
		m.mu.Lock()
		c, ok := m.conns[msg.From]
		m.mu.Unlock()
		if !ok {
			log.Warn().Str("module", "peer").Str("remote", msg.From).Msg("answer for unknown connection, dropping")
			return nil
		}
		if err := c.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Payload.SDP}); err != nil {
			return fmt.Errorf("apply answer from %s: %w", msg.From, err)
		}
		return nil

	case domain.SignalCandidate:
		c, err := m.ensure(ctx, msg.From, false)
		if err != nil {
			return err
		}
		if err := c.addCandidate(toICECandidate(msg.Payload.Candidate)); err != nil {
			return fmt.Errorf("add candidate from %s: %w", msg.From, err)
		}
		return nil
	}

	// UX broadcasts are routed by the session layer, never here.
	return nil
}

// ReplaceVideoTrack swaps the outgoing video on every connection without
// renegotiation. Connections that never had a video sender are skipped.
func (m *Manager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		c.mu.Lock()
		sender := c.videoSender
		c.mu.Unlock()
		if sender == nil {
			log.Warn().Str("module", "peer").Str("remote", c.remoteID).Msg("no video sender, skipping track replacement")
			continue
		}
		if err := sender.ReplaceTrack(t); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("replace video track for %s: %w", c.remoteID, err)
		}
	}
	return firstErr
}

// Peers lists the remote ids with live connections.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// CloseAll tears the mesh down, releasing every track resource.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// ensure returns the connection for remoteID, creating it if needed.
// initiate controls whether an offer may be sent; an on-demand create for
// an incoming signal never offers.
func (m *Manager) ensure(ctx context.Context, remoteID string, initiate bool) (*Conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[remoteID]; ok {
		m.mu.Unlock()
		return c, nil
	}

	tr, err := m.factory(m.cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("create transport for %s: %w", remoteID, err)
	}
	c := newConn(remoteID, tr)
	local := m.local
	m.conns[remoteID] = c
	m.mu.Unlock()

	if err := c.attachTracks(local); err != nil {
		m.remove(remoteID)
		c.close()
		return nil, fmt.Errorf("attach tracks for %s: %w", remoteID, err)
	}

	tr.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload := domain.SignalPayload{Kind: domain.SignalCandidate, Candidate: fromICECandidate(cand.ToJSON())}
		if err := m.channel.Send(ctx, m.selfID, remoteID, payload); err != nil {
			log.Error().Err(err).Str("module", "peer").Str("remote", remoteID).Msg("send candidate")
		}
	})

	tr.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "peer").Str("remote", remoteID).Str("kind", track.Kind().String()).Msg("remote track")
		if m.onTrack != nil {
			m.onTrack(TrackEvent{PeerID: remoteID, Track: track, Receiver: receiver})
		}
	})

	tr.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "peer").Str("remote", remoteID).Str("state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if removed := m.remove(remoteID); removed != nil {
				removed.close()
			}
		}
	})

	if initiate && signaling.Initiator(m.selfID, remoteID) == m.selfID {
		offer, err := tr.CreateOffer(nil)
		if err != nil {
			return c, fmt.Errorf("create offer for %s: %w", remoteID, err)
		}
		if err := tr.SetLocalDescription(offer); err != nil {
			return c, fmt.Errorf("set local offer for %s: %w", remoteID, err)
		}
		if err := m.channel.Send(ctx, m.selfID, remoteID, domain.SignalPayload{Kind: domain.SignalOffer, SDP: offer.SDP}); err != nil {
			return c, err
		}
		log.Info().Str("module", "peer").Str("remote", remoteID).Msg("offer sent")
	}
	return c, nil
}

// remove detaches the connection from the set without closing it.
func (m *Manager) remove(remoteID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[remoteID]
	delete(m.conns, remoteID)
	return c
}
