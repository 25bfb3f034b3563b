// Package peer owns the mesh of peer connections: one per remote
// participant, negotiated over the signaling channel.
package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
)

// Transport is the slice of *webrtc.PeerConnection the mesh needs.
// *webrtc.PeerConnection satisfies it directly; tests inject fakes.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// TransportFactory builds one transport per remote participant.
type TransportFactory func(cfg webrtc.Configuration) (Transport, error)

// PionTransport is the production factory.
func PionTransport(cfg webrtc.Configuration) (Transport, error) {
	return webrtc.NewPeerConnection(cfg)
}

// Conn is the runtime negotiation state for one remote participant. Never
// persisted.
type Conn struct {
	remoteID string
	tr       Transport

	mu          sync.Mutex
	pending     []webrtc.ICECandidateInit
	senders     []*webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func newConn(remoteID string, tr Transport) *Conn {
	return &Conn{remoteID: remoteID, tr: tr}
}

func (c *Conn) attachTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		sender, err := c.tr.AddTrack(t)
		if err != nil {
			return err
		}
		c.senders = append(c.senders, sender)
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			c.videoSender = sender
		}
	}
	return nil
}

// applyRemote sets the remote description and flushes every candidate that
// arrived before it, in arrival order. The transport does not guarantee
// ordering between description and candidate delivery, so early candidates
// are queued rather than dropped.
func (c *Conn) applyRemote(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.tr.SetRemoteDescription(desc); err != nil {
		return err
	}
	for _, cand := range c.pending {
		if err := c.tr.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("remote", c.remoteID).Msg("flush queued candidate")
		}
	}
	c.pending = nil
	return nil
}

func (c *Conn) addCandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr.RemoteDescription() == nil {
		c.pending = append(c.pending, ci)
		return nil
	}
	return c.tr.AddICECandidate(ci)
}

// close stops senders before closing so capture and decoder resources are
// released, not leaked.
func (c *Conn) close() {
	c.mu.Lock()
	senders := c.senders
	c.senders = nil
	c.videoSender = nil
	c.pending = nil
	c.mu.Unlock()

	for _, s := range senders {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("remote", c.remoteID).Msg("stop sender")
		}
	}
	if err := c.tr.Close(); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", c.remoteID).Msg("close transport")
	}
}

func toICECandidate(d *domain.Candidate) webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: d.Candidate}
	if d.SDPMid != "" {
		mid := d.SDPMid
		ci.SDPMid = &mid
	}
	idx := d.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	return ci
}

func fromICECandidate(ci webrtc.ICECandidateInit) *domain.Candidate {
	d := &domain.Candidate{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		d.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		d.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return d
}
