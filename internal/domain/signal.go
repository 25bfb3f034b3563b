package domain

import (
	"errors"
	"time"
)

// Broadcast is the to-id sentinel for non-negotiation payloads.
const Broadcast = "*"

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalReaction  SignalKind = "reaction"
	SignalWave      SignalKind = "wave"
	SignalChat      SignalKind = "chat"
)

var ErrUnknownSignal = errors.New("unknown signal kind")

// Candidate is a discovered network path, transport-neutral so the store
// never depends on the media stack.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalPayload is the tagged union carried by a SignalMessage. Kind
// selects which of the remaining fields is meaningful.
type SignalPayload struct {
	Kind      SignalKind `json:"kind"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Emoji     string     `json:"emoji,omitempty"`
	Text      string     `json:"text,omitempty"`
}

func (p SignalPayload) Validate() error {
	switch p.Kind {
	case SignalOffer, SignalAnswer:
		if p.SDP == "" {
			return errors.New("empty session description")
		}
	case SignalCandidate:
		if p.Candidate == nil {
			return errors.New("missing candidate")
		}
	case SignalReaction, SignalWave, SignalChat:
	default:
		return ErrUnknownSignal
	}
	return nil
}

// Negotiation reports whether the payload drives a peer connection's state
// machine, as opposed to a UX broadcast.
func (p SignalPayload) Negotiation() bool {
	switch p.Kind {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// SignalMessage is appended to a meeting's signal log. Retained for audit,
// not pruned here.
type SignalMessage struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Payload SignalPayload `json:"payload"`
	SentAt  time.Time     `json:"sentAt"`
}
