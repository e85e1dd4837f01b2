package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the three signal shapes exchanged during negotiation.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

var ErrUnknownKind = errors.New("signaling: unknown signal kind")

// Signal is one of Offer, Answer or Candidate.
type Signal interface {
	Kind() Kind
}

type Offer struct {
	SDP string
}

type Answer struct {
	SDP string
}

// Candidate mirrors the browser's RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (Offer) Kind() Kind     { return KindOffer }
func (Answer) Kind() Kind    { return KindAnswer }
func (Candidate) Kind() Kind { return KindCandidate }

type wireSignal struct {
	Type      Kind       `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Encode renders a signal in the browser-compatible shape
// ({type, sdp} or {type, candidate}).
func Encode(s Signal) (json.RawMessage, error) {
	var w wireSignal
	switch v := s.(type) {
	case Offer:
		w = wireSignal{Type: KindOffer, SDP: v.SDP}
	case Answer:
		w = wireSignal{Type: KindAnswer, SDP: v.SDP}
	case Candidate:
		c := v
		w = wireSignal{Type: KindCandidate, Candidate: &c}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, s)
	}
	return json.Marshal(w)
}

// Decode parses a wire signal. It is the only place payloads are probed.
func Decode(raw json.RawMessage) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	switch w.Type {
	case KindOffer:
		if w.SDP == "" {
			return nil, errors.New("decode signal: offer without sdp")
		}
		return Offer{SDP: w.SDP}, nil
	case KindAnswer:
		if w.SDP == "" {
			return nil, errors.New("decode signal: answer without sdp")
		}
		return Answer{SDP: w.SDP}, nil
	case KindCandidate:
		if w.Candidate == nil {
			return nil, errors.New("decode signal: candidate without body")
		}
		return *w.Candidate, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
}

// Envelope is a signal addressed to one call. Attempt numbers the
// negotiation within the call; the initiator bumps it on every redial.
type Envelope struct {
	SenderID    string
	RoomID      string
	CallID      string
	Attempt     int
	IsInitiator bool
	Signal      Signal
}

type wireEnvelope struct {
	Signal      json.RawMessage `json:"signal"`
	CallID      string          `json:"callId"`
	Attempt     int             `json:"attempt,omitempty"`
	IsInitiator bool            `json:"isInitiator"`
	SenderID    string          `json:"senderId"`
	RoomID      string          `json:"roomId"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	sig, err := Encode(e.Signal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Signal:      sig,
		CallID:      e.CallID,
		Attempt:     e.Attempt,
		IsInitiator: e.IsInitiator,
		SenderID:    e.SenderID,
		RoomID:      e.RoomID,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sig, err := Decode(w.Signal)
	if err != nil {
		return err
	}
	*e = Envelope{
		SenderID:    w.SenderID,
		RoomID:      w.RoomID,
		CallID:      w.CallID,
		Attempt:     w.Attempt,
		IsInitiator: w.IsInitiator,
		Signal:      sig,
	}
	return nil
}
