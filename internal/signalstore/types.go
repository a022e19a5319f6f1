package signalstore

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Side names which peer produced a candidate sequence.
type Side string

const (
	SideOfferer  Side = "offerer"
	SideAnswerer Side = "answerer"
)

func (s Side) Valid() bool {
	return s == SideOfferer || s == SideAnswerer
}

// Opposite returns the side whose candidates s consumes.
func (s Side) Opposite() Side {
	if s == SideOfferer {
		return SideAnswerer
	}
	return SideOfferer
}

// ParseSide validates a side name from the wire.
func ParseSide(raw string) (Side, error) {
	s := Side(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, raw)
	}
	return s, nil
}

// SessionDescription is the JSON-friendly form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// Validate checks that d is a usable description of the wanted type.
func (d SessionDescription) Validate(wantType string) error {
	if d.Type != wantType {
		return fmt.Errorf("%w: sdp type %q, want %q", ErrInvalidDescription, d.Type, wantType)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: missing sdp", ErrInvalidDescription)
	}
	return nil
}

// Candidate mirrors the browser's RTCIceCandidate.toJSON() shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Document is the session document. Offer is written once right after
// creation; Answer appears when a peer joins.
type Document struct {
	ID     string              `json:"id"`
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// CandidateRecord is one entry of a side's candidate sequence. Seq increases
// strictly within a sequence and is never reused.
type CandidateRecord struct {
	Seq       int64     `json:"seq"`
	Side      Side      `json:"side"`
	Candidate Candidate `json:"candidate"`
}

func cloneDescription(d *SessionDescription) *SessionDescription {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// Clone returns a copy of doc that shares no pointers with it.
func (doc Document) Clone() Document {
	return Document{
		ID:     doc.ID,
		Offer:  cloneDescription(doc.Offer),
		Answer: cloneDescription(doc.Answer),
	}
}
