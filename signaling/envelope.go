// Package signaling carries the offer/answer/candidate exchange between a peer and the server
// over a message oriented control channel.
package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
)

// Envelope types.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Envelope is one signaling message. Which fields are set depends on Type.
type Envelope struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Candidate is an ICE candidate as relayed over signaling. The candidate line is opaque to the
// server apart from syntax validation.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// ICECandidate extracts the candidate fields of a candidate envelope.
func (e Envelope) ICECandidate() Candidate {
	return Candidate{Candidate: e.Candidate, SDPMid: e.SDPMid, SDPMLineIndex: e.SDPMLineIndex}
}

// NewAnswer builds an answer envelope.
func NewAnswer(sdp string) Envelope {
	return Envelope{Type: TypeAnswer, SDP: sdp}
}

// NewOffer builds an offer envelope.
func NewOffer(sdp string) Envelope {
	return Envelope{Type: TypeOffer, SDP: sdp}
}

// NewCandidate builds a candidate envelope.
func NewCandidate(c Candidate) Envelope {
	return Envelope{
		Type:          TypeCandidate,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// FormatError is returned for a malformed signaling message. The message is dropped and the
// session carries on.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "malformed signaling message: " + e.Reason
}

func newFormatError(format string, args ...interface{}) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes and validates a message received from the peer. Only offers and candidates are
// accepted; anything else is a FormatError.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, newFormatError("invalid json: %v", err)
	}

	switch env.Type {
	case TypeOffer:
		if strings.TrimSpace(env.SDP) == "" {
			return Envelope{}, newFormatError("offer without sdp")
		}
	case TypeCandidate:
		if err := validateCandidate(env); err != nil {
			return Envelope{}, err
		}
	case "":
		return Envelope{}, newFormatError("missing type")
	default:
		return Envelope{}, newFormatError("unsupported type %q", env.Type)
	}
	return env, nil
}

func validateCandidate(env Envelope) error {
	line := strings.TrimSpace(env.Candidate)
	if line == "" {
		return newFormatError("candidate without candidate line")
	}
	if env.SDPMid == nil && env.SDPMLineIndex == nil {
		return newFormatError("candidate needs sdpMid or sdpMLineIndex")
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(line, "candidate:")); err != nil {
		return newFormatError("invalid candidate %q: %v", line, err)
	}
	return nil
}
