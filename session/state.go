package session

import "encoding/json"

// State is a session's negotiation state. Whether a video track is being processed is tracked
// separately; see Session.TrackActive.
type State int32

// Session states. Closed is terminal and reachable from every other state.
const (
	StateNew State = iota
	StateOfferPending
	StateNegotiated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateOfferPending:
		return "OfferPending"
	case StateNegotiated:
		return "Negotiated"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
