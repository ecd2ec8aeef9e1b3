// Package engine owns the peer connection: it negotiates SDP, gathers and accepts ICE candidates,
// decodes the inbound video track into frames, and surfaces the peer's side channel.
package engine

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/questvision/visionstream/signaling"
)

// SideChannelLabel is the label of the data channel detections are published on.
const SideChannelLabel = "detections"

// ErrTrackEnded is returned by Track.ReadFrame once the remote stopped sending.
var ErrTrackEnded = errors.New("track ended")

// Engine creates peer connections.
type Engine interface {
	NewConnection(ctx context.Context) (Connection, error)
}

// Connection is one negotiated (or negotiating) peer connection. Callbacks must be registered
// before SetRemoteDescription is called.
type Connection interface {
	SetRemoteDescription(sdp string) error
	// CreateAnswer creates an answer, applies it as the local description and returns its SDP.
	CreateAnswer() (string, error)
	AddICECandidate(c signaling.Candidate) error

	// OnICECandidate is called for every gathered local candidate, then once with nil when
	// gathering completes.
	OnICECandidate(f func(*signaling.Candidate))
	OnTrack(f func(Track))
	OnSideChannel(f func(SideChannel))
	OnConnectionStateChange(f func(State))

	Close() error
}

// SideChannel is the reliable message channel opened by the peer.
type SideChannel interface {
	Label() string
	OnOpen(f func())
	OnClose(f func())
	SendText(s string) error
}

// Track yields decoded video frames.
type Track interface {
	// ReadFrame blocks for the next frame. Any error means the track is over; ErrTrackEnded
	// marks a clean end.
	ReadFrame(ctx context.Context) (image.Image, error)
}

// State is the connection state as reported by the engine.
type State int

// Connection states.
const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further media can flow in this state.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
