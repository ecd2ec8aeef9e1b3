package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sctp"
	"github.com/pion/stun"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/signaling"
)

// vp8PayloadType is the dynamic payload type offered for VP8. Browsers and the headset runtime
// both use 96 by default; the answer echoes whatever the offer used.
const vp8PayloadType = 96

// Config configures a PionEngine.
type Config struct {
	// STUNServerURL is the only ICE server. Empty means host candidates only.
	STUNServerURL string
	// PLIInterval is the minimum spacing between key frame requests.
	PLIInterval time.Duration
	// LogLevel is applied to pion's internal loggers.
	LogLevel logging.Level
}

// ICEServers converts the configured STUN url into pion ICE servers.
func (cfg Config) ICEServers() ([]webrtc.ICEServer, error) {
	if cfg.STUNServerURL == "" {
		return nil, nil
	}
	uri, err := stun.ParseURI(cfg.STUNServerURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid stun server url %q", cfg.STUNServerURL)
	}
	if uri.Scheme != stun.SchemeTypeSTUN && uri.Scheme != stun.SchemeTypeSTUNS {
		return nil, errors.Errorf("ice server %q is not a stun server", cfg.STUNServerURL)
	}
	return []webrtc.ICEServer{{URLs: []string{cfg.STUNServerURL}}}, nil
}

// PionEngine is the Engine backed by pion/webrtc. It accepts a single VP8 video track and any
// number of data channels per connection.
type PionEngine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	cfg        Config
	logger     logging.Logger
}

// NewPionEngine builds the shared pion API: a VP8 only media engine, the default interceptors
// (NACK, RTCP reports, TWCC) and a logger factory feeding our logger.
func NewPionEngine(cfg Config, logger logging.Logger) (*PionEngine, error) {
	iceServers, err := cfg.ICEServers()
	if err != nil {
		return nil, err
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	videoFeedback := []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    vp8ClockRate,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: vp8PayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "register vp8")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(logger, cfg.LogLevel),
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PionEngine{api: api, iceServers: iceServers, cfg: cfg, logger: logger}, nil
}

// NewConnection creates a peer connection. The context only bounds creation.
func (e *PionEngine) NewConnection(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	return newPionConnection(pc, e.cfg, e.logger), nil
}

type pionConnection struct {
	pc     *webrtc.PeerConnection
	cfg    Config
	logger logging.Logger

	mu                sync.Mutex
	onICECandidate    func(*signaling.Candidate)
	onTrack           func(Track)
	onSideChannel     func(SideChannel)
	onStateChange     func(State)
	videoTrackClaimed bool

	// Remote candidates that arrive before the offer are held until it is applied.
	remoteSet   bool
	earlyRemote []webrtc.ICECandidateInit
}

func newPionConnection(pc *webrtc.PeerConnection, cfg Config, logger logging.Logger) *pionConnection {
	c := &pionConnection{pc: pc, cfg: cfg, logger: logger}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		c.mu.Lock()
		f := c.onICECandidate
		c.mu.Unlock()
		if f == nil {
			return
		}
		if candidate == nil {
			f(nil)
			return
		}
		init := candidate.ToJSON()
		f(&signaling.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Infow("ice connection state changed", "state", state.String())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Infow("connection state changed", "state", state.String())
		c.mu.Lock()
		f := c.onStateChange
		c.mu.Unlock()
		if f != nil {
			f(stateFromPion(state))
		}
	})

	pc.OnTrack(c.handleTrack)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnError(func(err error) {
			if isBenignSCTPError(err) {
				return
			}
			logger.Errorw("data channel error", "label", dc.Label(), "error", err)
		})
		if dc.Label() != SideChannelLabel {
			logger.Debugw("ignoring data channel", "label", dc.Label())
			return
		}
		c.mu.Lock()
		f := c.onSideChannel
		c.mu.Unlock()
		if f != nil {
			f(pionSideChannel{dc})
		}
	})
	return c
}

func (c *pionConnection) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	logger := c.logger.Sublogger("track")
	codec := remote.Codec()
	logger.Infow("track received", "kind", remote.Kind().String(), "codec", codec.MimeType, "ssrc", remote.SSRC())

	c.mu.Lock()
	f := c.onTrack
	deliver := remote.Kind() == webrtc.RTPCodecTypeVideo &&
		strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8) &&
		!c.videoTrackClaimed && f != nil
	if deliver {
		c.videoTrackClaimed = true
	}
	c.mu.Unlock()

	if !deliver {
		// RTCP reports and NACKs are only produced for tracks that are read.
		drain(remote)
		return
	}
	f(newVP8Track(remote, c.pc, c.cfg.PLIInterval, logger))
}

func drain(remote *webrtc.TrackRemote) {
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			return
		}
	}
}

func (c *pionConnection) SetRemoteDescription(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteSet = true
	early := c.earlyRemote
	c.earlyRemote = nil
	c.mu.Unlock()

	for _, candidate := range early {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Warnw("dropping early remote candidate", "candidate", candidate.Candidate, "error", err)
		}
	}
	return nil
}

func (c *pionConnection) CreateAnswer() (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return answer.SDP, nil
	}
	return local.SDP, nil
}

// AddICECandidate applies a remote candidate, or holds it if the offer has not been applied yet.
func (c *pionConnection) AddICECandidate(candidate signaling.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.earlyRemote = append(c.earlyRemote, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(init)
}

func (c *pionConnection) OnICECandidate(f func(*signaling.Candidate)) {
	c.mu.Lock()
	c.onICECandidate = f
	c.mu.Unlock()
}

func (c *pionConnection) OnTrack(f func(Track)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *pionConnection) OnSideChannel(f func(SideChannel)) {
	c.mu.Lock()
	c.onSideChannel = f
	c.mu.Unlock()
}

func (c *pionConnection) OnConnectionStateChange(f func(State)) {
	c.mu.Lock()
	c.onStateChange = f
	c.mu.Unlock()
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

func stateFromPion(state webrtc.PeerConnectionState) State {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

type pionSideChannel struct {
	dc *webrtc.DataChannel
}

func (s pionSideChannel) Label() string {
	return s.dc.Label()
}

func (s pionSideChannel) OnOpen(f func()) {
	s.dc.OnOpen(f)
}

func (s pionSideChannel) OnClose(f func()) {
	s.dc.OnClose(f)
}

func (s pionSideChannel) SendText(text string) error {
	return s.dc.SendText(text)
}

// isBenignSCTPError matches the errors pion reports when either side tears the association down.
func isBenignSCTPError(err error) bool {
	if errors.Is(err, sctp.ErrResetPacketInStateNotExist) {
		return true
	}
	return errors.Is(err, sctp.ErrChunk) && strings.Contains(err.Error(), "User Initiated Abort: Close called")
}
