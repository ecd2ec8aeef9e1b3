// Package session drives one peer from connect to teardown: the offer/answer/candidate exchange,
// the video loop for its track, and the detections side channel.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/signaling"
	"github.com/questvision/visionstream/videoproc"
	"github.com/questvision/visionstream/vision"
	"github.com/questvision/visionstream/vision/analyzer"
)

// DefaultTeardownGrace bounds how long teardown waits for the video loop to stop.
const DefaultTeardownGrace = 2 * time.Second

// Settings are fixed for a session when it is created.
type Settings struct {
	Correction    videoproc.Correction
	LogInterval   int
	TeardownGrace time.Duration
}

// Params are the collaborators of a session. Transport, Connection and Analyzer are owned by the
// session from then on, except the transport, which the caller closes.
type Params struct {
	// ID is generated when zero.
	ID         uuid.UUID
	Transport  signaling.Transport
	Connection engine.Connection
	Analyzer   analyzer.Analyzer
	Settings   Settings
	// Observer, when set, sees every analyzed frame.
	Observer videoproc.FrameObserver
	// OnClosed runs once at the end of teardown.
	OnClosed func(*Session)
}

// A Session is one connected peer.
type Session struct {
	id         uuid.UUID
	remoteAddr string
	createdAt  time.Time
	settings   Settings
	logger     logging.Logger

	transport signaling.Transport
	conn      engine.Connection
	analyzer  analyzer.Analyzer
	observer  videoproc.FrameObserver
	onClosed  func(*Session)

	// ctx is cancelled by teardown or when the parent context ends.
	ctx    context.Context
	cancel context.CancelFunc

	state         atomic.Int32
	offerReceived atomic.Bool
	trackClaimed  atomic.Bool
	trackActive   atomic.Bool
	sideReady     atomic.Bool

	mu          sync.Mutex
	closed      bool
	sideChannel engine.SideChannel
	loop        *videoproc.Loop
	videoCancel context.CancelFunc
	videoDone   chan struct{}
	videoErr    error
	answered    bool
	pending     []signaling.Candidate

	wake         chan struct{}
	workers      *utils.StoppableWorkers
	teardownOnce sync.Once
	done         chan struct{}
}

// New creates a session and registers its callbacks on the connection. The session runs until
// Teardown, which the owner must call on every exit path.
func New(ctx context.Context, params Params, logger logging.Logger) *Session {
	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if params.Settings.TeardownGrace <= 0 {
		params.Settings.TeardownGrace = DefaultTeardownGrace
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         id,
		remoteAddr: params.Transport.RemoteAddr(),
		createdAt:  time.Now(),
		settings:   params.Settings,
		logger:     logger,
		transport:  params.Transport,
		conn:       params.Connection,
		analyzer:   params.Analyzer,
		observer:   params.Observer,
		onClosed:   params.OnClosed,
		ctx:        sessCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(StateNew))

	s.conn.OnICECandidate(s.queueCandidate)
	s.conn.OnTrack(s.OnTrackReady)
	s.conn.OnSideChannel(func(ch engine.SideChannel) {
		ch.OnOpen(func() { s.OnSideChannelOpen(ch) })
		ch.OnClose(func() { s.onSideChannelClosed(ch) })
	})
	s.conn.OnConnectionStateChange(func(state engine.State) {
		if !state.Terminal() {
			return
		}
		s.logger.Infow("connection ended, tearing down", "state", state.String())
		utils.PanicCapturingGo(func() {
			if err := s.Teardown(context.Background()); err != nil {
				s.logger.Warnw("teardown after connection end", "error", err)
			}
		})
	})

	s.workers = utils.NewBackgroundStoppableWorkers(s.writeCandidates)
	return s
}

// ID returns the session's id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the negotiation state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// TrackActive reports whether the video loop is running.
func (s *Session) TrackActive() bool {
	return s.trackActive.Load()
}

// Done is closed when teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// VideoDone is closed when the video loop exits. It is nil until a track has been accepted.
func (s *Session) VideoDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoDone
}

// VideoCompleted reports whether the video loop ran until its track ended, as opposed to being
// cancelled or never started.
func (s *Session) VideoCompleted() bool {
	s.mu.Lock()
	done, err := s.videoDone, s.videoErr
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return err == nil
	default:
		return false
	}
}

// advance moves from one state to the next unless the session closed in between.
func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// HandleMessage processes one message from the control channel. A malformed message is logged
// and dropped. The only errors returned end the session: a *NegotiationError, or a failure to
// send the answer.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) error {
	env, err := signaling.Parse(raw)
	if err != nil {
		var formatErr *signaling.FormatError
		if errors.As(err, &formatErr) {
			s.logger.Warnw("dropping signaling message", "error", err)
			return nil
		}
		return err
	}
	s.logger.CDebugw(ctx, "signaling message", "type", env.Type)

	switch env.Type {
	case signaling.TypeOffer:
		return s.handleOffer(ctx, env.SDP)
	case signaling.TypeCandidate:
		if err := s.conn.AddICECandidate(env.ICECandidate()); err != nil {
			s.logger.Warnw("engine rejected remote candidate", "candidate", env.Candidate, "error", err)
		}
	}
	return nil
}

func (s *Session) handleOffer(ctx context.Context, sdp string) error {
	if !s.offerReceived.CompareAndSwap(false, true) {
		s.logger.Debug("ignoring repeated offer")
		return nil
	}
	if !s.advance(StateNew, StateOfferPending) {
		return nil
	}

	if err := s.conn.SetRemoteDescription(sdp); err != nil {
		return &NegotiationError{Stage: "set remote description", Err: err}
	}
	answer, err := s.conn.CreateAnswer()
	if err != nil {
		return &NegotiationError{Stage: "create answer", Err: err}
	}
	if !s.advance(StateOfferPending, StateNegotiated) {
		return nil
	}

	if err := s.transport.Send(ctx, signaling.NewAnswer(answer)); err != nil {
		return err
	}
	s.logger.Info("answer sent")

	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	s.signalWriter()
	return nil
}

// queueCandidate hands a locally gathered candidate to the writer. Candidates gathered before the
// answer went out are held until it has.
func (s *Session) queueCandidate(candidate *signaling.Candidate) {
	if candidate == nil {
		s.logger.Debug("local candidate gathering complete")
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, *candidate)
	s.mu.Unlock()
	s.signalWriter()
}

func (s *Session) signalWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeCandidates is the only sender of candidate envelopes, so they go out in gathering order
// without ever blocking the engine's callback.
func (s *Session) writeCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		if !s.answered {
			s.mu.Unlock()
			continue
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, candidate := range batch {
			if err := s.transport.Send(ctx, signaling.NewCandidate(candidate)); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warnw("failed to send local candidate", "error", err)
			}
		}
	}
}

// OnTrackReady starts the video loop for track. Only the first track is processed.
func (s *Session) OnTrackReady(track engine.Track) {
	if !s.trackClaimed.CompareAndSwap(false, true) {
		s.logger.Warn("ignoring additional video track")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	loop := videoproc.NewLoop(videoproc.Config{
		Track:       track,
		Analyzer:    s.analyzer,
		Sender:      s,
		Correction:  s.settings.Correction,
		LogInterval: s.settings.LogInterval,
		Observer:    s.observer,
	}, s.logger.Sublogger("video"))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.loop, s.videoCancel, s.videoDone = loop, cancel, done
	s.trackActive.Store(true)
	s.logger.Info("video track ready, starting loop")

	utils.PanicCapturingGo(func() {
		defer close(done)
		defer s.trackActive.Store(false)
		err := loop.Run(ctx)
		s.mu.Lock()
		s.videoErr = err
		s.mu.Unlock()
		if err == nil {
			s.logger.Info("video loop completed")
		}
	})
}

// OnSideChannelOpen records the channel and tells the peer it is live. Batches flow only after
// the ready message has been sent.
func (s *Session) OnSideChannelOpen(ch engine.SideChannel) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sideChannel = ch
	s.mu.Unlock()

	if err := ch.SendText(vision.EncodeReady()); err != nil {
		s.logger.Warnw("failed to send ready", "channel", ch.Label(), "error", err)
		return
	}

	// Teardown or a close may have run while ready was in flight.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sideChannel != ch {
		return
	}
	s.sideReady.Store(true)
	s.logger.Infow("side channel open", "channel", ch.Label())
}

func (s *Session) onSideChannelClosed(ch engine.SideChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sideChannel != ch {
		return
	}
	s.sideChannel = nil
	s.sideReady.Store(false)
	s.logger.Infow("side channel closed", "channel", ch.Label())
}

// Ready reports whether detections can be sent.
func (s *Session) Ready() bool {
	return s.sideReady.Load()
}

// SendBatch publishes one batch on the side channel.
func (s *Session) SendBatch(batch vision.DetectionBatch) error {
	s.mu.Lock()
	ch := s.sideChannel
	s.mu.Unlock()
	if ch == nil {
		return &signaling.TransportError{Op: "send detections", Err: errors.New("no side channel")}
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "encode detections")
	}
	if err := ch.SendText(string(payload)); err != nil {
		return &signaling.TransportError{Op: "send detections", Err: err}
	}
	return nil
}

// Teardown stops the session and releases everything it owns. It cancels the video loop, closes
// the connection without waiting on the loop, then gives the loop TeardownGrace to stop before
// the analyzer is closed. Only the first call does anything; later calls return nil.
func (s *Session) Teardown(ctx context.Context) error {
	var err error
	s.teardownOnce.Do(func() {
		err = s.teardown(ctx)
	})
	return err
}

func (s *Session) teardown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	videoCancel, videoDone := s.videoCancel, s.videoDone
	s.sideChannel = nil
	s.mu.Unlock()

	s.state.Store(int32(StateClosed))
	s.sideReady.Store(false)
	if videoCancel != nil {
		videoCancel()
	}
	s.cancel()

	connClosed := make(chan error, 1)
	utils.PanicCapturingGo(func() {
		connClosed <- s.conn.Close()
	})

	var errs error
	grace := s.settings.TeardownGrace
	if videoDone != nil {
		timer := time.NewTimer(grace)
		select {
		case <-videoDone:
		case <-timer.C:
			errs = multierr.Append(errs, errors.Errorf("video loop still running after %v", grace))
		case <-ctx.Done():
			errs = multierr.Append(errs, ctx.Err())
		}
		timer.Stop()
	}
	s.workers.Stop()

	timer := time.NewTimer(grace)
	select {
	case err := <-connClosed:
		errs = multierr.Append(errs, errors.Wrap(err, "close connection"))
	case <-timer.C:
		s.logger.Warnw("connection still closing, continuing teardown", "grace", grace)
	}
	timer.Stop()

	if s.analyzer != nil {
		errs = multierr.Append(errs, errors.Wrap(s.analyzer.Close(ctx), "close analyzer"))
	}
	if s.onClosed != nil {
		s.onClosed(s)
	}
	close(s.done)
	s.logger.Infow("session closed", "remote", s.remoteAddr)
	return errs
}

// Stats is a point in time view of a session.
type Stats struct {
	ID               string          `json:"id"`
	RemoteAddr       string          `json:"remote_addr"`
	State            State           `json:"state"`
	TrackActive      bool            `json:"track_active"`
	SideChannelReady bool            `json:"side_channel_ready"`
	CreatedAt        time.Time       `json:"created_at"`
	Video            videoproc.Stats `json:"video"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	stats := Stats{
		ID:               s.id.String(),
		RemoteAddr:       s.remoteAddr,
		State:            s.State(),
		TrackActive:      s.TrackActive(),
		SideChannelReady: s.Ready(),
		CreatedAt:        s.createdAt,
	}
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		stats.Video = loop.Stats()
	}
	return stats
}
