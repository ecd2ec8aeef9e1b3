package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/signaling"
	"github.com/questvision/visionstream/vision"
	"github.com/questvision/visionstream/vision/analyzer"
)

type fakeTransport struct {
	incoming chan []byte

	mu   sync.Mutex
	sent []signaling.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16)}
}

func (ft *fakeTransport) push(msg string) {
	ft.incoming <- []byte(msg)
}

func (ft *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-ft.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (ft *fakeTransport) Send(ctx context.Context, env signaling.Envelope) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.sent = append(ft.sent, env)
	return nil
}

func (ft *fakeTransport) Close() error {
	return nil
}

func (ft *fakeTransport) RemoteAddr() string {
	return "10.0.0.5:41000"
}

func (ft *fakeTransport) sentTypes() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	types := make([]string, 0, len(ft.sent))
	for _, env := range ft.sent {
		types = append(types, env.Type)
	}
	return types
}

func (ft *fakeTransport) sentOfType(typ string) []signaling.Envelope {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range ft.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeConnection records calls and exposes the callbacks the session registered.
type fakeConnection struct {
	SetRemoteDescriptionFunc func(sdp string) error
	CreateAnswerFunc         func() (string, error)

	mu               sync.Mutex
	remoteSDPs       []string
	remoteCandidates []signaling.Candidate
	onICECandidate   func(*signaling.Candidate)
	onTrack          func(engine.Track)
	onSideChannel    func(engine.SideChannel)
	onStateChange    func(engine.State)
	closeCount       atomic.Int32
}

func (fc *fakeConnection) SetRemoteDescription(sdp string) error {
	fc.mu.Lock()
	fc.remoteSDPs = append(fc.remoteSDPs, sdp)
	fc.mu.Unlock()
	if fc.SetRemoteDescriptionFunc != nil {
		return fc.SetRemoteDescriptionFunc(sdp)
	}
	return nil
}

func (fc *fakeConnection) CreateAnswer() (string, error) {
	if fc.CreateAnswerFunc != nil {
		return fc.CreateAnswerFunc()
	}
	return "answer-sdp", nil
}

func (fc *fakeConnection) AddICECandidate(c signaling.Candidate) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.remoteCandidates = append(fc.remoteCandidates, c)
	return nil
}

func (fc *fakeConnection) OnICECandidate(f func(*signaling.Candidate)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onICECandidate = f
}

func (fc *fakeConnection) OnTrack(f func(engine.Track)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onTrack = f
}

func (fc *fakeConnection) OnSideChannel(f func(engine.SideChannel)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onSideChannel = f
}

func (fc *fakeConnection) OnConnectionStateChange(f func(engine.State)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onStateChange = f
}

func (fc *fakeConnection) Close() error {
	fc.closeCount.Inc()
	return nil
}

func (fc *fakeConnection) gather(line string) {
	fc.mu.Lock()
	f := fc.onICECandidate
	fc.mu.Unlock()
	mid := "0"
	f(&signaling.Candidate{Candidate: line, SDPMid: &mid})
}

func (fc *fakeConnection) deliverTrack(track engine.Track) {
	fc.mu.Lock()
	f := fc.onTrack
	fc.mu.Unlock()
	f(track)
}

func (fc *fakeConnection) openSideChannel(ch *fakeSideChannel) {
	fc.mu.Lock()
	f := fc.onSideChannel
	fc.mu.Unlock()
	f(ch)
	ch.open()
}

func (fc *fakeConnection) changeState(state engine.State) {
	fc.mu.Lock()
	f := fc.onStateChange
	fc.mu.Unlock()
	f(state)
}

type fakeEngine struct {
	conn *fakeConnection
}

func (fe *fakeEngine) NewConnection(ctx context.Context) (engine.Connection, error) {
	return fe.conn, nil
}

type fakeSideChannel struct {
	mu      sync.Mutex
	onOpen  func()
	onClose func()
	sent    []string

	// sendHook runs after a message is recorded, outside the lock.
	sendHook func()
}

func (fs *fakeSideChannel) Label() string {
	return engine.SideChannelLabel
}

func (fs *fakeSideChannel) OnOpen(f func()) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onOpen = f
}

func (fs *fakeSideChannel) OnClose(f func()) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onClose = f
}

func (fs *fakeSideChannel) SendText(s string) error {
	fs.mu.Lock()
	fs.sent = append(fs.sent, s)
	hook := fs.sendHook
	fs.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (fs *fakeSideChannel) open() {
	fs.mu.Lock()
	f := fs.onOpen
	fs.mu.Unlock()
	f()
}

// messages returns the type of each sent message, with the frame number for batches.
func (fs *fakeSideChannel) messages() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.sent))
	for _, raw := range fs.sent {
		var msg struct {
			Type  string `json:"type"`
			Frame int    `json:"frame"`
		}
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			out = append(out, "invalid")
			continue
		}
		if msg.Type == vision.TypeDetections {
			out = append(out, fmt.Sprintf("%s:%d", msg.Type, msg.Frame))
			continue
		}
		out = append(out, msg.Type)
	}
	return out
}

// chanTrack returns frames pushed onto it and ends when the channel is closed.
type chanTrack struct {
	frames chan image.Image
	reads  atomic.Int32
}

func newChanTrack() *chanTrack {
	return &chanTrack{frames: make(chan image.Image, 16)}
}

func (ct *chanTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	ct.reads.Inc()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case img, ok := <-ct.frames:
		if !ok {
			return nil, engine.ErrTrackEnded
		}
		return img, nil
	}
}

func (ct *chanTrack) push(n int) {
	for i := 0; i < n; i++ {
		ct.frames <- image.NewRGBA(image.Rect(0, 0, 16, 12))
	}
}

type fakeAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, img image.Image, meta *analyzer.FrameMeta) ([]vision.Detection, error)
	closed      atomic.Int32
}

func (fa *fakeAnalyzer) Analyze(ctx context.Context, img image.Image, meta *analyzer.FrameMeta) ([]vision.Detection, error) {
	if fa.AnalyzeFunc != nil {
		return fa.AnalyzeFunc(ctx, img, meta)
	}
	return []vision.Detection{vision.NewDetection("mug", 0.8, vision.NewBBox(2, 2, 10, 8))}, nil
}

func (fa *fakeAnalyzer) Close(context.Context) error {
	fa.closed.Inc()
	return nil
}

func factoryFor(an *fakeAnalyzer) analyzer.Factory {
	return func(context.Context, logging.Logger) (analyzer.Analyzer, error) {
		return an, nil
	}
}

var errRejected = errors.New("incompatible offer")
