package videoproc_test

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/videoproc"
	"github.com/questvision/visionstream/vision"
	"github.com/questvision/visionstream/vision/analyzer"
)

type fakeTrack struct {
	frames []image.Image
	// beforeRead is called with the zero based index of the frame about to be returned.
	beforeRead func(i int)
	next       int
}

func (ft *fakeTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	if ft.next >= len(ft.frames) {
		return nil, engine.ErrTrackEnded
	}
	if ft.beforeRead != nil {
		ft.beforeRead(ft.next)
	}
	img := ft.frames[ft.next]
	ft.next++
	return img, nil
}

type fakeAnalyzer struct {
	AnalyzeFunc func(ctx context.Context, img image.Image, meta *analyzer.FrameMeta) ([]vision.Detection, error)
}

func (fa *fakeAnalyzer) Analyze(ctx context.Context, img image.Image, meta *analyzer.FrameMeta) ([]vision.Detection, error) {
	if fa.AnalyzeFunc == nil {
		return []vision.Detection{vision.NewDetection("cup", 0.9, vision.NewBBox(1, 1, 4, 4))}, nil
	}
	return fa.AnalyzeFunc(ctx, img, meta)
}

func (fa *fakeAnalyzer) Close(context.Context) error {
	return nil
}

type fakeSender struct {
	ready   atomic.Bool
	sendErr error

	mu      sync.Mutex
	batches []vision.DetectionBatch
}

func (fs *fakeSender) Ready() bool {
	return fs.ready.Load()
}

func (fs *fakeSender) SendBatch(batch vision.DetectionBatch) error {
	if fs.sendErr != nil {
		return fs.sendErr
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.batches = append(fs.batches, batch)
	return nil
}

func (fs *fakeSender) frames() []uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]uint64, 0, len(fs.batches))
	for _, b := range fs.batches {
		out = append(out, b.Frame)
	}
	return out
}

func newFrames(n int) []image.Image {
	frames := make([]image.Image, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, image.NewRGBA(image.Rect(0, 0, 8, 6)))
	}
	return frames
}

func readySender() *fakeSender {
	s := &fakeSender{}
	s.ready.Store(true)
	return s
}

func TestSequenceNumbers(t *testing.T) {
	sender := readySender()
	var metas []uint64
	loop := videoproc.NewLoop(videoproc.Config{
		Track: &fakeTrack{frames: newFrames(10)},
		Analyzer: &fakeAnalyzer{AnalyzeFunc: func(ctx context.Context, img image.Image, meta *analyzer.FrameMeta) ([]vision.Detection, error) {
			metas = append(metas, meta.Sequence)
			return nil, nil
		}},
		Sender: sender,
	}, logging.NewTestLogger(t))

	// The track ends after 10 frames; that is a clean exit.
	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	want := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	test.That(t, sender.frames(), test.ShouldResemble, want)
	test.That(t, metas, test.ShouldResemble, want)

	stats := loop.Stats()
	test.That(t, stats.Frames, test.ShouldEqual, uint64(10))
	test.That(t, stats.Analyzed, test.ShouldEqual, uint64(10))
	test.That(t, stats.Sent, test.ShouldEqual, uint64(10))
}

func TestEmptyFramesSkipped(t *testing.T) {
	sender := readySender()
	frames := []image.Image{
		image.NewRGBA(image.Rect(0, 0, 8, 6)),
		image.NewRGBA(image.Rect(0, 0, 0, 6)),
		nil,
		image.NewRGBA(image.Rect(0, 0, 8, 6)),
	}
	loop := videoproc.NewLoop(videoproc.Config{
		Track:    &fakeTrack{frames: frames},
		Analyzer: &fakeAnalyzer{},
		Sender:   sender,
	}, logging.NewTestLogger(t))

	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	test.That(t, sender.frames(), test.ShouldResemble, []uint64{1, 4})
	test.That(t, loop.Stats().Frames, test.ShouldEqual, uint64(4))
	test.That(t, loop.Stats().Analyzed, test.ShouldEqual, uint64(2))
}

func TestAnalyzerErrorSendsEmptyBatch(t *testing.T) {
	sender := readySender()
	logger, logs := logging.NewObservedTestLogger(t)
	loop := videoproc.NewLoop(videoproc.Config{
		Track: &fakeTrack{frames: newFrames(5)},
		Analyzer: &fakeAnalyzer{AnalyzeFunc: func(ctx context.Context, img image.Image, meta *analyzer.FrameMeta) ([]vision.Detection, error) {
			if meta.Sequence >= 2 && meta.Sequence <= 4 {
				return nil, errors.New("model exploded")
			}
			return []vision.Detection{
				vision.NewDetection("cup", 0.9, vision.NewBBox(1, 1, 4, 4)),
				vision.NewDetection("degenerate", 0.9, vision.NewBBox(4, 1, 4, 4)),
			}, nil
		}},
		Sender: sender,
	}, logger)

	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	test.That(t, sender.frames(), test.ShouldResemble, []uint64{1, 2, 3, 4, 5})

	test.That(t, sender.batches[0].Detections, test.ShouldHaveLength, 1)
	test.That(t, sender.batches[0].Detections[0].Label, test.ShouldEqual, "cup")

	out, err := json.Marshal(sender.batches[1])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `{"type":"detections","frame":2,"width":8,"height":6,"detections":[]}`)

	// Three identical failures in a row: the first and second are logged, the third is not.
	test.That(t, logs.FilterMessage("analyzer failed, sending no detections").Len(), test.ShouldEqual, 2)
	test.That(t, loop.Stats().AnalyzeErrors, test.ShouldEqual, uint64(3))
}

func TestBatchesBeforeReadyAreDiscarded(t *testing.T) {
	sender := &fakeSender{}
	track := &fakeTrack{frames: newFrames(8)}
	track.beforeRead = func(i int) {
		// The side channel opens between frame 5 and frame 6.
		if i == 5 {
			sender.ready.Store(true)
		}
	}
	loop := videoproc.NewLoop(videoproc.Config{
		Track:    track,
		Analyzer: &fakeAnalyzer{},
		Sender:   sender,
	}, logging.NewTestLogger(t))

	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	test.That(t, sender.frames(), test.ShouldResemble, []uint64{6, 7, 8})
}

func TestSendErrorsAreNotFatal(t *testing.T) {
	sender := readySender()
	sender.sendErr = errors.New("channel closed")
	loop := videoproc.NewLoop(videoproc.Config{
		Track:    &fakeTrack{frames: newFrames(4)},
		Analyzer: &fakeAnalyzer{},
		Sender:   sender,
	}, logging.NewTestLogger(t))

	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	test.That(t, loop.Stats().Sent, test.ShouldEqual, uint64(0))
	test.That(t, loop.Stats().Analyzed, test.ShouldEqual, uint64(4))
}

type blockingTrack struct{}

func (blockingTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := videoproc.NewLoop(videoproc.Config{
		Track:    blockingTrack{},
		Analyzer: &fakeAnalyzer{},
		Sender:   readySender(),
	}, logging.NewTestLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
}

func TestNoSendAfterCancelDuringAnalyze(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := readySender()
	loop := videoproc.NewLoop(videoproc.Config{
		Track: &fakeTrack{frames: newFrames(3)},
		Analyzer: &fakeAnalyzer{AnalyzeFunc: func(context.Context, image.Image, *analyzer.FrameMeta) ([]vision.Detection, error) {
			cancel()
			return nil, nil
		}},
		Sender: sender,
	}, logging.NewTestLogger(t))

	test.That(t, errors.Is(loop.Run(ctx), context.Canceled), test.ShouldBeTrue)
	test.That(t, sender.frames(), test.ShouldBeEmpty)
}

func TestThroughput(t *testing.T) {
	mock := clock.NewMock()
	logger, logs := logging.NewObservedTestLogger(t)
	loop := videoproc.NewLoop(videoproc.Config{
		Track: &fakeTrack{frames: newFrames(10)},
		Analyzer: &fakeAnalyzer{AnalyzeFunc: func(context.Context, image.Image, *analyzer.FrameMeta) ([]vision.Detection, error) {
			mock.Add(100 * time.Millisecond)
			return nil, nil
		}},
		Sender:      readySender(),
		LogInterval: 5,
		Clock:       mock,
	}, logger)

	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("throughput").Len(), test.ShouldEqual, 2)

	stats := loop.Stats()
	test.That(t, stats.FPS, test.ShouldAlmostEqual, 10.0)
	test.That(t, stats.LatencyMean, test.ShouldEqual, 100*time.Millisecond)
	test.That(t, stats.LatencyP95, test.ShouldEqual, 100*time.Millisecond)
}

func TestObserverSeesCorrectedFrame(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.Set(0, 0, color.RGBA{R: 255, A: 255})

	var seen []videoproc.FrameEnvelope
	loop := videoproc.NewLoop(videoproc.Config{
		Track:      &fakeTrack{frames: []image.Image{src}},
		Analyzer:   &fakeAnalyzer{},
		Sender:     &fakeSender{},
		Correction: videoproc.Correction{FlipVertical: true},
		Observer: func(frame videoproc.FrameEnvelope, batch vision.DetectionBatch) {
			seen = append(seen, frame)
			test.That(t, batch.Frame, test.ShouldEqual, frame.Sequence)
		},
	}, logging.NewTestLogger(t))

	test.That(t, loop.Run(context.Background()), test.ShouldBeNil)
	test.That(t, seen, test.ShouldHaveLength, 1)
	r, _, _, _ := seen[0].Image.At(0, 1).RGBA()
	test.That(t, r, test.ShouldEqual, uint32(0xffff))
	r, _, _, _ = seen[0].Image.At(0, 0).RGBA()
	test.That(t, r, test.ShouldEqual, uint32(0))
}
