// Package videoproc runs the per-session video loop: receive a frame, correct its orientation,
// analyze it and publish the detections.
package videoproc

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/vision"
	"github.com/questvision/visionstream/vision/analyzer"
)

// DefaultLogInterval is the number of frames between throughput reports.
const DefaultLogInterval = 30

const errorCooldown = 10 * time.Second

// Config holds everything a Loop needs. Track, Analyzer and Sender are required.
type Config struct {
	Track       Track
	Analyzer    analyzer.Analyzer
	Sender      Sender
	Correction  Correction
	LogInterval int
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Observer is optional.
	Observer FrameObserver
}

// Stats is a snapshot of a loop's progress.
type Stats struct {
	// Frames is the last sequence number assigned.
	Frames uint64 `json:"frames"`
	// Analyzed counts frames handed to the analyzer.
	Analyzed uint64 `json:"analyzed"`
	// Sent counts batches delivered to the side channel.
	Sent          uint64        `json:"sent"`
	AnalyzeErrors uint64        `json:"analyze_errors"`
	FPS           float64       `json:"fps"`
	LatencyMean   time.Duration `json:"latency_mean"`
	LatencyP95    time.Duration `json:"latency_p95"`
}

// Loop turns a track into detection batches. A Loop runs once.
type Loop struct {
	cfg    Config
	logger logging.Logger

	analyzeErrs *errorThrottle
	sendErrs    *errorThrottle
	postcheck   vision.Postprocessor

	statsMu sync.Mutex
	stats   Stats
}

// NewLoop returns a loop ready to Run.
func NewLoop(cfg Config, logger logging.Logger) *Loop {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultLogInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Loop{
		cfg:         cfg,
		logger:      logger,
		analyzeErrs: newErrorThrottle(cfg.Clock, errorCooldown),
		sendErrs:    newErrorThrottle(cfg.Clock, errorCooldown),
		postcheck:   vision.NewValidBoxFilter(),
	}
}

// Stats returns a copy of the current counters.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

func (l *Loop) updateStats(f func(*Stats)) {
	l.statsMu.Lock()
	f(&l.stats)
	l.statsMu.Unlock()
}

// Run processes frames until the track ends or ctx is cancelled. The end of the track is not an
// error: Run returns nil. Cancellation returns ctx.Err(). Frames are handled strictly one at a
// time, so a slow analyzer stalls reception rather than queueing frames.
func (l *Loop) Run(ctx context.Context) error {
	var seq uint64
	window := newThroughputWindow(l.cfg.Clock, l.cfg.LogInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := l.cfg.Track.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, engine.ErrTrackEnded) {
				l.logger.Debugw("track receive failed, treating as ended", "error", err)
			}
			l.logger.Infow("track ended", "frames", seq)
			return nil
		}

		seq++
		frame := newFrameEnvelope(seq, img)
		l.updateStats(func(s *Stats) { s.Frames = seq })
		if frame.Empty() {
			l.logger.Debugw("skipping empty frame", "frame", seq)
			continue
		}

		frame.Image = l.cfg.Correction.Apply(frame.Image)
		batch, err := l.analyze(ctx, frame, window)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if l.cfg.Observer != nil {
			l.cfg.Observer(frame, batch)
		}
		l.send(batch)

		if report, ok := window.frameDone(); ok {
			l.updateStats(func(s *Stats) {
				s.FPS = report.fps
				s.LatencyMean = report.latencyMean
				s.LatencyP95 = report.latencyP95
			})
			l.logger.Infow("throughput",
				"frame", seq,
				"fps", report.fps,
				"analyze_mean", report.latencyMean,
				"analyze_p95", report.latencyP95,
			)
		}
	}
}

// analyze never fails because of the analyzer; only cancellation is returned.
func (l *Loop) analyze(ctx context.Context, frame FrameEnvelope, window *throughputWindow) (vision.DetectionBatch, error) {
	batch := vision.DetectionBatch{Frame: frame.Sequence, Width: frame.Width, Height: frame.Height}

	start := l.cfg.Clock.Now()
	dets, err := l.cfg.Analyzer.Analyze(ctx, frame.Image, &analyzer.FrameMeta{Sequence: frame.Sequence, Timestamp: start})
	elapsed := l.cfg.Clock.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		l.updateStats(func(s *Stats) {
			s.Analyzed++
			s.AnalyzeErrors++
		})
		if shouldLog, count := l.analyzeErrs.observe(err); shouldLog {
			l.logger.Errorw("analyzer failed, sending no detections", "frame", frame.Sequence, "error", err, "count", count)
		}
		return batch, nil
	}

	l.updateStats(func(s *Stats) { s.Analyzed++ })
	window.recordLatency(elapsed)
	batch.Detections = l.postcheck(dets)
	return batch, nil
}

func (l *Loop) send(batch vision.DetectionBatch) {
	if !l.cfg.Sender.Ready() {
		return
	}
	if err := l.cfg.Sender.SendBatch(batch); err != nil {
		if shouldLog, count := l.sendErrs.observe(err); shouldLog {
			l.logger.Warnw("failed to send detections", "frame", batch.Frame, "error", err, "count", count)
		}
		return
	}
	l.updateStats(func(s *Stats) { s.Sent++ })
}

// throughputWindow measures frames per second and analyzer latency over every interval frames.
type throughputWindow struct {
	clock     clock.Clock
	interval  int
	count     int
	start     time.Time
	latencies []float64
}

type throughputReport struct {
	fps         float64
	latencyMean time.Duration
	latencyP95  time.Duration
}

func newThroughputWindow(clk clock.Clock, interval int) *throughputWindow {
	return &throughputWindow{
		clock:     clk,
		interval:  interval,
		start:     clk.Now(),
		latencies: make([]float64, 0, interval),
	}
}

func (w *throughputWindow) recordLatency(d time.Duration) {
	w.latencies = append(w.latencies, float64(d))
}

// frameDone counts one processed frame and returns a report when the window is full.
func (w *throughputWindow) frameDone() (throughputReport, bool) {
	w.count++
	if w.count < w.interval {
		return throughputReport{}, false
	}

	now := w.clock.Now()
	var report throughputReport
	if elapsed := now.Sub(w.start).Seconds(); elapsed > 0 {
		report.fps = float64(w.count) / elapsed
	}
	if len(w.latencies) > 0 {
		// Both only fail on empty input.
		mean, _ := stats.Mean(w.latencies)
		p95, _ := stats.Percentile(w.latencies, 95)
		report.latencyMean = time.Duration(mean)
		report.latencyP95 = time.Duration(p95)
	}

	w.count = 0
	w.start = now
	w.latencies = w.latencies[:0]
	return report, true
}
