package analyzer

import (
	"context"
	"image"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/questvision/visionstream/vision"
)

// pipeline wraps a model with the behavior shared by every variant: frame skipping, the common
// filters, frame bounds sanitizing and panic recovery. Calls are serialized, so one instance may
// be shared if needed.
type pipeline struct {
	kind      Type
	model     Analyzer
	filter    vision.Postprocessor
	frameSkip uint64

	mu    sync.Mutex
	calls uint64
	last  []vision.Detection
}

func newPipeline(kind Type, model Analyzer, common CommonAttributes) *pipeline {
	frameSkip := uint64(1)
	if common.FrameSkip > 1 {
		frameSkip = uint64(common.FrameSkip)
	}
	return &pipeline{
		kind:      kind,
		model:     model,
		frameSkip: frameSkip,
		filter: vision.Chain(
			vision.NewScoreFilter(common.MinConfidence),
			vision.NewLabelIgnoreFilter(common.IgnoreLabels),
		),
	}
}

// Analyze runs the model on every frameSkip-th call (the frameSkip-th, 2*frameSkip-th, ...) and
// returns the previous result on the others. Before the first model run the previous result is
// empty.
func (p *pipeline) Analyze(ctx context.Context, img image.Image, meta *FrameMeta) (dets []vision.Detection, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.calls%p.frameSkip != 0 {
		return slices.Clone(p.last), nil
	}

	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = &Error{Analyzer: p.kind, Err: errors.Errorf("panic: %v", r)}
		}
	}()

	raw, err := p.model.Analyze(ctx, img, meta)
	if err != nil {
		return nil, &Error{Analyzer: p.kind, Err: err}
	}
	bounds := img.Bounds()
	p.last = vision.Chain(p.filter, vision.Sanitize(bounds.Dx(), bounds.Dy()))(raw)
	return slices.Clone(p.last), nil
}

func (p *pipeline) Close(ctx context.Context) error {
	return p.model.Close(ctx)
}
