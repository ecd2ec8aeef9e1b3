// Package analyzer implements the frame analyzers that turn one corrected video frame into a list
// of detections. The variant is chosen once at startup from configuration; each session then gets
// its own instance so per-session caching never leaks across peers.
package analyzer

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/pkg/errors"

	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/vision"
)

// Analyzer turns an image into an ordered list of detections.
type Analyzer interface {
	// Analyze runs the model on img. Boxes are in img's pixel coordinates. meta may be nil.
	Analyze(ctx context.Context, img image.Image, meta *FrameMeta) ([]vision.Detection, error)
	Close(ctx context.Context) error
}

// FrameMeta is optional metadata about the frame being analyzed.
type FrameMeta struct {
	Sequence  uint64
	Timestamp time.Time
}

// Type identifies an analyzer variant.
type Type string

// The set of analyzer variants.
const (
	TypeNone   = Type("none")
	TypeSimple = Type("simple")
	TypeColor  = Type("color")
	TypeRemote = Type("remote")
)

// Types lists every known variant.
var Types = []Type{TypeNone, TypeSimple, TypeColor, TypeRemote}

// Error is returned when an analyzer fails on a frame. The video loop degrades it to an empty
// result for that frame.
type Error struct {
	Analyzer Type
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("analyzer %q failed: %v", e.Analyzer, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// TypeNotImplementedError is returned when the configured analyzer type is unknown.
type TypeNotImplementedError struct {
	Type string
}

func (e *TypeNotImplementedError) Error() string {
	return fmt.Sprintf("analyzer type %q is not implemented", e.Type)
}

// NewTypeNotImplementedError is used when the analyzer type is not implemented.
func NewTypeNotImplementedError(name string) error {
	return &TypeNotImplementedError{Type: name}
}

// Factory constructs one analyzer instance for a session.
type Factory func(ctx context.Context, logger logging.Logger) (Analyzer, error)

// NewFactory validates cfg and returns a Factory for it. All configuration errors surface here so
// that a bad analyzer configuration fails at startup rather than on the first connection.
func NewFactory(cfg Config) (Factory, error) {
	common, variantAttrs, err := cfg.decode()
	if err != nil {
		return nil, err
	}

	var build func(ctx context.Context, logger logging.Logger) (Analyzer, error)
	switch cfg.Type {
	case TypeNone:
		build = func(context.Context, logging.Logger) (Analyzer, error) { return none{}, nil }
	case TypeSimple:
		conf, ok := variantAttrs.(*SimpleConfig)
		if !ok {
			return nil, errors.Errorf("expected *SimpleConfig, got %T", variantAttrs)
		}
		build = func(context.Context, logging.Logger) (Analyzer, error) { return newSimple(*conf), nil }
	case TypeColor:
		conf, ok := variantAttrs.(*ColorConfig)
		if !ok {
			return nil, errors.Errorf("expected *ColorConfig, got %T", variantAttrs)
		}
		build = func(context.Context, logging.Logger) (Analyzer, error) { return newColor(*conf), nil }
	case TypeRemote:
		conf, ok := variantAttrs.(*RemoteConfig)
		if !ok {
			return nil, errors.Errorf("expected *RemoteConfig, got %T", variantAttrs)
		}
		build = func(_ context.Context, logger logging.Logger) (Analyzer, error) {
			return newRemote(*conf, logger), nil
		}
	default:
		return nil, NewTypeNotImplementedError(string(cfg.Type))
	}

	return func(ctx context.Context, logger logging.Logger) (Analyzer, error) {
		model, err := build(ctx, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "build %s analyzer", cfg.Type)
		}
		return newPipeline(cfg.Type, model, common), nil
	}, nil
}

// New is a convenience for building a single analyzer directly from a config.
func New(ctx context.Context, cfg Config, logger logging.Logger) (Analyzer, error) {
	factory, err := NewFactory(cfg)
	if err != nil {
		return nil, err
	}
	return factory(ctx, logger)
}

type none struct{}

func (none) Analyze(context.Context, image.Image, *FrameMeta) ([]vision.Detection, error) {
	return nil, nil
}

func (none) Close(context.Context) error {
	return nil
}
