package vision

import (
	"strings"

	"github.com/samber/lo"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
// Postprocessors never reorder their input.
type Postprocessor func([]Detection) []Detection

// Chain runs the postprocessors in order.
func Chain(pps ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, pp := range pps {
			in = pp(in)
		}
		return in
	}
}

// NewValidBoxFilter returns a function that removes boxes with zero or negative width or height.
func NewValidBoxFilter() Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.BoundingBox.Valid()
		})
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.Confidence >= conf
		})
	}
}

// NewLabelIgnoreFilter returns a function that drops detections whose label is one of the given
// labels, compared case-insensitively. An empty list filters nothing.
func NewLabelIgnoreFilter(labels []string) Postprocessor {
	ignored := lo.SliceToMap(labels, func(l string) (string, struct{}) {
		return strings.ToLower(strings.TrimSpace(l)), struct{}{}
	})
	return func(in []Detection) []Detection {
		if len(ignored) == 0 {
			return in
		}
		return lo.Reject(in, func(d Detection, _ int) bool {
			_, ok := ignored[strings.ToLower(d.Label)]
			return ok
		})
	}
}

// NewConfidenceClamp returns a function that limits confidences to [0, 1].
func NewConfidenceClamp() Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Map(in, func(d Detection, _ int) Detection {
			d.Confidence = lo.Clamp(d.Confidence, 0, 1)
			return d
		})
	}
}

// NewBoundsClipper returns a function that clips every box to a width x height frame. Boxes that
// fall entirely outside collapse to zero area and are removed by NewValidBoxFilter.
func NewBoundsClipper(width, height int) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Map(in, func(d Detection, _ int) Detection {
			d.BoundingBox = d.BoundingBox.Clip(width, height)
			return d
		})
	}
}

// Sanitize is the chain applied to every analyzer result before it is emitted: clamp
// confidences, clip to the frame, then drop boxes without area.
func Sanitize(width, height int) Postprocessor {
	return Chain(NewConfidenceClamp(), NewBoundsClipper(width, height), NewValidBoxFilter())
}
