package analyzer

import (
	"context"
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/questvision/visionstream/vision"
)

// colorDetector finds connected regions whose hue lies within a tolerance of a target hue and
// that are saturated and bright enough for the hue to be meaningful.
type colorDetector struct {
	cfg ColorConfig
}

func newColor(cfg ColorConfig) *colorDetector {
	return &colorDetector{cfg: cfg}
}

// hueDistance is the angular distance between two hues in degrees.
func hueDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func (cd *colorDetector) matches(c colorful.Color) bool {
	h, s, v := c.Hsv()
	return s >= cd.cfg.SaturationCutoff &&
		v >= cd.cfg.ValueCutoff &&
		hueDistance(h, cd.cfg.Hue) <= cd.cfg.HueTolerance
}

func (cd *colorDetector) Analyze(ctx context.Context, img image.Image, _ *FrameMeta) ([]vision.Detection, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	mask := make([]bool, width*height)
	for y := 0; y < height; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < width; x++ {
			c, ok := colorful.MakeColor(img.At(bounds.Min.X+x, bounds.Min.Y+y))
			mask[y*width+x] = ok && cd.matches(c)
		}
	}

	comps := connectedComponents(width, height, func(x, y int) bool {
		return mask[y*width+x]
	})
	detections := make([]vision.Detection, 0, len(comps))
	for _, comp := range comps {
		area := comp.bounds.Dx() * comp.bounds.Dy()
		if area < cd.cfg.MinArea {
			continue
		}
		conf := float64(comp.pixels) / float64(area)
		detections = append(detections, vision.NewDetection(cd.cfg.Label, conf, vision.BBoxFromRect(comp.bounds)))
	}
	return detections, nil
}

func (cd *colorDetector) Close(context.Context) error {
	return nil
}
