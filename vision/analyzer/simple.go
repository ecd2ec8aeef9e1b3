package analyzer

import (
	"context"
	"image"

	"golang.org/x/image/draw"

	"github.com/questvision/visionstream/vision"
)

// simpleDetector converts an image to gray and then finds the connected components with values
// below a luminance threshold. Useful for local testing: it finds dark objects on a light
// background.
type simpleDetector struct {
	cfg SimpleConfig
}

func newSimple(cfg SimpleConfig) *simpleDetector {
	return &simpleDetector{cfg: cfg}
}

func (sd *simpleDetector) Analyze(ctx context.Context, img image.Image, _ *FrameMeta) ([]vision.Detection, error) {
	bounds := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || bounds.Min != (image.Point{}) {
		gray = image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	threshold := sd.cfg.Threshold
	comps := connectedComponents(bounds.Dx(), bounds.Dy(), func(x, y int) bool {
		return float64(gray.Pix[y*gray.Stride+x]) < threshold
	})

	detections := make([]vision.Detection, 0, len(comps))
	for _, comp := range comps {
		if comp.bounds.Dx()*comp.bounds.Dy() < sd.cfg.MinArea {
			continue
		}
		detections = append(detections, vision.NewDetection(sd.cfg.Label, 1.0, vision.BBoxFromRect(comp.bounds)))
	}
	return detections, nil
}

func (sd *simpleDetector) Close(context.Context) error {
	return nil
}
