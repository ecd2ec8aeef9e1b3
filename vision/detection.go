// Package vision defines the detection results produced by frame analyzers and the batch
// message that carries them back to the peer.
package vision

import (
	"fmt"
	"image"
	"math"
)

// BBox is an axis aligned box [x1, y1, x2, y2] in pixel coordinates of the corrected frame.
type BBox [4]float64

// NewBBox builds a box from its corners.
func NewBBox(x1, y1, x2, y2 float64) BBox {
	return BBox{x1, y1, x2, y2}
}

// BBoxFromRect converts an image rectangle. The rectangle's Max is exclusive, which matches the
// box's far edge.
func BBoxFromRect(r image.Rectangle) BBox {
	return BBox{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)}
}

// X1 is the left edge.
func (b BBox) X1() float64 { return b[0] }

// Y1 is the top edge.
func (b BBox) Y1() float64 { return b[1] }

// X2 is the right edge.
func (b BBox) X2() float64 { return b[2] }

// Y2 is the bottom edge.
func (b BBox) Y2() float64 { return b[3] }

// Valid reports whether the box has positive width and height. NaN coordinates are never valid.
func (b BBox) Valid() bool {
	return b[2] > b[0] && b[3] > b[1]
}

// Area returns the box area, or 0 for an invalid box.
func (b BBox) Area() float64 {
	if !b.Valid() {
		return 0
	}
	return (b[2] - b[0]) * (b[3] - b[1])
}

// Clip limits the box to a width x height frame.
func (b BBox) Clip(width, height int) BBox {
	w, h := float64(width), float64(height)
	return BBox{
		math.Min(math.Max(b[0], 0), w),
		math.Min(math.Max(b[1], 0), h),
		math.Min(math.Max(b[2], 0), w),
		math.Min(math.Max(b[3], 0), h),
	}
}

// Rect rounds the box outwards to an image rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b[0])), int(math.Floor(b[1])),
		int(math.Ceil(b[2])), int(math.Ceil(b[3])),
	)
}

// Detection is one labeled, scored box.
type Detection struct {
	Label       string  `json:"label"`
	Confidence  float64 `json:"conf"`
	BoundingBox BBox    `json:"bbox"`
}

// NewDetection creates a Detection.
func NewDetection(label string, confidence float64, box BBox) Detection {
	return Detection{Label: label, Confidence: confidence, BoundingBox: box}
}

func (d Detection) String() string {
	return fmt.Sprintf("Label: %s, Score: %.2f, Box: %v", d.Label, d.Confidence, [4]float64(d.BoundingBox))
}
