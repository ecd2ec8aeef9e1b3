package videoproc

import (
	"image"

	"github.com/disintegration/imaging"
)

// Correction is the geometric fix-up applied to every frame before analysis. The headset camera
// delivers frames upside down, hence FlipVertical defaults to on in the server config.
type Correction struct {
	FlipVertical   bool
	FlipHorizontal bool
	// Rotate180 takes precedence: when set, both flip flags are ignored.
	Rotate180 bool
}

// Identity reports whether Apply returns its input untouched.
func (c Correction) Identity() bool {
	return !c.Rotate180 && !c.FlipVertical && !c.FlipHorizontal
}

// Apply returns the corrected frame. The input is not modified.
func (c Correction) Apply(img image.Image) image.Image {
	switch {
	case c.Rotate180:
		return imaging.Rotate180(img)
	case c.FlipVertical && c.FlipHorizontal:
		return imaging.FlipH(imaging.FlipV(img))
	case c.FlipVertical:
		return imaging.FlipV(img)
	case c.FlipHorizontal:
		return imaging.FlipH(img)
	default:
		return img
	}
}
