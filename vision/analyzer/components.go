package analyzer

import (
	"image"
)

// component is one 4-connected region of passing pixels.
type component struct {
	bounds image.Rectangle
	pixels int
}

// connectedComponents labels the 4-connected regions of a width x height grid for which pass
// returns true. Points are relative to the grid origin. Bounds are half-open, so a single pixel
// region has a 1x1 rectangle.
func connectedComponents(width, height int, pass func(x, y int) bool) []component {
	seen := make([]bool, width*height)
	var comps []component
	queue := make([]image.Point, 0, 64)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if seen[idx] {
				continue
			}
			seen[idx] = true
			if !pass(x, y) {
				continue
			}

			comp := component{bounds: image.Rect(x, y, x+1, y+1)}
			queue = append(queue[:0], image.Point{x, y})
			for head := 0; head < len(queue); head++ {
				pt := queue[head]
				comp.pixels++
				comp.bounds = comp.bounds.Union(image.Rect(pt.X, pt.Y, pt.X+1, pt.Y+1))

				for _, n := range [4]image.Point{{pt.X, pt.Y - 1}, {pt.X, pt.Y + 1}, {pt.X - 1, pt.Y}, {pt.X + 1, pt.Y}} {
					if n.X < 0 || n.Y < 0 || n.X >= width || n.Y >= height {
						continue
					}
					nIdx := n.Y*width + n.X
					if seen[nIdx] {
						continue
					}
					seen[nIdx] = true
					if pass(n.X, n.Y) {
						queue = append(queue, n)
					}
				}
			}
			comps = append(comps, comp)
		}
	}
	return comps
}
