package preview

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	boxLineWidth  = 2.0
	labelFontSize = 14.0
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// LabelColor picks a stable color per label so the same class keeps its color across frames.
func LabelColor(label string) color.Color {
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	return colorful.Hsv(float64(h.Sum32()%360), 0.85, 0.95).Clamped()
}

// Render draws every detection of the snapshot's batch over its frame: an outlined box plus a
// "label confidence" caption above the box, or inside it when the box touches the top edge.
func Render(snap Snapshot) image.Image {
	dc := gg.NewContextForImage(snap.Frame.Image)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: labelFontSize}))
	dc.SetLineWidth(boxLineWidth)

	for _, det := range snap.Batch.Detections {
		if !det.BoundingBox.Valid() {
			continue
		}
		x1, y1 := det.BoundingBox.X1(), det.BoundingBox.Y1()
		w, h := det.BoundingBox.X2()-x1, det.BoundingBox.Y2()-y1
		c := LabelColor(det.Label)

		dc.SetColor(c)
		dc.DrawRectangle(x1, y1, w, h)
		dc.Stroke()

		caption := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
		textY := y1 - 4
		if textY < labelFontSize {
			textY = y1 + labelFontSize
		}
		dc.DrawString(caption, x1+2, textY)
	}
	return dc.Image()
}
