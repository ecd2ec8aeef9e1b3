package cli

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"github.com/questvision/visionstream/vision"
)

// writeSquare writes a white 64x48 png with a black 20x20 square at (10,10).
func writeSquare(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			c := color.Gray{Y: 255}
			if x >= 10 && x < 30 && y >= 10 && y < 30 {
				c = color.Gray{Y: 0}
			}
			img.SetGray(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := NewApp(&out, &errOut).Run(append([]string{"visionstream"}, args...))
	return out.String(), err
}

func decodeBatches(t *testing.T, out string) []vision.DetectionBatch {
	t.Helper()
	var batches []vision.DetectionBatch
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		test.That(t, line, test.ShouldStartWith, `{"type":"detections"`)
		var batch vision.DetectionBatch
		test.That(t, json.Unmarshal([]byte(line), &batch), test.ShouldBeNil)
		batches = append(batches, batch)
	}
	return batches
}

func TestAnalyzeAction(t *testing.T) {
	dir := t.TempDir()
	first := writeSquare(t, dir, "first.png")
	second := writeSquare(t, dir, "second.png")

	out, err := run(t, "analyze", "--no-flip-vertical", first, second)
	test.That(t, err, test.ShouldBeNil)
	batches := decodeBatches(t, out)
	test.That(t, batches, test.ShouldHaveLength, 2)
	for i, batch := range batches {
		test.That(t, batch.Frame, test.ShouldEqual, uint64(i+1))
		test.That(t, batch.Width, test.ShouldEqual, 64)
		test.That(t, batch.Height, test.ShouldEqual, 48)
		test.That(t, batch.Detections, test.ShouldHaveLength, 1)
		test.That(t, batch.Detections[0].Label, test.ShouldEqual, "object")
		test.That(t, batch.Detections[0].BoundingBox, test.ShouldResemble, vision.NewBBox(10, 10, 30, 30))
	}

	// The default correction flips vertically before analysis.
	out, err = run(t, "analyze", first)
	test.That(t, err, test.ShouldBeNil)
	batches = decodeBatches(t, out)
	test.That(t, batches[0].Detections[0].BoundingBox, test.ShouldResemble, vision.NewBBox(10, 18, 30, 38))

	out, err = run(t, "analyze", "--analyzer", "none", first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decodeBatches(t, out)[0].Detections, test.ShouldBeEmpty)
	test.That(t, out, test.ShouldContainSubstring, `"detections":[]`)

	out, err = run(t, "analyze", "--no-flip-vertical", "--attributes", `{"min_area": 1000}`, first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decodeBatches(t, out)[0].Detections, test.ShouldBeEmpty)
}

func TestAnalyzeOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeSquare(t, dir, "frame.png")
	overlays := filepath.Join(dir, "overlays")

	_, err := run(t, "analyze", "--overlay-dir", overlays, path)
	test.That(t, err, test.ShouldBeNil)
	info, err := os.Stat(filepath.Join(overlays, "frame.overlay.jpg"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
}

func TestAnalyzeErrors(t *testing.T) {
	_, err := run(t, "analyze")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no image files")

	dir := t.TempDir()
	path := writeSquare(t, dir, "frame.png")
	_, err = run(t, "analyze", "--analyzer", "yolo", path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "yolo")

	_, err = run(t, "analyze", "--attributes", `{"bogus": 1}`, path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bogus")

	notImage := filepath.Join(dir, "notes.txt")
	test.That(t, os.WriteFile(notImage, []byte("hello"), 0o600), test.ShouldBeNil)
	_, err = run(t, "analyze", notImage)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot decode")
}

func TestSchemaAndTypes(t *testing.T) {
	out, err := run(t, "types")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Fields(out), test.ShouldResemble, []string{"none", "simple", "color", "remote"})

	out, err = run(t, "schema", "simple")
	test.That(t, err, test.ShouldBeNil)
	var schemas map[string]interface{}
	test.That(t, json.Unmarshal([]byte(out), &schemas), test.ShouldBeNil)
	test.That(t, schemas, test.ShouldContainKey, "common")
	test.That(t, schemas, test.ShouldContainKey, "simple")
	test.That(t, out, test.ShouldContainSubstring, "min_area")

	_, err = run(t, "schema")
	test.That(t, err, test.ShouldNotBeNil)
}
