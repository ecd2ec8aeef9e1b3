package videoproc

import (
	"image"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/vision"
)

// Track is the decoded video source a Loop reads from.
type Track = engine.Track

// Sender publishes batches to the peer.
type Sender interface {
	// Ready reports whether the side channel is open. Batches produced while it is not are
	// discarded.
	Ready() bool
	SendBatch(batch vision.DetectionBatch) error
}

// FrameEnvelope is one received frame with its sequence number. Sequence numbers start at 1 and
// are assigned on receipt, so a frame that is later skipped as empty still consumes one.
type FrameEnvelope struct {
	Sequence uint64
	Width    int
	Height   int
	Image    image.Image
}

func newFrameEnvelope(seq uint64, img image.Image) FrameEnvelope {
	env := FrameEnvelope{Sequence: seq, Image: img}
	if img != nil {
		bounds := img.Bounds()
		env.Width, env.Height = bounds.Dx(), bounds.Dy()
	}
	return env
}

// Empty reports whether there are no pixels to analyze.
func (f FrameEnvelope) Empty() bool {
	return f.Image == nil || f.Width <= 0 || f.Height <= 0
}

// FrameObserver sees every analyzed frame after correction along with the batch produced for it.
// It is called on the loop's goroutine and must not block.
type FrameObserver func(frame FrameEnvelope, batch vision.DetectionBatch)
