package engine

import (
	"bytes"
	"context"
	"image"
	"io"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"golang.org/x/image/vp8"
	"golang.org/x/time/rate"

	"github.com/questvision/visionstream/logging"
)

const (
	vp8ClockRate = 90000
	// maxLatePackets is how many packets the sample builder holds while waiting for a gap to be
	// filled before giving up on the frame.
	maxLatePackets = 256
)

// rtpReader is the part of *webrtc.TrackRemote the track needs.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SetReadDeadline(deadline time.Time) error
}

// vp8Track turns an RTP stream into decoded frames. The pure Go decoder only handles key frames,
// so inter frames are dropped and answered with a rate limited picture loss indication, which
// makes the sender produce another key frame.
type vp8Track struct {
	reader     rtpReader
	builder    *samplebuilder.SampleBuilder
	decoder    *vp8.Decoder
	requestKey func() error
	pliLimiter *rate.Limiter
	logger     logging.Logger

	requested bool
}

func newVP8Track(remote *webrtc.TrackRemote, pc *webrtc.PeerConnection, pliInterval time.Duration, logger logging.Logger) *vp8Track {
	ssrc := uint32(remote.SSRC())
	return newVP8TrackFromReader(remote, func() error {
		return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}, pliInterval, logger)
}

func newVP8TrackFromReader(reader rtpReader, requestKey func() error, pliInterval time.Duration, logger logging.Logger) *vp8Track {
	return &vp8Track{
		reader:     reader,
		builder:    samplebuilder.New(maxLatePackets, &codecs.VP8Packet{}, vp8ClockRate),
		decoder:    vp8.NewDecoder(),
		requestKey: requestKey,
		pliLimiter: rate.NewLimiter(rate.Every(pliInterval), 1),
		logger:     logger,
	}
}

// ReadFrame returns the next decodable frame.
func (t *vp8Track) ReadFrame(ctx context.Context) (image.Image, error) {
	if !t.requested {
		// Ask for a key frame right away instead of waiting for the sender's next one.
		t.requested = true
		t.requestKeyFrame()
	}

	stop := context.AfterFunc(ctx, func() {
		utils.UncheckedError(t.reader.SetReadDeadline(time.Now()))
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for sample := t.builder.Pop(); sample != nil; sample = t.builder.Pop() {
			img, err := t.decode(sample.Data)
			if err != nil {
				t.logger.Debugw("dropping undecodable frame", "error", err)
				t.requestKeyFrame()
				continue
			}
			if img != nil {
				return img, nil
			}
		}

		packet, _, err := t.reader.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrTrackEnded
			}
			return nil, errors.Wrap(ErrTrackEnded, err.Error())
		}
		t.builder.Push(packet)
	}
}

// decode returns nil, nil for frames that carry no picture the decoder can produce.
func (t *vp8Track) decode(frame []byte) (image.Image, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	t.decoder.Init(bytes.NewReader(frame), len(frame))
	header, err := t.decoder.DecodeFrameHeader()
	if err != nil {
		return nil, errors.Wrap(err, "vp8 frame header")
	}
	if !header.KeyFrame {
		t.requestKeyFrame()
		return nil, nil
	}
	img, err := t.decoder.DecodeFrame()
	if err != nil {
		return nil, errors.Wrap(err, "vp8 frame")
	}
	// The decoder reuses its buffer across frames whose size is a multiple of 16.
	return cloneYCbCr(img), nil
}

func cloneYCbCr(src *image.YCbCr) *image.YCbCr {
	dst := image.NewYCbCr(src.Rect, src.SubsampleRatio)
	for y := src.Rect.Min.Y; y < src.Rect.Max.Y; y++ {
		copy(dst.Y[dst.YOffset(dst.Rect.Min.X, y):], src.Y[src.YOffset(src.Rect.Min.X, y):src.YOffset(src.Rect.Max.X-1, y)+1])
	}
	for y := src.Rect.Min.Y; y < src.Rect.Max.Y; y++ {
		from, to := src.COffset(src.Rect.Min.X, y), src.COffset(src.Rect.Max.X-1, y)+1
		at := dst.COffset(dst.Rect.Min.X, y)
		copy(dst.Cb[at:], src.Cb[from:to])
		copy(dst.Cr[at:], src.Cr[from:to])
	}
	return dst
}

func (t *vp8Track) requestKeyFrame() {
	if !t.pliLimiter.Allow() {
		return
	}
	if err := t.requestKey(); err != nil {
		t.logger.Debugw("key frame request failed", "error", err)
	}
}
