package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/vision"
)

const remoteJPEGQuality = 85

// remoteAnalyzer sends each frame to an HTTP inference service. The heavyweight models (yolo,
// florence2, owlv2, grounding dino, pose) run there.
//
// Request: POST <url>?frame=<seq>[&prompt=<prompt>] with an image/jpeg body.
// Response: {"detections":[{"label":"cup","conf":0.9,"bbox":[x1,y1,x2,y2]}]}.
type remoteAnalyzer struct {
	cfg     RemoteConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  logging.Logger
}

type remoteResponse struct {
	Detections []vision.Detection `json:"detections"`
}

func newRemote(cfg RemoteConfig, logger logging.Logger) *remoteAnalyzer {
	limit := rate.Inf
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
	}
	return &remoteAnalyzer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (ra *remoteAnalyzer) Analyze(ctx context.Context, img image.Image, meta *FrameMeta) ([]vision.Detection, error) {
	if err := ra.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: remoteJPEGQuality}); err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	target, err := ra.requestURL(meta)
	if err != nil {
		return nil, err
	}

	attempt := 0
	operation := func() ([]vision.Detection, error) {
		attempt++
		return ra.post(ctx, target, body.Bytes())
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(100*time.Millisecond)), uint64(ra.cfg.MaxRetries)),
		ctx)
	dets, err := backoff.RetryWithData(operation, policy)
	if err != nil {
		return nil, errors.Wrapf(err, "remote analyzer failed after %d attempt(s)", attempt)
	}
	return dets, nil
}

func (ra *remoteAnalyzer) requestURL(meta *FrameMeta) (string, error) {
	target, err := url.Parse(ra.cfg.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse remote analyzer url")
	}
	query := target.Query()
	if meta != nil {
		query.Set("frame", strconv.FormatUint(meta.Sequence, 10))
	}
	if ra.cfg.Prompt != "" {
		query.Set("prompt", ra.cfg.Prompt)
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// post performs one request. Client errors (4xx) are permanent; everything else is retried.
func (ra *remoteAnalyzer) post(ctx context.Context, target string, frame []byte) ([]vision.Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(frame))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := ra.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer func() {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			ra.logger.Debugw("error closing remote analyzer response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		statusErr := errors.Errorf("remote analyzer returned %s: %s", resp.Status, bytes.TrimSpace(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(statusErr)
		}
		return nil, statusErr
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "decode remote analyzer response"))
	}
	return decoded.Detections, nil
}

func (ra *remoteAnalyzer) Close(context.Context) error {
	ra.client.CloseIdleConnections()
	return nil
}
