package cli

import (
	"encoding/json"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/questvision/visionstream/config"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/preview"
	"github.com/questvision/visionstream/videoproc"
	"github.com/questvision/visionstream/vision"
	"github.com/questvision/visionstream/vision/analyzer"
)

func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewBlankLogger("analyze")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if !c.Bool(flagDebug) {
		logger.SetLevel(logging.INFO)
	}
	return logger
}

// analyzeSettings resolves the analyzer config and correction from the config file and flags.
func analyzeSettings(c *cli.Context) (analyzer.Config, videoproc.Correction, error) {
	cfg, err := config.Load(c.String(flagConfig), config.Overrides{
		Analyzer:       c.String(flagAnalyzer),
		FlipHorizontal: c.Bool(flagFlipHorizontal),
		Rotate180:      c.Bool(flagRotate180),
		NoFlipVertical: c.Bool(flagNoFlipVertical),
	})
	if err != nil {
		return analyzer.Config{}, videoproc.Correction{}, err
	}

	if raw := c.String(flagAttributes); raw != "" {
		var attrs map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return analyzer.Config{}, videoproc.Correction{}, errors.Wrapf(err, "invalid --%s", flagAttributes)
		}
		cfg.Analyzer.Attributes = attrs
	}
	if err := cfg.Analyzer.Validate("analyzer"); err != nil {
		return analyzer.Config{}, videoproc.Correction{}, err
	}
	return cfg.Analyzer, cfg.Correction(), nil
}

// AnalyzeAction is the corresponding Action for 'analyze'.
func AnalyzeAction(c *cli.Context) (err error) {
	files := c.Args().Slice()
	if len(files) == 0 {
		return errors.New("no image files given")
	}
	anCfg, correction, err := analyzeSettings(c)
	if err != nil {
		return err
	}
	logger := newLogger(c)

	an, err := analyzer.New(c.Context, anCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, an.Close(c.Context))
	}()

	overlayDir := c.String(flagOverlayDir)
	if overlayDir != "" {
		if err := os.MkdirAll(overlayDir, 0o750); err != nil {
			return err
		}
	}

	validBoxes := vision.NewValidBoxFilter()
	for i, file := range files {
		img, err := readImage(file)
		if err != nil {
			return err
		}
		corrected := correction.Apply(img)
		bounds := corrected.Bounds()
		seq := uint64(i + 1)

		dets, err := an.Analyze(c.Context, corrected, &analyzer.FrameMeta{Sequence: seq})
		if err != nil {
			return errors.Wrapf(err, "analyzing %s", file)
		}
		batch := vision.DetectionBatch{
			Frame:      seq,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
			Detections: validBoxes(dets),
		}
		out, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		printf(c.App.Writer, "%s", out)
		logger.Debugw("analyzed", "file", file, "detections", len(batch.Detections))

		if overlayDir != "" {
			frame := videoproc.FrameEnvelope{Sequence: seq, Width: bounds.Dx(), Height: bounds.Dy(), Image: corrected}
			if err := writeOverlay(overlayDir, file, preview.Snapshot{Frame: frame, Batch: batch}); err != nil {
				return err
			}
		}
	}
	return nil
}

func readImage(path string) (image.Image, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", path)
	}
	return img, nil
}

func writeOverlay(dir, source string, snap preview.Snapshot) (err error) {
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + ".overlay.jpg"
	//nolint:gosec
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return jpeg.Encode(f, preview.Render(snap), &jpeg.Options{Quality: 90})
}

// SchemaAction is the corresponding Action for 'schema'.
func SchemaAction(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("an analyzer type is required")
	}
	schemas, err := analyzer.AttributeSchemas(analyzer.Type(name))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(schemas, "", "  ")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", out)
	return nil
}

// TypesAction is the corresponding Action for 'types'.
func TypesAction(c *cli.Context) error {
	for _, t := range analyzer.Types {
		printf(c.App.Writer, "%s", t)
	}
	return nil
}
