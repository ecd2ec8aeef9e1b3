// Package cli contains the offline analysis tool. It runs a configured frame analyzer over image
// files, exactly as a session would after geometric correction, so analyzer attributes can be
// tuned without a headset.
package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
)

// Flags.
const (
	flagConfig         = "config"
	flagAnalyzer       = "analyzer"
	flagAttributes     = "attributes"
	flagNoFlipVertical = "no-flip-vertical"
	flagFlipHorizontal = "flip-horizontal"
	flagRotate180      = "rotate-180"
	flagOverlayDir     = "overlay-dir"
	flagDebug          = "debug"
)

var app = &cli.App{
	Name:            "visionstream",
	Usage:           "run frame analyzers offline",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load analyzer and correction settings from server config `FILE`",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "analyze",
			Usage:     "analyze image files and print one detections message per image",
			UsageText: "visionstream analyze [options] <image> [<image>...]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  flagAnalyzer,
					Usage: "analyzer type; overrides the config file",
				},
				&cli.StringFlag{
					Name:  flagAttributes,
					Usage: "analyzer attributes as a JSON object; replaces the config file's",
				},
				&cli.BoolFlag{
					Name:  flagNoFlipVertical,
					Usage: "do not flip images vertically",
				},
				&cli.BoolFlag{
					Name:  flagFlipHorizontal,
					Usage: "flip images horizontally",
				},
				&cli.BoolFlag{
					Name:  flagRotate180,
					Usage: "rotate images by 180 degrees; overrides the flips",
				},
				&cli.StringFlag{
					Name:  flagOverlayDir,
					Usage: "also write each corrected image with its detections drawn into `DIR`",
				},
			},
			Action: AnalyzeAction,
		},
		{
			Name:      "schema",
			Usage:     "print the JSON schema of an analyzer's attributes",
			UsageText: "visionstream schema <analyzer type>",
			Action:    SchemaAction,
		},
		{
			Name:   "types",
			Usage:  "list analyzer types",
			Action: TypesAction,
		},
	},
}

// NewApp returns the CLI application writing to the given outputs.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

// printf prints a message with a newline.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
