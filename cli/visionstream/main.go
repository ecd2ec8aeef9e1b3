// Package main is the offline analysis command.
package main

import (
	"log"
	"os"

	"github.com/questvision/visionstream/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
