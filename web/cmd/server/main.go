// Package main runs the stream server: websocket signaling, WebRTC ingest and per-frame analysis
// for headset clients.
package main

import (
	"go.viam.com/utils"

	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/web/server"
)

var logger = logging.NewLogger("visionstream")

func main() {
	utils.ContextualMain(server.RunServer, logger)
}
