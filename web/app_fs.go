package web

import "embed"

// AppFS holds the status page that lists live sessions and their previews.
//
//go:embed static
var AppFS embed.FS
