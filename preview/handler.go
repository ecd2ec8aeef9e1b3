package preview

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"strings"

	"github.com/questvision/visionstream/logging"
)

// PathPrefix is where the handler is mounted; requests are for PathPrefix + "{id}.jpg".
const PathPrefix = "/preview/"

const jpegQuality = 80

// Handler serves the latest rendered frame of a session as a JPEG.
func Handler(store *Store, logger logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, PathPrefix)
		id, ok := strings.CutSuffix(name, ".jpg")
		if !ok || id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		snap, ok := store.Latest(id)
		if !ok || snap.Frame.Empty() {
			http.NotFound(w, r)
			return
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, Render(snap), &jpeg.Options{Quality: jpegQuality}); err != nil {
			logger.Warnw("cannot encode preview", "session", id, "error", err)
			http.Error(w, "cannot encode preview", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		if _, err := w.Write(buf.Bytes()); err != nil {
			logger.Debugw("cannot write preview", "session", id, "error", err)
		}
	})
}
