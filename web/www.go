// Package web serves the stream server's HTTP surface: websocket signaling, health, session
// stats, frame previews and a small status page.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/preview"
	"github.com/questvision/visionstream/session"
)

// DefaultShutdownTimeout bounds how long in-flight HTTP requests get when the server stops.
const DefaultShutdownTimeout = 5 * time.Second

// Options configure the HTTP surface.
type Options struct {
	// Previews is nil when display is disabled; the preview routes are not mounted then.
	Previews *preview.Store
	// Pprof mounts the profiler under /debug/pprof/.
	Pprof           bool
	ShutdownTimeout time.Duration
}

// NewHandler builds the router. Peers signal on "/" (the path the headset app dials) or "/ws";
// a plain browser request to "/" is sent to the status page instead.
func NewHandler(sessions *session.Registry, signaling http.Handler, options Options, logger logging.Logger) http.Handler {
	mux := goji.NewMux()

	mux.Handle(pat.Get("/ws"), signaling)
	mux.HandleFunc(pat.Get("/"), func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			signaling.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "/status", http.StatusFound)
	})
	mux.HandleFunc(pat.Get("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err := w.Write([]byte("ok"))
		utils.UncheckedError(err)
	})
	mux.Handle(pat.Get("/sessions"), &sessionsHandler{sessions: sessions, logger: logger})
	mux.HandleFunc(pat.Get("/status"), func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, AppFS, "static/index.html")
	})
	if options.Previews != nil {
		mux.Handle(pat.Get(preview.PathPrefix+":name"), preview.Handler(options.Previews, logger))
	}
	if options.Pprof {
		mux.HandleFunc(pat.New("/debug/pprof/"), pprof.Index)
		mux.HandleFunc(pat.New("/debug/pprof/cmdline"), pprof.Cmdline)
		mux.HandleFunc(pat.New("/debug/pprof/profile"), pprof.Profile)
		mux.HandleFunc(pat.New("/debug/pprof/symbol"), pprof.Symbol)
		mux.HandleFunc(pat.New("/debug/pprof/trace"), pprof.Trace)
	}

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}).Handler(mux)
}

type sessionsHandler struct {
	sessions *session.Registry
	logger   logging.Logger
}

func (h *sessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := lo.Map(h.sessions.List(), func(s *session.Session, _ int) session.Stats {
		return s.Stats()
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.logger.Debugw("cannot write session stats", "error", err)
	}
}

// RunWeb serves handler on listener until ctx is done, then shuts the server down. Request
// contexts derive from ctx, so long lived signaling connections end with it too.
func RunWeb(ctx context.Context, listener net.Listener, handler http.Handler, options Options, logger logging.Logger) error {
	shutdownTimeout := options.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	httpServer := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("error shutting down", "error", err)
		}
	})

	logger.Infow("serving", "url", "http://"+listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
