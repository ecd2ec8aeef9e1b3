package signaling

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/questvision/visionstream/logging"
)

// maxMessageSize bounds one signaling message. SDP offers with many codecs stay well under it.
const maxMessageSize = 1 << 20

// Options tune the websocket keepalive.
type Options struct {
	// PingInterval is how often a ping is sent. The read deadline is PingInterval+PingTimeout, so
	// a peer that stops answering pings is dropped.
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the keepalive the original Quest server used: ping every 20s, give up
// after a further 20s.
func DefaultOptions() Options {
	return Options{
		PingInterval: 20 * time.Second,
		PingTimeout:  20 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type wsTransport struct {
	conn   *websocket.Conn
	opts   Options
	logger logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	workers   *utils.StoppableWorkers
}

func newWSTransport(conn *websocket.Conn, opts Options, logger logging.Logger) *wsTransport {
	t := &wsTransport{conn: conn, opts: opts, logger: logger}
	conn.SetReadLimit(maxMessageSize)
	t.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})
	t.workers = utils.NewBackgroundStoppableWorkers(t.pingLoop)
	return t
}

func (t *wsTransport) extendReadDeadline() {
	if t.opts.PingInterval <= 0 {
		return
	}
	utils.UncheckedError(t.conn.SetReadDeadline(time.Now().Add(t.opts.PingInterval + t.opts.PingTimeout)))
}

func (t *wsTransport) pingLoop(ctx context.Context) {
	if t.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.writeMu.Lock()
		err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
		t.writeMu.Unlock()
		if err != nil {
			t.logger.Debugw("websocket ping failed", "remote", t.RemoteAddr(), "error", err)
			return
		}
	}
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// gorilla reads cannot be cancelled directly; expiring the deadline unblocks them.
	stop := context.AfterFunc(ctx, func() {
		utils.UncheckedError(t.conn.SetReadDeadline(time.Now()))
	})
	defer stop()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, &TransportError{Op: "receive", Err: err}
		}
		t.extendReadDeadline()
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.opts.WriteTimeout > 0 {
		utils.UncheckedError(t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close sends a normal close frame and closes the connection. Safe to call more than once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.workers.Stop()
		t.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The peer may already be gone; the close frame is best effort.
		utils.UncheckedError(t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ServeFunc runs one peer's session over its transport. It returns when the session is over.
type ServeFunc func(ctx context.Context, transport Transport)

// Handler upgrades HTTP requests to websockets and hands each one to a ServeFunc.
type Handler struct {
	upgrader websocket.Upgrader
	opts     Options
	serve    ServeFunc
	logger   logging.Logger
}

// NewHandler returns a Handler. Any origin is accepted; the headset app is not a browser page.
func NewHandler(opts Options, serve ServeFunc, logger logging.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts:   opts,
		serve:  serve,
		logger: logger,
	}
}

// ServeHTTP blocks for the whole session. Appending ?debug=true to the URL enables debug logging
// for that connection only.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ctx := r.Context()
	if r.URL.Query().Get("debug") == "true" {
		ctx = logging.EnableDebugMode(ctx, r.RemoteAddr)
	}

	transport := newWSTransport(conn, h.opts, h.logger)
	defer func() {
		if err := transport.Close(); err != nil {
			h.logger.CDebugw(ctx, "error closing websocket", "remote", transport.RemoteAddr(), "error", err)
		}
	}()
	h.serve(ctx, transport)
}

// Dial connects to a signaling endpoint as a peer would.
func Dial(ctx context.Context, url string, opts Options, logger logging.Logger) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		utils.UncheckedError(resp.Body.Close())
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return newWSTransport(conn, opts, logger), nil
}
