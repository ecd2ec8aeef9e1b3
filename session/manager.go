package session

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/signaling"
	"github.com/questvision/visionstream/videoproc"
	"github.com/questvision/visionstream/vision/analyzer"
)

// FrameSink receives analyzed frames for display. It is optional.
type FrameSink interface {
	Observer(sessionID string) videoproc.FrameObserver
	Forget(sessionID string)
}

// Manager creates a session for every control channel and keeps the registry of live ones.
type Manager struct {
	engine    engine.Engine
	analyzers analyzer.Factory
	frames    FrameSink
	registry  *Registry
	settings  *atomic.Pointer[Settings]
	logger    logging.Logger
}

// NewManager returns a manager. frames may be nil.
func NewManager(
	eng engine.Engine,
	analyzers analyzer.Factory,
	settings Settings,
	frames FrameSink,
	logger logging.Logger,
) *Manager {
	return &Manager{
		engine:    eng,
		analyzers: analyzers,
		frames:    frames,
		registry:  NewRegistry(),
		settings:  atomic.NewPointer(&settings),
		logger:    logger,
	}
}

// Sessions returns the registry of live sessions.
func (m *Manager) Sessions() *Registry {
	return m.registry
}

// Settings returns the settings new sessions are created with.
func (m *Manager) Settings() Settings {
	return *m.settings.Load()
}

// SetSettings changes the settings for sessions created from now on. Running sessions keep
// theirs.
func (m *Manager) SetSettings(settings Settings) {
	m.settings.Store(&settings)
}

// Serve runs one peer's session over transport until the control channel closes, negotiation
// fails, the connection ends, or ctx is cancelled. The session is always torn down before Serve
// returns. A normal close by the peer returns nil.
func (m *Manager) Serve(ctx context.Context, transport signaling.Transport) error {
	id := uuid.New()
	logger := m.logger.Sublogger(id.String()[:8])

	conn, err := m.engine.NewConnection(ctx)
	if err != nil {
		return errors.Wrap(err, "create connection")
	}
	an, err := m.analyzers(ctx, logger)
	if err != nil {
		utils.UncheckedError(conn.Close())
		return errors.Wrap(err, "create analyzer")
	}

	params := Params{
		ID:         id,
		Transport:  transport,
		Connection: conn,
		Analyzer:   an,
		Settings:   m.Settings(),
		OnClosed: func(s *Session) {
			m.registry.Remove(s.ID().String())
			if m.frames != nil {
				m.frames.Forget(s.ID().String())
			}
		},
	}
	if m.frames != nil {
		params.Observer = m.frames.Observer(id.String())
	}
	sess := New(ctx, params, logger)
	m.registry.Add(sess)
	logger.Infow("peer connected", "remote", transport.RemoteAddr(), "sessions", m.registry.Len())

	defer func() {
		if teardownErr := sess.Teardown(context.Background()); teardownErr != nil {
			logger.Warnw("teardown finished with errors", "error", teardownErr)
		}
	}()

	for {
		raw, err := transport.Receive(sess.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("control channel closed by peer")
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case sess.ctx.Err() != nil:
				// Torn down from elsewhere, e.g. the connection failed.
				return nil
			default:
				logger.Warnw("control channel failed", "error", err)
				return err
			}
		}
		if err := sess.HandleMessage(sess.ctx, raw); err != nil {
			logger.Errorw("ending session", "error", err)
			return err
		}
	}
}

// Close tears down every live session.
func (m *Manager) Close(ctx context.Context) error {
	return m.registry.CloseAll(ctx)
}
