// Package server implements the entry point for running the stream server.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/questvision/visionstream/config"
	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/preview"
	"github.com/questvision/visionstream/session"
	"github.com/questvision/visionstream/signaling"
	"github.com/questvision/visionstream/vision/analyzer"
	"github.com/questvision/visionstream/web"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile     string `flag:"config,usage=JSON config file; defaults are used when omitted"`
	Host           string `flag:"host,usage=address to listen on"`
	Port           int    `flag:"port,usage=port to listen on"`
	Analyzer       string `flag:"analyzer,usage=frame analyzer (none, simple, color, remote)"`
	LogInterval    int    `flag:"log-interval,usage=analyzed frames between throughput reports"`
	NoFlipVertical bool   `flag:"no-flip-vertical,usage=do not flip frames vertically"`
	FlipHorizontal bool   `flag:"flip-horizontal,usage=flip frames horizontally"`
	Rotate180      bool   `flag:"rotate-180,usage=rotate frames by 180 degrees; overrides the flips"`
	STUNServerURL  string `flag:"stun,usage=STUN server url"`
	NoDisplay      bool   `flag:"no-display,usage=disable frame previews"`
	Debug          bool   `flag:"debug"`
	LogFile        string `flag:"log-file,usage=also write logs to this size rotated file"`
	WebProfile     bool   `flag:"webprofile,usage=include profiler in http server"`
}

func (args Arguments) overrides() config.Overrides {
	return config.Overrides{
		Host:           args.Host,
		Port:           args.Port,
		Analyzer:       args.Analyzer,
		LogInterval:    args.LogInterval,
		STUNServerURL:  args.STUNServerURL,
		FlipHorizontal: args.FlipHorizontal,
		Rotate180:      args.Rotate180,
		NoFlipVertical: args.NoFlipVertical,
		NoDisplay:      args.NoDisplay,
	}
}

// RunServer is an entry point to starting the stream server that can be called by main or
// otherwise be used to initialize the server.
func RunServer(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logging.GlobalLogLevel.SetLevel(zap.DebugLevel)
	}
	if argsParsed.LogFile != "" {
		appender := logging.NewFileAppender(argsParsed.LogFile)
		logger.AddAppender(appender)
		defer utils.UncheckedErrorFunc(appender.Close)
	}

	cfg, err := loadConfig(argsParsed)
	if err != nil {
		return err
	}

	srv, err := New(cfg, web.Options{Pprof: argsParsed.WebProfile}, logger)
	if err != nil {
		return err
	}

	var watcher config.Watcher
	if argsParsed.ConfigFile != "" {
		watcher, err = config.NewWatcher(ctx, argsParsed.ConfigFile, argsParsed.overrides(), 0, logger.Sublogger("config"))
		if err != nil {
			return err
		}
		defer utils.UncheckedErrorFunc(watcher.Close)
	}

	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", cfg.Address())
	}
	if err := srv.Serve(ctx, listener, watcher); err != nil {
		logger.Errorw("error serving", "error", err)
		return err
	}
	return nil
}

func loadConfig(args Arguments) (*config.Config, error) {
	return config.Load(args.ConfigFile, args.overrides())
}

// Server wires the engine, session manager and HTTP surface for one configuration.
type Server struct {
	cfg      *config.Config
	manager  *session.Manager
	previews *preview.Store
	handler  http.Handler
	options  web.Options
	logger   logging.Logger
}

// New builds a server. An unknown analyzer type fails here, before anything listens.
func New(cfg *config.Config, options web.Options, logger logging.Logger) (*Server, error) {
	factory, err := analyzer.NewFactory(cfg.Analyzer)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewPionEngine(cfg.EngineConfig(), logger.Sublogger("engine"))
	if err != nil {
		return nil, err
	}
	return newServer(cfg, eng, factory, options, logger), nil
}

func newServer(
	cfg *config.Config,
	eng engine.Engine,
	factory analyzer.Factory,
	options web.Options,
	logger logging.Logger,
) *Server {
	srv := &Server{cfg: cfg, options: options, logger: logger}

	// A nil *preview.Store must not reach the manager as a non-nil FrameSink.
	var frames session.FrameSink
	if cfg.EnableDisplay {
		srv.previews = preview.NewStore()
		frames = srv.previews
		srv.options.Previews = srv.previews
	}
	srv.manager = session.NewManager(eng, factory, cfg.SessionSettings(), frames, logger.Sublogger("session"))

	signalingHandler := signaling.NewHandler(cfg.SignalingOptions(), func(ctx context.Context, transport signaling.Transport) {
		if err := srv.manager.Serve(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debugw("session ended with error", "remote", transport.RemoteAddr(), "error", err)
		}
	}, logger.Sublogger("signaling"))
	srv.handler = web.NewHandler(srv.manager.Sessions(), signalingHandler, srv.options, logger)
	return srv
}

// Handler is the server's HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.handler
}

// Manager is the server's session manager.
func (srv *Server) Manager() *session.Manager {
	return srv.manager
}

// Serve runs until ctx is done or the HTTP server fails. Config changes from watcher, which may
// be nil, apply to sessions created afterwards. Every session is torn down before Serve returns.
func (srv *Server) Serve(ctx context.Context, listener net.Listener, watcher config.Watcher) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return web.RunWeb(groupCtx, listener, srv.handler, srv.options, srv.logger)
	})
	if watcher != nil {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case cfg := <-watcher.Config():
					srv.applyConfig(cfg)
				}
			}
		})
	}
	err := group.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), web.DefaultShutdownTimeout)
	defer cancel()
	if closeErr := srv.manager.Close(closeCtx); closeErr != nil {
		srv.logger.Warnw("error closing sessions", "error", closeErr)
	}
	return err
}

// applyConfig takes the parts of a reloaded config that can change at runtime. The rest needs a
// restart and is only reported.
func (srv *Server) applyConfig(cfg *config.Config) {
	srv.manager.SetSettings(cfg.SessionSettings())
	srv.logger.Infow("config reloaded; applies to new sessions",
		"correction", cfg.Correction(), "log_interval", cfg.LogInterval)

	restart := []string{}
	if cfg.Address() != srv.cfg.Address() {
		restart = append(restart, "host/port")
	}
	if cfg.STUNServerURL != srv.cfg.STUNServerURL || cfg.PLIInterval != srv.cfg.PLIInterval ||
		cfg.PionLogLevel != srv.cfg.PionLogLevel {
		restart = append(restart, "webrtc")
	}
	if cfg.PingInterval != srv.cfg.PingInterval || cfg.PingTimeout != srv.cfg.PingTimeout {
		restart = append(restart, "signaling")
	}
	if !analyzerConfigEqual(cfg.Analyzer, srv.cfg.Analyzer) {
		restart = append(restart, "analyzer")
	}
	if cfg.EnableDisplay != srv.cfg.EnableDisplay {
		restart = append(restart, "enable_display")
	}
	if len(restart) > 0 {
		srv.logger.Warnw("some config changes need a restart to take effect", "changed", restart)
	}
}

func analyzerConfigEqual(a, b analyzer.Config) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}
