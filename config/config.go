// Package config defines the stream server's configuration, how it is read from disk, and how
// changes to the file are picked up while the server runs.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/questvision/visionstream/engine"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/session"
	"github.com/questvision/visionstream/signaling"
	"github.com/questvision/visionstream/videoproc"
	"github.com/questvision/visionstream/vision/analyzer"
)

// Defaults used when a field is absent from the file.
const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 3000
	DefaultSTUNServerURL = "stun:stun.l.google.com:19302"
	DefaultPionLogLevel  = "warn"
	DefaultPLIInterval   = time.Second
)

// Config is the full server configuration.
type Config struct {
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	EnableDisplay  bool            `json:"enable_display"`
	LogInterval    int             `json:"log_interval"`
	FlipVertical   bool            `json:"flip_vertical"`
	FlipHorizontal bool            `json:"flip_horizontal"`
	Rotate180      bool            `json:"rotate_180"`
	STUNServerURL  string          `json:"stun_server_url"`
	Analyzer       analyzer.Config `json:"analyzer"`
	PingInterval   time.Duration   `json:"ping_interval"`
	PingTimeout    time.Duration   `json:"ping_timeout"`
	TeardownGrace  time.Duration   `json:"teardown_grace"`
	PLIInterval    time.Duration   `json:"pli_interval"`
	PionLogLevel   string          `json:"pion_log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	ws := signaling.DefaultOptions()
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		EnableDisplay: true,
		LogInterval:   videoproc.DefaultLogInterval,
		FlipVertical:  true,
		STUNServerURL: DefaultSTUNServerURL,
		Analyzer:      analyzer.Config{Type: analyzer.TypeSimple},
		PingInterval:  ws.PingInterval,
		PingTimeout:   ws.PingTimeout,
		TeardownGrace: session.DefaultTeardownGrace,
		PLIInterval:   DefaultPLIInterval,
		PionLogLevel:  DefaultPionLogLevel,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Host == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "host")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return utils.NewConfigValidationError(path, errors.Errorf("port must be between 1 and 65535, got %d", cfg.Port))
	}
	if cfg.LogInterval <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("log_interval must be positive, got %d", cfg.LogInterval))
	}
	if _, err := cfg.EngineConfig().ICEServers(); err != nil {
		return utils.NewConfigValidationError(path, errors.Wrap(err, "stun_server_url"))
	}
	for name, d := range map[string]time.Duration{
		"ping_interval":  cfg.PingInterval,
		"ping_timeout":   cfg.PingTimeout,
		"teardown_grace": cfg.TeardownGrace,
	} {
		if d <= 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if cfg.PLIInterval < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("pli_interval must be >= 0, got %s", cfg.PLIInterval))
	}
	if _, err := logging.LevelFromString(cfg.PionLogLevel); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return cfg.Analyzer.Validate(fmt.Sprintf("%s.analyzer", path))
}

// Address is the host:port the HTTP server listens on.
func (cfg *Config) Address() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// Correction returns the geometric correction applied to incoming frames.
func (cfg *Config) Correction() videoproc.Correction {
	return videoproc.Correction{
		FlipVertical:   cfg.FlipVertical,
		FlipHorizontal: cfg.FlipHorizontal,
		Rotate180:      cfg.Rotate180,
	}
}

// SessionSettings returns the per-session settings derived from the config.
func (cfg *Config) SessionSettings() session.Settings {
	return session.Settings{
		Correction:    cfg.Correction(),
		LogInterval:   cfg.LogInterval,
		TeardownGrace: cfg.TeardownGrace,
	}
}

// EngineConfig returns the WebRTC engine config. An unparseable pion_log_level falls back to
// WARN; Validate reports it.
func (cfg *Config) EngineConfig() engine.Config {
	level, err := logging.LevelFromString(cfg.PionLogLevel)
	if err != nil {
		level = logging.WARN
	}
	return engine.Config{
		STUNServerURL: cfg.STUNServerURL,
		PLIInterval:   cfg.PLIInterval,
		LogLevel:      level,
	}
}

// SignalingOptions returns the websocket keepalive settings.
func (cfg *Config) SignalingOptions() signaling.Options {
	opts := signaling.DefaultOptions()
	opts.PingInterval = cfg.PingInterval
	opts.PingTimeout = cfg.PingTimeout
	return opts
}

// Overrides are command line values applied over the file. Zero values mean "not given"; boolean
// flags only ever switch a setting away from its default.
type Overrides struct {
	Host           string
	Port           int
	Analyzer       string
	LogInterval    int
	STUNServerURL  string
	FlipHorizontal bool
	Rotate180      bool
	NoFlipVertical bool
	NoDisplay      bool
}

// Apply writes the given overrides onto cfg. Changing the analyzer type drops the file's
// attributes, since they belong to the old variant.
func (o Overrides) Apply(cfg *Config) {
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}
	if o.Analyzer != "" && analyzer.Type(o.Analyzer) != cfg.Analyzer.Type {
		cfg.Analyzer = analyzer.Config{Type: analyzer.Type(o.Analyzer)}
	}
	if o.LogInterval != 0 {
		cfg.LogInterval = o.LogInterval
	}
	if o.STUNServerURL != "" {
		cfg.STUNServerURL = o.STUNServerURL
	}
	if o.FlipHorizontal {
		cfg.FlipHorizontal = true
	}
	if o.Rotate180 {
		cfg.Rotate180 = true
	}
	if o.NoFlipVertical {
		cfg.FlipVertical = false
	}
	if o.NoDisplay {
		cfg.EnableDisplay = false
	}
}
