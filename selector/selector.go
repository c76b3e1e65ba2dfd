// Package selector chooses and caches the render engine for a configuration.
package selector

import (
	"fmt"
	"strings"
	"sync"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/engine/procpool"
	"github.com/guseggert/ssrbridge/engine/remote"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"go.uber.org/zap"
)

const (
	Streaming   = "streaming"
	ProcessPool = "process-pool"
)

type Config struct {
	// Engine is Streaming or ProcessPool. Empty means Streaming.
	Engine string
	Remote remote.Config
	Pool   procpool.Config
}

type Selector struct {
	Logger *zap.SugaredLogger

	zapLogger *zap.Logger
	metrics   *metrics.Metrics

	mut    sync.Mutex
	cfg    Config
	engine engine.Engine
}

type Option func(s *Selector)

func WithLogger(l *zap.Logger) Option {
	return func(s *Selector) {
		s.zapLogger = l
		s.Logger = l.Named("selector").Sugar()
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Selector) {
		s.metrics = m
	}
}

func New(cfg Config, opts ...Option) *Selector {
	s := &Selector{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.zapLogger == nil {
		s.zapLogger = zap.NewNop()
		s.Logger = s.zapLogger.Sugar()
	}
	return s
}

// Engine returns the engine for the current configuration, building it on first use.
// A configuration that cannot produce an engine yields engine.Disabled, which is cached too.
func (s *Selector) Engine() engine.Engine {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.engine == nil {
		s.engine = s.build(s.cfg)
	}
	return s.engine
}

func (s *Selector) build(cfg Config) engine.Engine {
	name := strings.ToLower(strings.TrimSpace(cfg.Engine))
	switch name {
	case "", Streaming:
	case ProcessPool:
		return s.buildPool(cfg.Pool)
	default:
		s.Logger.Warnw("unknown engine, using streaming", "Engine", cfg.Engine)
	}
	return s.buildRemote(cfg.Remote)
}

func (s *Selector) buildRemote(cfg remote.Config) engine.Engine {
	if cfg.URL == "" {
		s.Logger.Infow("no rendering service URL configured, SSR disabled")
		return engine.Disabled{Reason: "no rendering service URL configured"}
	}
	e, err := remote.New(cfg, remote.WithLogger(s.zapLogger), remote.WithMetrics(s.metrics))
	if err != nil {
		s.Logger.Errorw("building streaming engine, SSR disabled", "Error", err)
		return engine.Disabled{Reason: fmt.Sprintf("building streaming engine: %s", err)}
	}
	s.Logger.Infow("using streaming engine", "URL", cfg.URL)
	return e
}

func (s *Selector) buildPool(cfg procpool.Config) engine.Engine {
	if cfg.Command == "" {
		s.Logger.Infow("no worker command configured, SSR disabled")
		return engine.Disabled{Reason: "no worker command configured"}
	}
	p, err := procpool.New(cfg, procpool.WithLogger(s.zapLogger), procpool.WithMetrics(s.metrics))
	if err != nil {
		s.Logger.Errorw("building process pool, SSR disabled", "Error", err)
		return engine.Disabled{Reason: fmt.Sprintf("building process pool: %s", err)}
	}
	s.Logger.Infow("using process pool engine", "Command", cfg.Command, "Size", p.Stats().Size)
	return p
}

// Reset closes and drops the cached engine. The next call to Engine builds a fresh one.
func (s *Selector) Reset() error {
	s.mut.Lock()
	e := s.engine
	s.engine = nil
	s.mut.Unlock()
	if e == nil {
		return nil
	}
	return e.Close()
}

// Reconfigure replaces the configuration and resets the cached engine.
func (s *Selector) Reconfigure(cfg Config) error {
	s.mut.Lock()
	s.cfg = cfg
	e := s.engine
	s.engine = nil
	s.mut.Unlock()
	if e == nil {
		return nil
	}
	return e.Close()
}

func (s *Selector) Close() error {
	return s.Reset()
}
