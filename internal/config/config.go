// Package config loads ssrbridge configuration from a YAML file and SSR_ environment
// variables using Viper. Environment variables use the key path with dots replaced by
// underscores, e.g. SSR_REMOTE_URL or SSR_POOL_SIZE.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/ssrbridge/engine/procpool"
	"github.com/guseggert/ssrbridge/engine/remote"
	"github.com/guseggert/ssrbridge/forwarder"
	"github.com/guseggert/ssrbridge/internal/files"
	"github.com/guseggert/ssrbridge/internal/tlsutil"
	"github.com/guseggert/ssrbridge/selector"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvPrefix = "SSR"
	// FileName is looked for in the working directory and its parents when no file is given.
	FileName = "ssr.yaml"
)

type Config struct {
	// Engine is "streaming" or "process-pool".
	Engine string       `mapstructure:"engine"`
	Remote RemoteConfig `mapstructure:"remote"`
	Pool   PoolConfig   `mapstructure:"pool"`
	Host   HostConfig   `mapstructure:"host"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type TLSConfig struct {
	CACert string `mapstructure:"ca_cert"`
	Cert   string `mapstructure:"cert"`
	Key    string `mapstructure:"key"`
}

func (t TLSConfig) Files() tlsutil.Files {
	return tlsutil.Files{CACert: t.CACert, Cert: t.Cert, Key: t.Key}
}

type RemoteConfig struct {
	URL            string        `mapstructure:"url"`
	RenderPath     string        `mapstructure:"render_path"`
	StreamPath     string        `mapstructure:"stream_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	RetryMax       int           `mapstructure:"retry_max"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

type PoolConfig struct {
	Size            int           `mapstructure:"size"`
	Command         string        `mapstructure:"command"`
	Args            []string      `mapstructure:"args"`
	Env             []string      `mapstructure:"env"`
	Dir             string        `mapstructure:"dir"`
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout"`
	RenderTimeout   time.Duration `mapstructure:"render_timeout"`
	Lazy            bool          `mapstructure:"lazy"`
}

type HostConfig struct {
	Listen           string        `mapstructure:"listen"`
	Template         string        `mapstructure:"template"`
	BufferedFallback bool          `mapstructure:"buffered_fallback"`
	FallbackTimeout  time.Duration `mapstructure:"fallback_timeout"`
}

type ServerConfig struct {
	Listen        string        `mapstructure:"listen"`
	Bundle        string        `mapstructure:"bundle"`
	Runtimes      int           `mapstructure:"runtimes"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
	TLS           TLSConfig     `mapstructure:"tls"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine", selector.Streaming)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.render_path", "/")
	v.SetDefault("remote.stream_path", "/stream")
	v.SetDefault("remote.connect_timeout", 2*time.Second)
	v.SetDefault("remote.read_timeout", 10*time.Second)
	v.SetDefault("remote.retry_max", 0)
	v.SetDefault("remote.tls.ca_cert", "")
	v.SetDefault("remote.tls.cert", "")
	v.SetDefault("remote.tls.key", "")

	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.command", "")
	v.SetDefault("pool.args", []string{})
	v.SetDefault("pool.env", []string{})
	v.SetDefault("pool.dir", "")
	v.SetDefault("pool.checkout_timeout", 5*time.Second)
	v.SetDefault("pool.render_timeout", 10*time.Second)
	v.SetDefault("pool.lazy", false)

	v.SetDefault("host.listen", "127.0.0.1:8080")
	v.SetDefault("host.template", "")
	v.SetDefault("host.buffered_fallback", false)
	v.SetDefault("host.fallback_timeout", 5*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:13714")
	v.SetDefault("server.bundle", "")
	v.SetDefault("server.runtimes", 0)
	v.SetDefault("server.render_timeout", 10*time.Second)
	v.SetDefault("server.tls.ca_cert", "")
	v.SetDefault("server.tls.cert", "")
	v.SetDefault("server.tls.key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// New returns a Viper instance with defaults and environment binding but no file.
// Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if not empty, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

// Discover returns the nearest FileName at or above dir, or "" if there is none.
func Discover(dir string) (string, error) {
	p, err := files.FindUp(FileName, dir)
	if errors.Is(err, files.ErrNotFound) {
		return "", nil
	}
	return p, err
}

// LoadFile is Load with a fresh Viper instance.
func LoadFile(path string) (*Config, error) {
	return Load(New(), path)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Pool.Size < 0 {
		errs = append(errs, fmt.Errorf("pool.size must not be negative, got %d", c.Pool.Size))
	}
	if c.Remote.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("remote.retry_max must not be negative, got %d", c.Remote.RetryMax))
	}
	for name, d := range map[string]time.Duration{
		"remote.connect_timeout": c.Remote.ConnectTimeout,
		"remote.read_timeout":    c.Remote.ReadTimeout,
		"pool.checkout_timeout":  c.Pool.CheckoutTimeout,
		"pool.render_timeout":    c.Pool.RenderTimeout,
		"host.fallback_timeout":  c.Host.FallbackTimeout,
		"server.render_timeout":  c.Server.RenderTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	for _, t := range []TLSConfig{c.Remote.TLS, c.Server.TLS} {
		if !t.Files().Empty() && (t.CACert == "" || t.Cert == "" || t.Key == "") {
			errs = append(errs, errors.New("tls needs all of ca_cert, cert and key"))
		}
	}
	return errors.Join(errs...)
}

// Selector converts the engine settings, loading TLS files if configured.
func (c *Config) Selector() (selector.Config, error) {
	tlsConfig, err := tlsutil.LoadClientConfig(c.Remote.TLS.Files())
	if err != nil {
		return selector.Config{}, fmt.Errorf("loading remote TLS config: %w", err)
	}
	return selector.Config{
		Engine: c.Engine,
		Remote: remote.Config{
			URL:            c.Remote.URL,
			RenderPath:     c.Remote.RenderPath,
			StreamPath:     c.Remote.StreamPath,
			ConnectTimeout: c.Remote.ConnectTimeout,
			ReadTimeout:    c.Remote.ReadTimeout,
			RetryMax:       c.Remote.RetryMax,
			TLSConfig:      tlsConfig,
		},
		Pool: procpool.Config{
			Size:            c.Pool.Size,
			Command:         c.Pool.Command,
			Args:            c.Pool.Args,
			Env:             c.Pool.Env,
			Dir:             c.Pool.Dir,
			CheckoutTimeout: c.Pool.CheckoutTimeout,
			RenderTimeout:   c.Pool.RenderTimeout,
			Lazy:            c.Pool.Lazy,
		},
	}, nil
}

func (c *Config) Forwarder() forwarder.Config {
	return forwarder.Config{
		BufferedFallback: c.Host.BufferedFallback,
		FallbackTimeout:  c.Host.FallbackTimeout,
	}
}

// Watch reloads path into v whenever it changes and passes each valid result to onChange.
// Invalid files are logged and skipped, the previous configuration stays in effect.
func Watch(ctx context.Context, v *viper.Viper, path string, log *zap.SugaredLogger, onChange func(*Config)) error {
	return files.Watch(ctx, path, 100*time.Millisecond, log, func() {
		c, err := Load(v, path)
		if err != nil {
			log.Warnw("ignoring invalid configuration", "Path", path, "Error", err)
			return
		}
		log.Infow("configuration reloaded", "Path", path)
		onChange(c)
	})
}
