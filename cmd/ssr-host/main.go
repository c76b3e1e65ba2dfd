package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/ssrbridge/engine/remote"
	"github.com/guseggert/ssrbridge/forwarder"
	"github.com/guseggert/ssrbridge/host"
	"github.com/guseggert/ssrbridge/internal/config"
	"github.com/guseggert/ssrbridge/internal/files"
	"github.com/guseggert/ssrbridge/internal/logging"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/guseggert/ssrbridge/selector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func configFile(cctx *cli.Context) (string, error) {
	if p := cctx.String("config"); p != "" {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.Discover(wd)
}

func main() {
	app := &cli.App{
		Name:  "ssr-host",
		Usage: "serve an HTML shell with server-side rendered content streamed in",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file. Defaults to the nearest " + config.FileName + " above the working directory. It is watched and reloaded when it changes.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "template",
				Usage: "Path to the HTML shell containing <!-- SSR_HEAD --> and <!-- SSR_BODY -->.",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Render engine. One of [streaming,process-pool].",
			},
			&cli.StringFlag{
				Name:  "remote-url",
				Usage: "Base URL of the rendering service, for the streaming engine.",
			},
			&cli.StringFlag{
				Name:  "worker-command",
				Usage: "Worker command, for the process-pool engine.",
			},
			&cli.BoolFlag{
				Name:  "buffered-fallback",
				Usage: "Try a buffered render when a stream does not start.",
			},
			&cli.DurationFlag{
				Name:  "wait-for-server",
				Usage: "Wait up to this long for the rendering service to become healthy before serving.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level.",
			},
		},
		Action: func(cctx *cli.Context) error {
			v := config.New()
			for flag, key := range map[string]string{
				"listen-addr":       "host.listen",
				"template":          "host.template",
				"engine":            "engine",
				"remote-url":        "remote.url",
				"worker-command":    "pool.command",
				"buffered-fallback": "host.buffered_fallback",
				"log-level":         "log.level",
			} {
				if cctx.IsSet(flag) {
					v.Set(key, cctx.Value(flag))
				}
			}
			configPath, err := configFile(cctx)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if cfg.Host.Template == "" {
				return errors.New("no template configured, set --template or host.template")
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			slog := logger.Sugar()

			tmpl, err := loadTemplate(cfg.Host.Template, slog)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			selCfg, err := cfg.Selector()
			if err != nil {
				return err
			}
			sel := selector.New(selCfg, selector.WithLogger(logger), selector.WithMetrics(m))
			defer sel.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if d := cctx.Duration("wait-for-server"); d > 0 {
				if e, ok := sel.Engine().(*remote.Engine); ok {
					waitCtx, cancel := context.WithTimeout(ctx, d)
					err := e.WaitForServer(waitCtx)
					cancel()
					if err != nil {
						return fmt.Errorf("waiting for rendering service: %w", err)
					}
				}
			}

			if err := files.Watch(ctx, cfg.Host.Template, 100*time.Millisecond, slog, func() {
				b, err := os.ReadFile(cfg.Host.Template)
				if err != nil {
					slog.Warnw("keeping previous template", "Error", err)
					return
				}
				if _, err := warnTemplate(string(b), slog); err != nil {
					slog.Warnw("keeping previous template", "Error", err)
					return
				}
				tmpl.Set(string(b))
			}); err != nil {
				return err
			}
			fwd := forwarder.New(sel, cfg.Forwarder(), forwarder.WithLogger(logger), forwarder.WithMetrics(m))
			if configPath != "" {
				err := config.Watch(ctx, v, configPath, slog, func(c *config.Config) {
					fwd.Reconfigure(c.Forwarder())
					selCfg, err := c.Selector()
					if err != nil {
						slog.Warnw("keeping previous engine", "Error", err)
						return
					}
					if err := sel.Reconfigure(selCfg); err != nil {
						slog.Warnw("closing previous engine", "Error", err)
					}
				})
				if err != nil {
					return err
				}
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.Handle("/", host.New(fwd, tmpl.Func(), host.WithLogger(logger), host.WithMetrics(m)))

			srv := &http.Server{Addr: cfg.Host.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			slog.Infow("serving", "Addr", cfg.Host.Listen, "Engine", cfg.Engine)
			err = srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadTemplate(path string, log *zap.SugaredLogger) (*host.Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	if _, err := warnTemplate(string(b), log); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return host.NewTemplate(string(b)), nil
}
