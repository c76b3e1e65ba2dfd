package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/ssrbridge/internal/config"
	"github.com/guseggert/ssrbridge/internal/files"
	"github.com/guseggert/ssrbridge/internal/logging"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/guseggert/ssrbridge/internal/tlsutil"
	"github.com/guseggert/ssrbridge/renderer"
	"github.com/guseggert/ssrbridge/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
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
		Name:  "ssr-server",
		Usage: "the HTTP rendering service for server-side rendered pages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file. Defaults to the nearest " + config.FileName + " above the working directory.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "bundle",
				Usage: "Path to the server-side JavaScript bundle.",
			},
			&cli.IntFlag{
				Name:  "runtimes",
				Usage: "Number of JavaScript runtimes. Defaults to the number of CPUs.",
			},
			&cli.StringFlag{
				Name:  "ca-cert",
				Usage: "CA cert PEM file. With --cert and --key, clients must present a cert signed by it.",
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "Server cert PEM file.",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Server key PEM file.",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload the bundle when it changes.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level.",
			},
		},
		Action: func(cctx *cli.Context) error {
			v := config.New()
			for flag, key := range map[string]string{
				"listen-addr": "server.listen",
				"bundle":      "server.bundle",
				"runtimes":    "server.runtimes",
				"ca-cert":     "server.tls.ca_cert",
				"cert":        "server.tls.cert",
				"key":         "server.tls.key",
				"log-level":   "log.level",
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
			if cfg.Server.Bundle == "" {
				return fmt.Errorf("no bundle configured, set --bundle or server.bundle")
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			r, err := renderer.NewFromFile(cfg.Server.Bundle,
				renderer.WithSize(cfg.Server.Runtimes),
				renderer.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("loading bundle: %w", err)
			}
			defer r.Close()

			tlsConfig, err := tlsutil.LoadServerConfig(cfg.Server.TLS.Files())
			if err != nil {
				return fmt.Errorf("loading TLS config: %w", err)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			opts := []server.Option{
				server.WithListenAddr(cfg.Server.Listen),
				server.WithLogger(logger),
				server.WithMetrics(metrics.New(reg), reg),
			}
			if tlsConfig != nil {
				opts = append(opts, server.WithTLSConfig(tlsConfig))
			}
			s, err := server.New(r, opts...)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cctx.Bool("watch") {
				slog := logger.Sugar()
				err := files.Watch(ctx, cfg.Server.Bundle, 100*time.Millisecond, slog, func() {
					if err := r.ReloadFile(cfg.Server.Bundle); err != nil {
						slog.Warnw("keeping previous bundle", "Error", err)
					}
				})
				if err != nil {
					return err
				}
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.Stop(shutdownCtx); err != nil {
					logger.Sugar().Warnw("stopping server", "Error", err)
				}
			}()

			return s.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
