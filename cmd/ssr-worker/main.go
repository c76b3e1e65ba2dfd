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
	"github.com/guseggert/ssrbridge/internal/logging"
	"github.com/guseggert/ssrbridge/renderer"
	"github.com/guseggert/ssrbridge/worker"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ssr-worker",
		Usage: "render pages from a JavaScript bundle, one JSON request per line on stdin",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bundle",
				Usage:    "Path to the server-side JavaScript bundle.",
				EnvVars:  []string{"SSR_SERVER_BUNDLE"},
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "render-timeout",
				Usage: "Maximum time for a single render.",
				Value: 10 * time.Second,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. Logs go to stderr.",
				EnvVars: []string{"SSR_LOG_LEVEL"},
				Value:   "info",
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := logging.New(config.LogConfig{Level: cctx.String("log-level")})
			if err != nil {
				return err
			}
			defer logger.Sync()

			r, err := renderer.NewFromFile(cctx.String("bundle"), renderer.WithSize(1), renderer.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("loading bundle: %w", err)
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return worker.Serve(ctx, os.Stdin, os.Stdout, r,
				worker.WithLogger(logger),
				worker.WithRenderTimeout(cctx.Duration("render-timeout")),
			)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
