// Package main implements the task scheduler HTTP API server.
// The server accepts task submissions, serves task queries and exposes the
// admin endpoints of the pipeline (cancel, outcome reports, manual scan,
// stream inspection).
//
// Usage:
//
//	go run ./cmd/server --config config.yaml --addr :8081
//
// Configuration is read from the optional YAML file, a .env file and the
// environment (REDIS_ADDR, STORE_DRIVER, API_KEY, ...).
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/api"
	"github.com/guido-cesarano/taskscheduler/pkg/app"
	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/intake"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "taskscheduler-server",
		Usage: "HTTP intake and admin API of the task scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides http.addr",
			},
		},
		Action: run,
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	logger.Setup(cfg.LogLevel, !cfg.Production())

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	svc := intake.New(deps.Store, deps.Bus, deps.Scanner(), cfg.Pipeline.Horizon(), deps.Metrics)

	if cfg.HTTP.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	handler := api.NewServer(svc, api.Options{
		APIKey:         cfg.HTTP.APIKey,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Gatherer:       deps.Registry,
	})

	go deps.CollectDepths(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	err = app.Serve(ctx, srv)
	logger.Log.Info().Msg("Server stopped")
	return err
}
