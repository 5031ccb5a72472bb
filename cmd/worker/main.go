// Package main implements the task scheduler worker process.
// The worker runs the pipeline stages against Redis and tracks metrics.
//
// Features:
//   - One scheduling engine per owned dispatch partition
//   - Delivery stage fanning scheduled tasks out to the delivered bus
//   - Outcome stage applying execution reports, with delayed retries
//   - Daily bucket scan on a cron schedule
//   - Prometheus metrics exposed on :8080/metrics
//
// Usage:
//
//	go run ./cmd/worker run
//	go run ./cmd/worker scan --day 2024-03-01
//
// Graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskscheduler/pkg/app"
	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "taskscheduler-worker",
		Usage: "Scheduling pipeline worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			scanCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("Worker failed")
	}
}

func load(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	logger.Setup(cfg.LogLevel, !cfg.Production())
	return cfg, nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run engines, delivery, outcome and the daily scan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "name",
				Usage:   "consumer name; a stable name re-reads its own pending entries at once, others are reclaimed after claim_idle",
				EnvVars: []string{"WORKER_NAME"},
			},
			&cli.BoolFlag{
				Name:  "no-scan",
				Usage: "do not register the daily bucket scan",
			},
		},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := load(c)
	if err != nil {
		return err
	}

	name := c.String("name")
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	engines, err := deps.Engines(name)
	if err != nil {
		return err
	}

	// Start Prometheus metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", deps.MetricsHandler())
	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	var wg sync.WaitGroup
	spawn := func(what string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Log.Error().Err(err).Str("stage", what).Msg("Stage exited with error")
				stop()
			}
		}()
	}

	for _, e := range engines {
		spawn("engine", e.Run)
	}
	spawn("delivery", deps.Delivery(name).Run)
	spawn("outcome", deps.Outcome(name).Run)
	spawn("metrics", func(ctx context.Context) error { return app.Serve(ctx, metricsSrv) })

	wg.Add(2)
	go func() {
		defer wg.Done()
		deps.Bus.StartRetryMover(ctx, cfg.Pipeline.RetryPollInterval)
	}()
	go func() {
		defer wg.Done()
		deps.CollectDepths(ctx)
	}()

	if !c.Bool("no-scan") {
		sc := deps.Scanner()
		if err := sc.Start(ctx); err != nil {
			stop()
			wg.Wait()
			return err
		}
		defer sc.Stop()
	}

	logger.Log.Info().
		Str("name", name).
		Ints("partitions", cfg.Pipeline.Owned()).
		Msg("Worker started")

	<-ctx.Done()
	logger.Log.Info().Msg("Shutting down worker...")
	wg.Wait()
	return nil
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Scan one day's bucket once and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "day",
				Usage: "UTC day to scan (YYYY-MM-DD), defaults to today",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := load(c)
			if err != nil {
				return err
			}

			day := time.Now().UTC()
			if v := c.String("day"); v != "" {
				day, err = time.Parse(time.DateOnly, v)
				if err != nil {
					return fmt.Errorf("invalid --day %q: %w", v, err)
				}
			}

			deps, err := app.New(c.Context, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			sum, err := deps.Scanner().Run(c.Context, day)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "bucket %d: %d batches, %d published, %d failed, %d flagged in %s\n",
				sum.BucketID, sum.Batches, sum.Succeeded, sum.Failed, sum.Flagged, sum.Duration)
			return nil
		},
	}
}
