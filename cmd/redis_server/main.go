// Package main runs an in-memory Redis for local development of the
// scheduler, so the server and worker can be started without a real Redis.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "redis-server",
		Usage: "In-memory Redis for local development",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "127.0.0.1:6379",
				Usage:   "listen address",
				EnvVars: []string{"REDIS_ADDR"},
			},
		},
		Action: func(c *cli.Context) error {
			s := miniredis.NewMiniRedis()
			if err := s.StartAddr(c.String("addr")); err != nil {
				return err
			}
			defer s.Close()

			logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

			// Wait for interrupt signal to gracefully shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Log.Info().Msg("Shutting down MiniRedis...")
			return nil
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start miniredis")
	}
}
