// Package main provides a benchmark tool for the scheduler to measure intake
// and end-to-end delivery throughput. It submits a large number of tasks due
// immediately and waits until a running worker has delivered all of them.
//
// Usage:
//
//	go run ./benchmark --tasks 100000 --workers 10
package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/intake"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "benchmark",
		Usage: "Measure scheduler throughput against a running worker",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "tasks", Value: 100000, Usage: "number of tasks to submit"},
			&cli.IntFlag{Name: "workers", Value: 10, Usage: "number of concurrent submitters"},
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "give up waiting for delivery after this long"},
		},
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("Benchmark failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger.Setup("warn", true)

	numTasks := c.Int("tasks")
	numWorkers := c.Int("workers")
	if numWorkers < 1 {
		numWorkers = 1
	}

	bus := queue.NewClient(cfg.Redis.Addr, cfg.Pipeline.Partitions)
	defer bus.Close()
	ctx := c.Context

	st, err := store.Open(ctx, cfg.Store, bus.Redis())
	if err != nil {
		return err
	}
	defer st.Close()
	svc := intake.New(st, bus, nil, cfg.Pipeline.Horizon(), nil)

	baseline := bus.Depths(ctx)[queue.DeliveredStream]

	fmt.Printf("Scheduler Benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Tasks to submit: %d\n", numTasks)
	fmt.Printf("Concurrent submitters: %d\n\n", numWorkers)

	// Submit phase
	fmt.Printf("Starting submit phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted atomic.Int64
	tasksPerWorker := numTasks / numWorkers

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				_, err := svc.Create(ctx, intake.Request{
					ScheduledAt: time.Now().UnixMilli(),
					Payload:     fmt.Sprintf("benchmark %d/%d", workerID, j),
					CreatedBy:   "benchmark",
				})
				if err != nil {
					fmt.Printf("Error submitting: %v\n", err)
					return
				}
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(startSubmit)
	total := submitted.Load()

	fmt.Printf("Submitted %d tasks in %s\n", total, submitTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(total)/submitTime.Seconds())

	// Wait for delivery
	fmt.Printf("Waiting for all tasks to be delivered...\n")
	startDeliver := time.Now()
	deadline := startDeliver.Add(c.Duration("timeout"))

	for {
		delivered := bus.Depths(ctx)[queue.DeliveredStream] - baseline
		if delivered >= total {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out with %d of %d tasks delivered", delivered, total)
		}

		// Print progress every 2 seconds
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", total-delivered)
	}

	deliverTime := time.Since(startDeliver)

	fmt.Printf("\nAll tasks delivered in %s\n", deliverTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(total)/deliverTime.Seconds())

	totalTime := submitTime + deliverTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(total)/totalTime.Seconds())
	return nil
}
