// Package main implements the DPQ scheduler process: it periodically
// promotes due delayed tasks to runnable on one or more named queues.
// Running it separately from the worker process lets a deployment scale
// workers and the scheduler independently, or run several scheduler
// replicas pointed at different queues.
//
// Usage:
//
//	go run ./cmd/scheduler queue-a queue-b
//
// If no queue names are given, it schedules the "default" queue.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quatrix/dpq"
	"github.com/quatrix/dpq/pkg/config"
	"github.com/quatrix/dpq/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	interval := flag.Duration("interval", time.Second, "how often to promote due delayed tasks")
	flag.Parse()

	queues := flag.Args()
	if len(queues) == 0 {
		queues = []string{"default"}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down scheduler...")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, name := range queues {
		q, err := dpq.Open(ctx, rdb, name,
			dpq.WithDefaultVisibility(cfg.DefaultVisibility),
			dpq.WithDefaultRetries(cfg.DefaultRetries),
		)
		if err != nil {
			logger.Log.Fatal().Err(err).Str("queue", name).Msg("failed to open queue")
		}

		logger.Log.Info().Str("queue", name).Dur("interval", *interval).Msg("scheduling queue")

		wg.Add(1)
		go func(q *dpq.Queue) {
			defer wg.Done()
			q.RunScheduler(ctx, *interval)
		}(q)
	}

	wg.Wait()
}
