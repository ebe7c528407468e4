// Package main implements the DPQ worker process: a polling consumer
// that pops the highest-priority runnable task, dispatches it by
// envelope type, and acknowledges or extends it depending on the
// outcome.
//
// Features:
//   - Polling pop loop with graceful shutdown
//   - Prometheus metrics exposed on :8080/metrics
//   - Background scheduler promoting delayed tasks
//
// Usage:
//
//	go run ./cmd/worker
//
// The worker connects to Redis per pkg/config and exposes metrics on :8080.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quatrix/dpq"
	"github.com/quatrix/dpq/pkg/config"
	"github.com/quatrix/dpq/pkg/envelope"
	"github.com/quatrix/dpq/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// queueName is the single queue this worker process polls. A real
// deployment runs one worker process (or pool) per queue.
const queueName = "default"

var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpq_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"status", "type"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dpq_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dpq_queue_depth",
		Help: "Number of tasks in the queue (runnable + delayed)",
	}, []string{"queue"})

	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dpq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithCancel(context.Background())

	q, err := dpq.Open(ctx, rdb, queueName,
		dpq.WithDefaultVisibility(cfg.DefaultVisibility),
		dpq.WithDefaultRetries(cfg.DefaultRetries),
	)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to open queue")
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Msg("metrics server listening on :8080")
		http.ListenAndServe(":8080", nil)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down worker...")
		cancel()
	}()

	go q.RunScheduler(ctx, time.Second)
	go collectQueueMetrics(ctx, q)

	startWorker(ctx, q)
}

// startWorker runs the main poll-process-ack loop until ctx is cancelled.
func startWorker(ctx context.Context, q *dpq.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h, err := q.Pop(ctx)
		if err != nil {
			logger.Log.Error().Err(err).Msg("pop failed")
			time.Sleep(time.Second)
			continue
		}
		if h == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		env, err := envelope.Unmarshal(h.Payload)
		if err != nil {
			logger.Log.Error().Err(err).Msg("malformed envelope, dropping")
			h.Remove(ctx)
			continue
		}

		queueLatency.WithLabelValues(env.Type).Observe(time.Since(env.CreatedAt).Seconds())

		start := time.Now()
		procErr := dispatch(env)
		taskDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

		if procErr != nil {
			logger.Log.Error().Err(procErr).Str("type", env.Type).Int("attempt", h.Attempt).Msg("task failed")
			// Leave the task invisible only briefly: the scheduler will
			// re-promote it once the short backoff elapses, or drop it if
			// this pop used up its retry budget.
			backoff := time.Duration(h.Attempt) * time.Second
			if err := h.SetInvisibility(ctx, backoff); err != nil {
				logger.Log.Error().Err(err).Msg("set_invisibility failed")
			}
			tasksProcessed.WithLabelValues("retry", env.Type).Inc()
		} else {
			if err := h.Remove(ctx); err != nil {
				logger.Log.Error().Err(err).Msg("remove failed")
			}
			tasksProcessed.WithLabelValues("success", env.Type).Inc()
		}
	}
}

// dispatch routes an envelope to a handler by type. Unknown types fall
// back to a generic handler rather than being rejected.
func dispatch(env envelope.Envelope) error {
	switch env.Type {
	case "email":
		return processEmail(env)
	case "image_resize":
		return processImageResize(env)
	default:
		return processGenericTask(env)
	}
}

func processEmail(env envelope.Envelope) error {
	logger.Log.Info().Str("type", env.Type).Msg("sending email...")
	time.Sleep(200 * time.Millisecond)
	return nil
}

func processImageResize(env envelope.Envelope) error {
	logger.Log.Info().Str("type", env.Type).Msg("resizing image...")
	time.Sleep(500 * time.Millisecond)
	return nil
}

func processGenericTask(env envelope.Envelope) error {
	logger.Log.Info().Str("type", env.Type).Msg("processing task")
	time.Sleep(100 * time.Millisecond)
	return nil
}

// collectQueueMetrics periodically queries the queue depth and updates
// the Prometheus gauge.
func collectQueueMetrics(ctx context.Context, q *dpq.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := q.GetSize(ctx)
			if err != nil {
				logger.Log.Error().Err(err).Msg("get_size failed")
				continue
			}
			queueDepth.WithLabelValues(queueName).Set(float64(size))
		}
	}
}
