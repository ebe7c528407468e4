// Package main provides a benchmark tool for DPQ to measure push and pop
// throughput against a live Redis.
//
// Usage:
//
//	go run ./benchmark -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quatrix/dpq"
	"github.com/quatrix/dpq/pkg/envelope"
	"github.com/redis/go-redis/v9"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to push")
	numWorkers := flag.Int("workers", 10, "Number of concurrent pushers")
	addr := flag.String("addr", "localhost:6379", "Redis address")
	flag.Parse()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: *addr})

	q, err := dpq.Open(ctx, rdb, "benchmark")
	if err != nil {
		fmt.Printf("failed to open queue: %v\n", err)
		return
	}

	fmt.Printf("DPQ Benchmark\n")
	fmt.Printf("=============\n")
	fmt.Printf("Tasks to push: %d\n", *numTasks)
	fmt.Printf("Concurrent pushers: %d\n\n", *numWorkers)

	fmt.Printf("Starting push phase...\n")
	startPush := time.Now()

	var wg sync.WaitGroup
	var pushed atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				env, err := envelope.New("benchmark", map[string]interface{}{"worker": workerID, "task": j})
				if err != nil {
					fmt.Printf("error building envelope: %v\n", err)
					return
				}
				payload, err := env.Marshal()
				if err != nil {
					fmt.Printf("error marshaling envelope: %v\n", err)
					return
				}
				if err := q.Push(ctx, payload, dpq.WithPriority(float64(j))); err != nil {
					fmt.Printf("error pushing: %v\n", err)
					return
				}
				pushed.Add(1)
			}
		}(i)
	}

	wg.Wait()
	pushTime := time.Since(startPush)

	fmt.Printf("Pushed %d tasks in %s\n", pushed.Load(), pushTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(pushed.Load())/pushTime.Seconds())

	fmt.Printf("Starting pop phase...\n")
	startPop := time.Now()

	var popped atomic.Int64
	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				h, err := q.Pop(ctx)
				if err != nil {
					fmt.Printf("error popping: %v\n", err)
					return
				}
				if h == nil {
					return
				}
				h.Remove(ctx)
				popped.Add(1)
			}
		}()
	}
	wg.Wait()
	popTime := time.Since(startPop)

	fmt.Printf("Popped %d tasks in %s\n", popped.Load(), popTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(popped.Load())/popTime.Seconds())

	size, err := q.GetSize(ctx)
	if err != nil {
		fmt.Printf("error reading final size: %v\n", err)
		return
	}
	fmt.Printf("Final queue size: %d\n", size)
}
