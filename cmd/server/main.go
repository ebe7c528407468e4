// Package main implements the DPQ HTTP API server: a REST front door for
// pushing, popping, acknowledging and inspecting tasks on named queues.
//
// Usage:
//
//	go run ./cmd/server
//
// The server listens on :8081 and connects to Redis per pkg/config.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/quatrix/dpq"
	"github.com/quatrix/dpq/pkg/config"
	"github.com/quatrix/dpq/pkg/envelope"
	"github.com/quatrix/dpq/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// registry opens (and caches) one *dpq.Queue per name seen on a request,
// since a single server instance fronts however many queues its callers
// name.
type registry struct {
	rdb    *redis.Client
	cfg    config.Config
	queues map[string]*dpq.Queue
}

func newRegistry(rdb *redis.Client, cfg config.Config) *registry {
	return &registry{rdb: rdb, cfg: cfg, queues: map[string]*dpq.Queue{}}
}

func (r *registry) get(ctx context.Context, name string) (*dpq.Queue, error) {
	if q, ok := r.queues[name]; ok {
		return q, nil
	}

	q, err := dpq.Open(ctx, r.rdb, name,
		dpq.WithDefaultVisibility(r.cfg.DefaultVisibility),
		dpq.WithDefaultRetries(r.cfg.DefaultRetries),
	)
	if err != nil {
		return nil, err
	}

	r.queues[name] = q
	return q, nil
}

// stopAll stops the cron scheduler on every queue this registry has
// opened, so a /schedule job registered on one queue doesn't keep firing
// after the server shuts down.
func (r *registry) stopAll() {
	for _, q := range r.queues {
		q.StopCron()
	}
}

// authMiddleware wraps an http.HandlerFunc and enforces API key
// authentication when requiredKey is non-empty.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds permissive CORS headers,
// handling preflight OPTIONS requests itself.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func setupRouter(reg *registry, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(h, apiKey))
	}

	mux.HandleFunc("/push", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue        string  `json:"queue"`
			Payload      string  `json:"payload"` // base64
			Priority     float64 `json:"priority"`
			DelaySeconds int64   `json:"delay_seconds"`
			Retries      int     `json:"retries"`
			GroupID      string  `json:"group_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			http.Error(w, "invalid payload encoding", http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		opts := []dpq.PushOption{dpq.WithPriority(req.Priority)}
		if req.DelaySeconds > 0 {
			opts = append(opts, dpq.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
		}
		if req.Retries > 0 {
			opts = append(opts, dpq.WithRetries(req.Retries))
		}
		if req.GroupID != "" {
			opts = append(opts, dpq.WithGroupID(req.GroupID))
		}

		if err := q.Push(r.Context(), payload, opts...); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"request_id": uuid.New().String(),
			"status":     "pushed",
		})
	}))

	mux.HandleFunc("/pop", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue string `json:"queue"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		h, err := q.Pop(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if h == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"payload":  base64.StdEncoding.EncodeToString(h.Payload),
			"attempt":  h.Attempt,
			"group_id": h.GroupID,
			"expires":  h.Expires.Unix(),
		})
	}))

	mux.HandleFunc("/ack", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue    string  `json:"queue"`
			Payload  string  `json:"payload"`
			GroupID  string  `json:"group_id"`
			Priority float64 `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			http.Error(w, "invalid payload encoding", http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := q.Remove(r.Context(), payload, req.GroupID, req.Priority); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("/extend", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue    string  `json:"queue"`
			Payload  string  `json:"payload"`
			GroupID  string  `json:"group_id"`
			Priority float64 `json:"priority"`
			Seconds  int64   `json:"seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			http.Error(w, "invalid payload encoding", http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := q.SetInvisibility(r.Context(), payload, req.GroupID, req.Priority, time.Duration(req.Seconds)*time.Second); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("/delay_group", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue   string `json:"queue"`
			GroupID string `json:"group_id"`
			Seconds int64  `json:"seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := q.DelayGroup(r.Context(), req.GroupID, time.Duration(req.Seconds)*time.Second); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("/schedule", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Queue    string          `json:"queue"`
			Spec     string          `json:"spec"` // cron expression, e.g. "@every 1m"
			Type     string          `json:"type"` // envelope type the worker dispatches on
			Body     json.RawMessage `json:"body"`
			Priority float64         `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		entryID, err := q.ScheduleCron(req.Spec, func() ([]byte, []dpq.PushOption) {
			env, err := envelope.New(req.Type, req.Body)
			if err != nil {
				logger.Log.Error().Err(err).Str("queue", req.Queue).Msg("failed to build scheduled envelope")
				return nil, nil
			}

			payload, err := env.Marshal()
			if err != nil {
				logger.Log.Error().Err(err).Str("queue", req.Queue).Msg("failed to marshal scheduled envelope")
				return nil, nil
			}

			return payload, []dpq.PushOption{dpq.WithPriority(req.Priority)}
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"entry_id": entryID})
	}))

	mux.HandleFunc("/stats", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		queueName := r.URL.Query().Get("queue")
		if queueName == "" {
			http.Error(w, "Missing queue parameter", http.StatusBadRequest)
			return
		}

		q, err := reg.get(r.Context(), queueName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		size, err := q.GetSize(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"size": size})
	}))

	return mux
}

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	reg := newRegistry(rdb, cfg)

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API authentication enabled.")
	}

	mux := setupRouter(reg, cfg.APIKey)
	srv := &http.Server{Addr: ":8081", Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down server...")
		reg.stopAll()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Log.Info().Str("addr", ":8081").Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Log.Fatal().Err(err).Msg("server failed")
	}
}
