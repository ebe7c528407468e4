// Package config loads the settings cmd/server and cmd/worker agree on,
// from environment variables by default and optionally from a YAML file
// so the two binaries never drift on defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v2"
)

// Config holds everything the server and worker binaries need to talk to
// the same Redis instance with the same queue defaults.
type Config struct {
	RedisAddr         string        `yaml:"redis_addr"`
	DefaultVisibility time.Duration `yaml:"default_visibility"`
	DefaultRetries    int           `yaml:"default_retries"`
	APIKey            string        `yaml:"api_key"`
}

// Default mirrors the values dpq.Queue itself defaults to when no config
// is supplied at all.
func Default() Config {
	return Config{
		RedisAddr:         "127.0.0.1:6379",
		DefaultVisibility: 10 * time.Second,
		DefaultRetries:    5,
	}
}

// Load starts from Default, overlays a YAML file if path is non-empty,
// then overlays environment variables (DPQ_REDIS_ADDR,
// DPQ_DEFAULT_VISIBILITY, DPQ_DEFAULT_RETRIES, DPQ_API_KEY).
// Environment variables take precedence so operators can override a
// checked-in config file without editing it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("DPQ_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DPQ_DEFAULT_VISIBILITY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultVisibility = d
		}
	}
	if v := os.Getenv("DPQ_DEFAULT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultRetries = n
		}
	}
	if v := os.Getenv("DPQ_API_KEY"); v != "" {
		cfg.APIKey = v
	}

	return cfg, nil
}
