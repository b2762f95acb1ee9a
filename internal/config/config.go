// Package config reads service settings from the environment, after loading
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SyncDirect = "direct"
	SyncQueue  = "queue"

	connectURLPrefix = "CONNECT_URL_"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	RedisAddr     string
	BackendURL    string
	BackendToken  string
	AgentURL      string
	AgentToken    string
	JWTSecret     string
	DevAuth       bool
	SyncMode      string
	Debounce      time.Duration
	SnapshotTTL   time.Duration
	PublicBaseURL string
	// ConnectURLs maps a lower-cased external action kind to its provider URL,
	// from CONNECT_URL_<KIND> variables.
	ConnectURLs map[string]string
}

// Load reads .env (if present) and the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv(os.Getenv, os.Environ())
}

// FromEnv builds a Config from getenv; environ is scanned for CONNECT_URL_ entries.
func FromEnv(getenv func(string) string, environ []string) (Config, error) {
	get := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Addr:          get("ADDR", ":8080"),
		DatabaseURL:   getenv("DATABASE_URL"),
		RedisAddr:     get("REDIS_ADDR", "localhost:6379"),
		BackendURL:    getenv("BACKEND_URL"),
		BackendToken:  getenv("BACKEND_TOKEN"),
		AgentURL:      getenv("AGENT_URL"),
		AgentToken:    getenv("AGENT_TOKEN"),
		JWTSecret:     getenv("JWT_SECRET"),
		DevAuth:       get("DEV_AUTH", "false") == "true",
		SyncMode:      strings.ToLower(get("SYNC_MODE", SyncDirect)),
		PublicBaseURL: getenv("PUBLIC_BASE_URL"),
		ConnectURLs:   make(map[string]string),
	}

	var err error
	if cfg.Debounce, err = duration(get("DEBOUNCE_WINDOW", "500ms")); err != nil {
		return Config{}, fmt.Errorf("DEBOUNCE_WINDOW: %w", err)
	}
	if cfg.SnapshotTTL, err = duration(get("SNAPSHOT_TTL", "10m")); err != nil {
		return Config{}, fmt.Errorf("SNAPSHOT_TTL: %w", err)
	}
	if cfg.SyncMode != SyncDirect && cfg.SyncMode != SyncQueue {
		return Config{}, fmt.Errorf("SYNC_MODE must be %q or %q, got %q", SyncDirect, SyncQueue, cfg.SyncMode)
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, connectURLPrefix) || value == "" {
			continue
		}
		kind := strings.ToLower(strings.TrimPrefix(key, connectURLPrefix))
		if kind != "" {
			cfg.ConnectURLs[kind] = value
		}
	}
	return cfg, nil
}

func duration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
