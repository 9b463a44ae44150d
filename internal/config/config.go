// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	// PollTimeout is the ceiling a fallback poll may block server-side.
	PollTimeout time.Duration
	// StaleAfter reclaims fallback sessions with no heartbeat or poll.
	StaleAfter time.Duration
	// RoomIdleTimeout force-ends rooms with no accepted move or heartbeat.
	RoomIdleTimeout time.Duration
	SweepInterval   time.Duration

	LogLevel  string
	LogFormat string
}

func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogFormat:  getenv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.PollTimeout, err = getduration("POLL_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StaleAfter, err = getduration("STALE_AFTER", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RoomIdleTimeout, err = getduration("ROOM_IDLE_TIMEOUT", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getduration("SWEEP_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
