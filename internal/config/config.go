// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Host string
	Port string

	// MaxRooms caps the number of concurrent rooms; a join that would
	// create a room beyond the cap is rejected.
	MaxRooms int

	// RoomTimeout is how long an empty room may sit idle before the
	// background sweep removes it.
	RoomTimeout time.Duration

	// RoomGracePeriod is the delay between a room losing its last peer
	// and the deletion check, allowing quick disconnect/rejoin cycles
	// to keep the document alive.
	RoomGracePeriod time.Duration

	// CORSOrigin is the allowed origin for the companion static server.
	CORSOrigin string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		MaxRooms:        getEnvInt("MAX_ROOMS", 100),
		RoomTimeout:     getEnvDuration("ROOM_TIMEOUT", time.Hour),
		RoomGracePeriod: getEnvDuration("ROOM_GRACE_PERIOD", 30*time.Second),
		CORSOrigin:      getEnv("CORS_ORIGIN", "*"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxRooms <= 0 {
		return fmt.Errorf("MAX_ROOMS must be > 0")
	}
	if c.RoomTimeout <= 0 {
		return fmt.Errorf("ROOM_TIMEOUT must be > 0")
	}
	if c.RoomGracePeriod <= 0 {
		return fmt.Errorf("ROOM_GRACE_PERIOD must be > 0")
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("30s", "1h") and falls back
// to interpreting a bare number as seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
