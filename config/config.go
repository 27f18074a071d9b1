// Package config loads process configuration for devsync binaries from the
// environment. Library users configure devsync through Options structs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the devsync CLI and services. Every field has an env default.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: DEVSYNC_REDIS_ADDR
	RedisAddr     string `env:"DEVSYNC_REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"DEVSYNC_REDIS_PASSWORD"`
	RedisDB       int    `env:"DEVSYNC_REDIS_DB,default=0"`

	// Namespace prefixes state-cache, generation and pairing keys.
	Namespace string `env:"DEVSYNC_NAMESPACE,default=devsync"`

	PairingTTL         time.Duration `env:"DEVSYNC_PAIRING_TTL,default=24h"`
	PairingMaxAttempts int           `env:"DEVSYNC_PAIRING_MAX_ATTEMPTS,default=256"`

	// OpTimeout bounds each cache round trip.
	OpTimeout time.Duration `env:"DEVSYNC_OP_TIMEOUT,default=2s"`
	// GenTTL expires idle generation counters in Redis; 0 keeps them forever.
	GenTTL time.Duration `env:"DEVSYNC_GEN_TTL,default=720h"`

	LogLevel string `env:"DEVSYNC_LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrInvalidTarget) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("DEVSYNC_REDIS_ADDR is empty"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("DEVSYNC_REDIS_DB %d is negative", c.RedisDB))
	}
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, " \t\n") {
		errs = append(errs, fmt.Errorf("DEVSYNC_NAMESPACE %q is invalid", c.Namespace))
	}
	if c.PairingTTL < time.Second {
		errs = append(errs, fmt.Errorf("DEVSYNC_PAIRING_TTL %s is below 1s", c.PairingTTL))
	}
	if c.PairingMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DEVSYNC_PAIRING_MAX_ATTEMPTS %d must be positive", c.PairingMaxAttempts))
	}
	if c.OpTimeout < 0 || c.GenTTL < 0 {
		errs = append(errs, errors.New("DEVSYNC_OP_TIMEOUT and DEVSYNC_GEN_TTL must not be negative"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("DEVSYNC_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
