// Hookrelay is a webhook ingestion and delivery service.
// Copyright (C) 2025 Hookrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the service configuration from environment
// variables with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds the runtime settings for the service.
type Config struct {
	HTTPAddr      string // HTTP_ADDR
	DBPath        string // DB_PATH
	HMACSecret    string // HMAC_SECRET
	DownstreamURL string // DOWNSTREAM_URL
	LogLevel      string // LOG_LEVEL

	WorkerPollInterval time.Duration // WORKER_POLL_INTERVAL
	MaxRetryAttempts   int           // MAX_RETRY_ATTEMPTS
	RetryBaseDelay     time.Duration // RETRY_BASE_DELAY
	RetryMaxDelay      time.Duration // RETRY_MAX_DELAY
	DeliveryTimeout    time.Duration // DELIVERY_TIMEOUT

	BreakerFailureThreshold  int           // BREAKER_FAILURE_THRESHOLD
	BreakerRecoveryTimeout   time.Duration // BREAKER_RECOVERY_TIMEOUT
	BreakerHalfOpenSuccesses int           // BREAKER_HALF_OPEN_SUCCESSES
}

// Default returns the built-in defaults. The default HMAC secret exists
// for local development only and must be overridden in deployment.
func Default() Config {
	return Config{
		HTTPAddr:      ":8000",
		DBPath:        "./hookrelay.db",
		HMACSecret:    "dev-secret-key",
		DownstreamURL: "http://localhost:8001",
		LogLevel:      "info",

		WorkerPollInterval: 1 * time.Second,
		MaxRetryAttempts:   5,
		RetryBaseDelay:     1 * time.Second,
		RetryMaxDelay:      16 * time.Second,
		DeliveryTimeout:    30 * time.Second,

		BreakerFailureThreshold:  5,
		BreakerRecoveryTimeout:   30 * time.Second,
		BreakerHalfOpenSuccesses: 3,
	}
}

// FromEnv returns the defaults overlaid with any set environment variables.
func FromEnv() Config {
	cfg := Default()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.HMACSecret = getenv("HMAC_SECRET", cfg.HMACSecret)
	cfg.DownstreamURL = getenv("DOWNSTREAM_URL", cfg.DownstreamURL)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	cfg.WorkerPollInterval = getenvDuration("WORKER_POLL_INTERVAL", cfg.WorkerPollInterval)
	cfg.MaxRetryAttempts = getenvInt("MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.RetryBaseDelay = getenvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getenvDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.DeliveryTimeout = getenvDuration("DELIVERY_TIMEOUT", cfg.DeliveryTimeout)

	cfg.BreakerFailureThreshold = getenvInt("BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold)
	cfg.BreakerRecoveryTimeout = getenvDuration("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout)
	cfg.BreakerHalfOpenSuccesses = getenvInt("BREAKER_HALF_OPEN_SUCCESSES", cfg.BreakerHalfOpenSuccesses)

	return cfg
}

// Parse builds the config from the environment and command-line args.
// Flags take precedence over environment variables.
func Parse(args []string) (Config, error) {
	cfg := FromEnv()

	fs := flag.NewFlagSet("hookrelay", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path to SQLite database file")
	fs.StringVar(&cfg.HMACSecret, "hmac-secret", cfg.HMACSecret, "Shared secret for webhook signature verification")
	fs.StringVar(&cfg.DownstreamURL, "downstream-url", cfg.DownstreamURL, "Base URL of the downstream delivery target")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.WorkerPollInterval, "worker-poll-interval", cfg.WorkerPollInterval, "Delivery worker poll interval")
	fs.IntVar(&cfg.MaxRetryAttempts, "max-retry-attempts", cfg.MaxRetryAttempts, "Maximum delivery attempts per event")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Base delay for exponential backoff")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Ceiling for exponential backoff")
	fs.DurationVar(&cfg.DeliveryTimeout, "delivery-timeout", cfg.DeliveryTimeout, "Per-attempt HTTP timeout")
	fs.IntVar(&cfg.BreakerFailureThreshold, "breaker-failure-threshold", cfg.BreakerFailureThreshold, "Consecutive failures before the breaker opens")
	fs.DurationVar(&cfg.BreakerRecoveryTimeout, "breaker-recovery-timeout", cfg.BreakerRecoveryTimeout, "Open duration before probing recovery")
	fs.IntVar(&cfg.BreakerHalfOpenSuccesses, "breaker-half-open-successes", cfg.BreakerHalfOpenSuccesses, "Consecutive successes to close the breaker")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.HMACSecret == "" {
		return fmt.Errorf("hmac secret must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max retry attempts must be at least 1, got %d", c.MaxRetryAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay %s must not be below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery timeout must be positive, got %s", c.DeliveryTimeout)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerHalfOpenSuccesses < 1 {
		return fmt.Errorf("breaker half-open successes must be at least 1, got %d", c.BreakerHalfOpenSuccesses)
	}
	return nil
}

// Log writes the effective configuration at startup. The HMAC secret is
// redacted down to a short prefix.
func (c Config) Log(logger *slog.Logger) {
	logger.Info("configuration",
		"http_addr", c.HTTPAddr,
		"db_path", c.DBPath,
		"hmac_secret", redactedSecret(c.HMACSecret),
		"downstream_url", c.DownstreamURL,
		"log_level", c.LogLevel,
		"worker_poll_interval", c.WorkerPollInterval,
		"max_retry_attempts", c.MaxRetryAttempts,
		"retry_base_delay", c.RetryBaseDelay,
		"retry_max_delay", c.RetryMaxDelay,
		"delivery_timeout", c.DeliveryTimeout,
		"breaker_failure_threshold", c.BreakerFailureThreshold,
		"breaker_recovery_timeout", c.BreakerRecoveryTimeout,
		"breaker_half_open_successes", c.BreakerHalfOpenSuccesses,
	)
}

func redactedSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept both Go durations ("2s") and bare seconds ("2")
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
