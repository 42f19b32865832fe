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

// Command hookrelay runs the webhook ingestion API and the background
// delivery worker in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookrelay/internal/api"
	"hookrelay/internal/breaker"
	"hookrelay/internal/config"
	"hookrelay/internal/logging"
	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
	"hookrelay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hookrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel)
	cfg.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	br := breaker.New(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	})

	wrk := worker.New(st, br, worker.Config{
		DownstreamURL:    cfg.DownstreamURL,
		PollInterval:     cfg.WorkerPollInterval,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		DeliveryTimeout:  cfg.DeliveryTimeout,
	}, logger)
	wrk.Start(ctx)
	defer wrk.Stop()

	mux := http.NewServeMux()
	api.New(st, cfg.HMACSecret, logger).Register(mux)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.RequestID(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	wrk.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
