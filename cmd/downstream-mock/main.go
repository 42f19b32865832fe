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

// Command downstream-mock simulates an unreliable downstream receiver for
// exercising the delivery pipeline: it rate-limits, injects slow responses,
// gateway timeouts, and server errors at configurable-in-code probabilities.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"hookrelay/internal/logging"
)

const (
	rateLimitPerSecond = 3

	failureRate         = 0.15 // share of requests that misbehave
	timeoutProbability  = 0.40 // of failures: slow response, maybe 504
	error500Probability = 0.35 // of failures: immediate 500
)

// rateLimiter is a sliding one-second window over request timestamps.
type rateLimiter struct {
	mu       sync.Mutex
	requests []time.Time
	limit    int
}

func (rl *rateLimiter) allow(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-time.Second)
	kept := rl.requests[:0]
	for _, t := range rl.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rl.requests = kept

	if len(rl.requests) >= rl.limit {
		return false
	}
	rl.requests = append(rl.requests, now)
	return true
}

func main() {
	addr := flag.String("addr", ":8001", "HTTP listen address")
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"))
	limiter := &rateLimiter{limit: rateLimitPerSecond}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/downstream/receive", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		eventID := r.Header.Get("X-Event-Id")

		if !limiter.allow(time.Now()) {
			logger.Warn("rate limited", "event_id", eventID)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		rngMu.Lock()
		roll := rng.Float64()
		mode := rng.Float64()
		delay := 2*time.Second + time.Duration(rng.Float64()*3*float64(time.Second))
		gatewayTimeout := rng.Float64() < 0.5
		rngMu.Unlock()

		if roll < failureRate {
			switch {
			case mode < timeoutProbability:
				logger.Info("simulating slow response", "event_id", eventID, "delay", delay)
				time.Sleep(delay)
				if gatewayTimeout {
					http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
					return
				}
			case mode < timeoutProbability+error500Probability:
				logger.Info("simulating server error", "event_id", eventID)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			default:
				logger.Info("simulating overload", "event_id", eventID)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		logger.Info("event received", "event_id", eventID)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"accepted","event_id":%q}`, eventID)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy","service":"downstream-mock"}`)
	})

	logger.Info("downstream mock listening", "addr", *addr)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "downstream-mock: %v\n", err)
		os.Exit(1)
	}
}
