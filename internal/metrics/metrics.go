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

// Package metrics exposes the Prometheus series for the webhook pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	eventsReceived   *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	eventsFailed     *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	pendingEvents    prometheus.Gauge
	breakerState     prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncEventsReceived records one ingested event by type.
func IncEventsReceived(eventType string) {
	label := sanitizeLabel(eventType, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if eventsReceived != nil {
		eventsReceived.WithLabelValues(label).Inc()
	}
}

// IncEventsDelivered records one successfully delivered event by type.
func IncEventsDelivered(eventType string) {
	label := sanitizeLabel(eventType, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if eventsDelivered != nil {
		eventsDelivered.WithLabelValues(label).Inc()
	}
}

// IncEventsFailed records one permanently failed event by type.
func IncEventsFailed(eventType string) {
	label := sanitizeLabel(eventType, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if eventsFailed != nil {
		eventsFailed.WithLabelValues(label).Inc()
	}
}

// IncRetryAttempt records the start of a delivery attempt by attempt number.
func IncRetryAttempt(attemptNumber int) {
	mu.RLock()
	defer mu.RUnlock()
	if retryAttempts != nil {
		retryAttempts.WithLabelValues(strconv.Itoa(attemptNumber)).Inc()
	}
}

// ObserveDeliveryDuration records the duration of one downstream HTTP exchange.
func ObserveDeliveryDuration(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if deliveryDuration != nil {
		deliveryDuration.Observe(durationSeconds(d))
	}
}

// SetPendingEvents updates the pending events gauge.
func SetPendingEvents(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if pendingEvents != nil {
		pendingEvents.Set(float64(n))
	}
}

// SetCircuitBreakerState updates the breaker state gauge
// (0=closed, 1=open, 2=half-open).
func SetCircuitBreakerState(state float64) {
	mu.RLock()
	defer mu.RUnlock()
	if breakerState != nil {
		breakerState.Set(state)
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhook",
		Name:      "events_received_total",
		Help:      "Total number of webhook events received.",
	}, []string{"event_type"})

	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhook",
		Name:      "events_delivered_total",
		Help:      "Total number of webhook events successfully delivered.",
	}, []string{"event_type"})

	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhook",
		Name:      "events_failed_total",
		Help:      "Total number of webhook events that failed permanently.",
	}, []string{"event_type"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webhook",
		Name:      "retry_attempts_total",
		Help:      "Total number of delivery attempts by attempt number.",
	}, []string{"attempt_number"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering webhooks to the downstream service.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhook",
		Name:      "pending_events",
		Help:      "Number of events pending delivery.",
	})

	breaker := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhook",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	registry.MustRegister(received, delivered, failed, retries, duration, pending, breaker)

	reg = registry
	eventsReceived = received
	eventsDelivered = delivered
	eventsFailed = failed
	retryAttempts = retries
	deliveryDuration = duration
	pendingEvents = pending
	breakerState = breaker
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
