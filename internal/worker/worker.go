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

// Package worker implements the background delivery loop. It claims
// deliverable events from the store, posts them to the downstream target,
// and either marks them delivered, schedules a retry with exponential
// backoff, or marks them permanently failed once the attempt budget is
// exhausted. Delivery is at-least-once; the downstream must tolerate
// re-sends of the same event ID.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"hookrelay/internal/breaker"
	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
	"hookrelay/pkg/webhook"
)

// Store is the persistence surface the worker needs.
type Store interface {
	ClaimNext(ctx context.Context, now time.Time, leaseTTL time.Duration) (*webhook.Event, error)
	MarkDelivered(ctx context.Context, id string, attempt webhook.Attempt) error
	MarkFailedPermanent(ctx context.Context, id string, attempt webhook.Attempt) error
	ScheduleRetry(ctx context.Context, id string, attempt *webhook.Attempt, nextRetryAt time.Time) error
	CountPending(ctx context.Context) (int, error)
}

// Breaker gates delivery attempts against a failing downstream.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
	State() breaker.State
}

// Config tunes the delivery loop. Zero values take the defaults.
type Config struct {
	DownstreamURL    string
	PollInterval     time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DeliveryTimeout  time.Duration
}

// Worker polls the store and delivers claimed events downstream.
type Worker struct {
	store   Store
	breaker Breaker
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs a Worker. A nil logger defaults to slog.Default.
func New(st Store, br Breaker, cfg Config, logger *slog.Logger) *Worker {
	if cfg.DownstreamURL == "" {
		cfg.DownstreamURL = "http://localhost:8001"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 16 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   st,
		breaker: br,
		cfg:     cfg,
		logger:  logger.With("component", "delivery-worker"),
		client:  &http.Client{},
		now:     time.Now,
	}
}

// Start launches the delivery loop. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx)
	w.logger.Info("delivery worker started", "poll_interval", w.cfg.PollInterval)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("delivery worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick drains every currently deliverable event, then refreshes the
// pending gauge. An error on one event never blocks the rest.
func (w *Worker) tick(ctx context.Context) {
	for ctx.Err() == nil {
		ev, err := w.store.ClaimNext(ctx, w.now(), w.leaseTTL())
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			break
		}
		if err := w.deliver(ctx, ev); err != nil {
			w.logger.Error("delivery handling failed", "event_id", ev.ID, "error", err)
		}
	}

	if n, err := w.store.CountPending(ctx); err == nil {
		metrics.SetPendingEvents(n)
	}
}

// leaseTTL is the window after which a claimed-but-unfinished event becomes
// claimable again. Slightly above the per-attempt timeout so a live attempt
// can never be double-claimed.
func (w *Worker) leaseTTL() time.Duration {
	return w.cfg.DeliveryTimeout + 5*time.Second
}

func (w *Worker) deliver(ctx context.Context, ev *webhook.Event) error {
	attemptNumber := len(ev.DeliveryAttempts) + 1
	metrics.IncRetryAttempt(attemptNumber)

	if !w.breaker.CanExecute() {
		// Reschedule without consuming the attempt budget. The delay uses the
		// would-be attempt number so repeated open-circuit deferrals do not
		// escalate the backoff.
		delay := Backoff(attemptNumber, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay)
		w.logger.Warn("circuit open, deferring delivery",
			"event_id", ev.ID, "retry_in", delay)
		return w.store.ScheduleRetry(ctx, ev.ID, nil, w.now().Add(delay))
	}

	attempt := w.attemptDelivery(ctx, ev, attemptNumber)

	if attempt.Success {
		w.breaker.RecordSuccess()
		if err := w.store.MarkDelivered(ctx, ev.ID, attempt); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		metrics.IncEventsDelivered(ev.EventTypeOrUnknown())
		w.logger.Info("event delivered",
			"event_id", ev.ID, "attempt", attemptNumber, "duration_ms", attempt.DurationMS)
		return nil
	}

	w.breaker.RecordFailure()

	if attemptNumber >= w.cfg.MaxRetryAttempts {
		if err := w.store.MarkFailedPermanent(ctx, ev.ID, attempt); err != nil {
			return fmt.Errorf("mark failed permanently: %w", err)
		}
		metrics.IncEventsFailed(ev.EventTypeOrUnknown())
		w.logger.Error("event failed permanently",
			"event_id", ev.ID, "attempts", attemptNumber, "error", derefOr(attempt.ErrorMessage, ""))
		return nil
	}

	delay := Backoff(attemptNumber, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay)
	if err := w.store.ScheduleRetry(ctx, ev.ID, &attempt, w.now().Add(delay)); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	w.logger.Warn("delivery failed, retry scheduled",
		"event_id", ev.ID, "attempt", attemptNumber, "retry_in", delay,
		"error", derefOr(attempt.ErrorMessage, ""))
	return nil
}

// attemptDelivery performs one HTTP exchange with the downstream and
// returns the attempt record. Only a 200 response counts as success.
func (w *Worker) attemptDelivery(ctx context.Context, ev *webhook.Event, attemptNumber int) webhook.Attempt {
	attempt := webhook.Attempt{
		AttemptNumber: attemptNumber,
		Timestamp:     w.now().UTC(),
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	defer cancel()

	url := w.cfg.DownstreamURL + "/downstream/receive"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(ev.Payload))
	if err != nil {
		msg := "invalid downstream request"
		attempt.ErrorMessage = &msg
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.ID)

	start := time.Now()
	resp, err := w.client.Do(req)
	attempt.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		msg := classifyTransportError(err)
		attempt.ErrorMessage = &msg
		metrics.ObserveDeliveryDuration(time.Since(start))
		return attempt
	}
	defer resp.Body.Close()

	metrics.ObserveDeliveryDuration(time.Since(start))

	code := resp.StatusCode
	attempt.StatusCode = &code
	if code == http.StatusOK {
		attempt.Success = true
		return attempt
	}

	msg := fmt.Sprintf("HTTP %d", code)
	attempt.ErrorMessage = &msg
	return attempt
}

// Backoff returns the retry delay after the given failed attempt:
// base*2^(n-1) capped at max.
func Backoff(attemptNumber int, base, max time.Duration) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	d := base
	for i := 1; i < attemptNumber; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// classifyTransportError maps a transport-level failure to the stored
// error message. Timeouts are recorded uniformly as "Timeout".
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "Timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection error"
	}
	return "request failed"
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
