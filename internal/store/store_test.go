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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hookrelay/pkg/webhook"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func strPtr(s string) *string { return &s }

func insertEvent(t *testing.T, s *Store, eventType *string, idemKey *string) *webhook.Event {
	t.Helper()
	ev := webhook.NewEvent(json.RawMessage(`{"order":1}`), eventType, idemKey)
	if err := s.Insert(context.Background(), &ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return &ev
}

func TestInsertAndFindByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := insertEvent(t, s, strPtr("order.created"), strPtr("key-1"))
	if ev.ID == "" {
		t.Fatal("insert did not assign an ID")
	}

	got, err := s.FindByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != webhook.StatusReceived {
		t.Errorf("status = %q, want RECEIVED", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.EventType == nil || *got.EventType != "order.created" {
		t.Errorf("event_type = %v", got.EventType)
	}
	if got.IdempotencyKey == nil || *got.IdempotencyKey != "key-1" {
		t.Errorf("idempotency_key = %v", got.IdempotencyKey)
	}
	if string(got.Payload) != `{"order":1}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if len(got.DeliveryAttempts) != 0 {
		t.Errorf("expected no attempts, got %d", len(got.DeliveryAttempts))
	}
}

func TestFindByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.FindByID(context.Background(), "b8f6a0f0-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertEvent(t, s, nil, strPtr("dup-key"))

	ev2 := webhook.NewEvent(json.RawMessage(`{"order":2}`), nil, strPtr("dup-key"))
	err := s.Insert(ctx, &ev2)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	// Nil keys never collide
	insertEvent(t, s, nil, nil)
	insertEvent(t, s, nil, nil)
}

func TestFindByIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := insertEvent(t, s, nil, strPtr("lookup-key"))

	got, err := s.FindByIdempotencyKey(ctx, "lookup-key")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey: %v", err)
	}
	if got.ID != ev.ID {
		t.Errorf("id = %q, want %q", got.ID, ev.ID)
	}

	if _, err := s.FindByIdempotencyKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextTransitionsToProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := insertEvent(t, s, nil, nil)

	claimed, err := s.ClaimNext(ctx, now, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.ID != ev.ID {
		t.Errorf("claimed %q, want %q", claimed.ID, ev.ID)
	}
	if claimed.Status != webhook.StatusProcessing {
		t.Errorf("status = %q, want PROCESSING", claimed.Status)
	}
	if claimed.Version != 2 {
		t.Errorf("version = %d, want 2", claimed.Version)
	}
	if claimed.NextRetryAt == nil {
		t.Fatal("claim must stamp a provisional next_retry_at")
	}
	if claimed.NextRetryAt.Before(now.Add(29 * time.Second)) {
		t.Errorf("provisional next_retry_at too soon: %s", claimed.NextRetryAt)
	}

	// Freshly claimed event is not claimable again
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second claim, got %v", err)
	}
}

func TestClaimNextOrdersByReceivedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := webhook.NewEvent(json.RawMessage(`{}`), nil, nil)
	first.ReceivedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.Insert(ctx, &first); err != nil {
		t.Fatal(err)
	}
	second := insertEvent(t, s, nil, nil)

	claimed, err := s.ClaimNext(ctx, time.Now().UTC(), 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.ID != first.ID {
		t.Errorf("claimed %q, want oldest %q (not %q)", claimed.ID, first.ID, second.ID)
	}
}

func TestClaimNextReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertEvent(t, s, nil, nil)

	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// Before the lease elapses the event stays invisible.
	if _, err := s.ClaimNext(ctx, now.Add(10*time.Second), 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound inside lease, got %v", err)
	}

	// After the lease elapses a second worker can pick it up.
	re, err := s.ClaimNext(ctx, now.Add(31*time.Second), 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim after lease: %v", err)
	}
	if re.Status != webhook.StatusProcessing {
		t.Errorf("status = %q, want PROCESSING", re.Status)
	}
	if re.Version != 3 {
		t.Errorf("version = %d, want 3 (two claims)", re.Version)
	}
}

func TestClaimNextRespectsRetrySchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := insertEvent(t, s, nil, nil)
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	attempt := failedAttempt(1, now, 500)
	retryAt := now.Add(4 * time.Second)
	if err := s.ScheduleRetry(ctx, ev.ID, &attempt, retryAt); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	if _, err := s.ClaimNext(ctx, now.Add(2*time.Second), 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before retry instant, got %v", err)
	}

	claimed, err := s.ClaimNext(ctx, now.Add(5*time.Second), 30*time.Second)
	if err != nil {
		t.Fatalf("claim after retry instant: %v", err)
	}
	if len(claimed.DeliveryAttempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(claimed.DeliveryAttempts))
	}
	if claimed.DeliveryAttempts[0].AttemptNumber != 1 {
		t.Errorf("attempt_number = %d, want 1", claimed.DeliveryAttempts[0].AttemptNumber)
	}
}

func TestMarkDeliveredIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := insertEvent(t, s, nil, nil)
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	code := 200
	attempt := webhook.Attempt{
		AttemptNumber: 1,
		Timestamp:     now,
		StatusCode:    &code,
		Success:       true,
		DurationMS:    12.5,
	}
	if err := s.MarkDelivered(ctx, ev.ID, attempt); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	got, err := s.FindByID(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != webhook.StatusDelivered {
		t.Errorf("status = %q, want DELIVERED", got.Status)
	}
	if got.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}
	if got.NextRetryAt != nil {
		t.Error("next_retry_at must be cleared on terminal transition")
	}
	if len(got.DeliveryAttempts) != 1 || !got.DeliveryAttempts[0].Success {
		t.Errorf("attempts = %+v", got.DeliveryAttempts)
	}

	// Terminal events are never claimed again
	if _, err := s.ClaimNext(ctx, now.Add(time.Hour), 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delivered event must not be claimable, got %v", err)
	}
}

func TestMarkFailedPermanentIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := insertEvent(t, s, nil, nil)
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkFailedPermanent(ctx, ev.ID, failedAttempt(1, now, 500)); err != nil {
		t.Fatalf("MarkFailedPermanent: %v", err)
	}

	got, err := s.FindByID(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != webhook.StatusFailedPermanently {
		t.Errorf("status = %q, want FAILED_PERMANENTLY", got.Status)
	}
	if got.FailedAt == nil {
		t.Error("failed_at not set")
	}
	if got.NextRetryAt != nil {
		t.Error("next_retry_at must be cleared on terminal transition")
	}

	if _, err := s.ClaimNext(ctx, now.Add(time.Hour), 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed event must not be claimable, got %v", err)
	}
}

func TestScheduleRetryWithoutAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := insertEvent(t, s, nil, nil)
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	// Circuit-open deferral reschedules without consuming the attempt budget
	if err := s.ScheduleRetry(ctx, ev.ID, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	got, err := s.FindByID(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DeliveryAttempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(got.DeliveryAttempts))
	}
	if got.Status != webhook.StatusProcessing {
		t.Errorf("status = %q, want PROCESSING", got.Status)
	}
}

func TestAttemptsStrictlyOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := insertEvent(t, s, nil, nil)
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	for n := 1; n <= 3; n++ {
		a := failedAttempt(n, now.Add(time.Duration(n)*time.Second), 500)
		if err := s.ScheduleRetry(ctx, ev.ID, &a, now.Add(time.Duration(n)*time.Minute)); err != nil {
			t.Fatalf("ScheduleRetry attempt %d: %v", n, err)
		}
	}

	got, err := s.FindByID(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DeliveryAttempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(got.DeliveryAttempts))
	}
	for i, a := range got.DeliveryAttempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt[%d].AttemptNumber = %d, want %d", i, a.AttemptNumber, i+1)
		}
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 8
	for i := 0; i < n; i++ {
		insertEvent(t, s, nil, nil)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := s.ClaimNext(ctx, now, 30*time.Second)
				if errors.Is(err, ErrNotFound) {
					return
				}
				if err != nil {
					// Claim contention surfaces as busy under concurrency;
					// keep trying until the queue drains.
					continue
				}
				mu.Lock()
				claimed[ev.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Fatalf("claimed %d distinct events, want %d", len(claimed), n)
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("event %s claimed %d times, want 1", id, count)
		}
	}
}

func TestCountPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := insertEvent(t, s, nil, nil)
	insertEvent(t, s, nil, nil)

	n, err := s.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	n, err = s.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pending = %d, want 2 (PROCESSING still pending)", n)
	}

	code := 200
	if err := s.MarkDelivered(ctx, a.ID, webhook.Attempt{AttemptNumber: 1, Timestamp: now, StatusCode: &code, Success: true}); err != nil {
		t.Fatal(err)
	}
	n, err = s.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pending = %d, want 1 after delivery", n)
	}
}

func failedAttempt(n int, ts time.Time, code int) webhook.Attempt {
	msg := "HTTP 500"
	return webhook.Attempt{
		AttemptNumber: n,
		Timestamp:     ts,
		StatusCode:    &code,
		Success:       false,
		ErrorMessage:  &msg,
		DurationMS:    3.2,
	}
}
