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

// Package store provides the SQLite-backed persistence layer for webhook
// events, including schema migrations, the atomic claim primitive used to
// coordinate delivery workers across replicas, and search/aggregation
// queries for the operator API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"hookrelay/pkg/webhook"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey indicates an insert collided with an
	// existing event carrying the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// webhooks table
		`CREATE TABLE IF NOT EXISTS webhooks (
  id              TEXT PRIMARY KEY,
  payload         TEXT NOT NULL,
  status          TEXT NOT NULL CHECK (status IN ('RECEIVED','PROCESSING','DELIVERED','FAILED_PERMANENTLY')),
  received_at     TIMESTAMP NOT NULL,
  event_type      TEXT NULL,
  idempotency_key TEXT NULL,
  next_retry_at   TIMESTAMP NULL,
  delivered_at    TIMESTAMP NULL,
  failed_at       TIMESTAMP NULL,
  version         INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_status ON webhooks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_received_at ON webhooks(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_event_type ON webhooks(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_status_retry ON webhooks(status, next_retry_at);`,
		// Partial unique index: idempotency keys are optional but unique when present.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhooks_idempotency_key ON webhooks(idempotency_key) WHERE idempotency_key IS NOT NULL;`,

		// delivery_attempts table; UNIQUE(event_id, attempt_number) backstops
		// the strictly sequential attempt numbering.
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id       TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
  attempt_number INTEGER NOT NULL,
  timestamp      TIMESTAMP NOT NULL,
  status_code    INTEGER NULL,
  success        INTEGER NOT NULL,
  error_message  TEXT NULL,
  duration_ms    REAL NOT NULL DEFAULT 0,
  UNIQUE(event_id, attempt_number)
);`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_event ON delivery_attempts(event_id, attempt_number);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Events ---------------

// Insert persists a new event with status RECEIVED and version 1, assigning
// a fresh ID when the caller did not set one. Returns
// ErrDuplicateIdempotencyKey when the idempotency key already exists.
func (s *Store) Insert(ctx context.Context, ev *webhook.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = webhook.StatusReceived
	}
	if ev.Version == 0 {
		ev.Version = 1
	}

	const ins = `
INSERT INTO webhooks (id, payload, status, received_at, event_type, idempotency_key, next_retry_at, delivered_at, failed_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var eventType, idemKey any
	if ev.EventType != nil {
		eventType = *ev.EventType
	}
	if ev.IdempotencyKey != nil {
		idemKey = *ev.IdempotencyKey
	}

	_, err := s.db.ExecContext(ctx, ins,
		ev.ID, string(ev.Payload), ev.Status.String(), ev.ReceivedAt.UTC(),
		eventType, idemKey, nullableTime(ev.NextRetryAt), nullableTime(ev.DeliveredAt), nullableTime(ev.FailedAt), ev.Version)
	if err != nil {
		if strings.Contains(err.Error(), "webhooks.idempotency_key") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// FindByID retrieves an event and its attempts by ID.
func (s *Store) FindByID(ctx context.Context, id string) (*webhook.Event, error) {
	ev, err := s.getEvent(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.listAttempts(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	ev.DeliveryAttempts = attempts
	return ev, nil
}

// FindByIdempotencyKey retrieves the event carrying the given idempotency
// key, or ErrNotFound.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*webhook.Event, error) {
	const q = `SELECT id FROM webhooks WHERE idempotency_key=?`
	var id string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return s.FindByID(ctx, id)
}

// ClaimNext atomically claims one deliverable event: status RECEIVED, or
// PROCESSING with an elapsed next_retry_at. The claim sets PROCESSING,
// bumps the version, and stamps a provisional next_retry_at of now+leaseTTL
// so an event orphaned by a dying replica becomes re-eligible after the
// delivery timeout window. Distinct concurrent callers receive distinct
// events. Returns ErrNotFound when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, leaseTTL time.Duration) (*webhook.Event, error) {
	now = now.UTC()
	leaseUntil := now.Add(leaseTTL)

	var claimed *webhook.Event
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Select a candidate
		const sel = `SELECT id FROM webhooks
WHERE status='RECEIVED' OR (status='PROCESSING' AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
ORDER BY received_at ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select deliverable event: %w", err)
		}

		// Try to acquire atomically; the WHERE re-asserts eligibility so a
		// concurrent claimer loses cleanly via rows-affected.
		const upd = `UPDATE webhooks
SET status='PROCESSING', next_retry_at=?, version=version+1
WHERE id=? AND (status='RECEIVED' OR (status='PROCESSING' AND next_retry_at IS NOT NULL AND next_retry_at <= ?))`
		res, err := tx.ExecContext(ctx, upd, leaseUntil, id, now)
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		ev, err := s.getEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		attempts, err := s.listAttempts(ctx, tx, id)
		if err != nil {
			return err
		}
		ev.DeliveryAttempts = attempts
		claimed = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDelivered appends the successful attempt and transitions the event to
// DELIVERED, clearing next_retry_at. Terminal; the event is never claimed again.
func (s *Store) MarkDelivered(ctx context.Context, id string, attempt webhook.Attempt) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, id, attempt); err != nil {
			return err
		}
		const upd = `UPDATE webhooks
SET status='DELIVERED', delivered_at=?, next_retry_at=NULL, version=version+1
WHERE id=? AND status='PROCESSING'`
		res, err := tx.ExecContext(ctx, upd, attempt.Timestamp.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkFailedPermanent appends the final attempt and transitions the event
// to FAILED_PERMANENTLY, clearing next_retry_at. Terminal.
func (s *Store) MarkFailedPermanent(ctx context.Context, id string, attempt webhook.Attempt) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, id, attempt); err != nil {
			return err
		}
		const upd = `UPDATE webhooks
SET status='FAILED_PERMANENTLY', failed_at=?, next_retry_at=NULL, version=version+1
WHERE id=? AND status='PROCESSING'`
		res, err := tx.ExecContext(ctx, upd, attempt.Timestamp.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark failed permanently: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ScheduleRetry sets the next retry instant, appending the failed attempt
// when one is supplied (a circuit-open reschedule supplies none). The event
// stays in PROCESSING.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempt *webhook.Attempt, nextRetryAt time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if attempt != nil {
			if err := insertAttempt(ctx, tx, id, *attempt); err != nil {
				return err
			}
		}
		const upd = `UPDATE webhooks
SET next_retry_at=?, version=version+1
WHERE id=? AND status='PROCESSING'`
		res, err := tx.ExecContext(ctx, upd, nextRetryAt.UTC(), id)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountPending returns the number of events with status RECEIVED or PROCESSING.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM webhooks WHERE status IN ('RECEIVED','PROCESSING')`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// --------------- Internal helpers ---------------

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getEvent(ctx context.Context, q querier, id string) (*webhook.Event, error) {
	const sel = `SELECT id, payload, status, received_at, event_type, idempotency_key, next_retry_at, delivered_at, failed_at, version
FROM webhooks WHERE id=?`

	ev, err := scanEvent(q.QueryRowContext(ctx, sel, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*webhook.Event, error) {
	var row struct {
		id, payload, status                string
		receivedAt                         time.Time
		eventType, idemKey                 sql.NullString
		nextRetryAt, deliveredAt, failedAt sql.NullTime
		version                            int64
	}
	if err := r.Scan(&row.id, &row.payload, &row.status, &row.receivedAt,
		&row.eventType, &row.idemKey, &row.nextRetryAt, &row.deliveredAt, &row.failedAt, &row.version); err != nil {
		return nil, err
	}
	return &webhook.Event{
		ID:             row.id,
		Payload:        json.RawMessage(row.payload),
		Status:         webhook.Status(row.status),
		ReceivedAt:     row.receivedAt.UTC(),
		EventType:      fromNullStringPtr(row.eventType),
		IdempotencyKey: fromNullStringPtr(row.idemKey),
		NextRetryAt:    fromNullTimePtr(row.nextRetryAt),
		DeliveredAt:    fromNullTimePtr(row.deliveredAt),
		FailedAt:       fromNullTimePtr(row.failedAt),
		Version:        row.version,
	}, nil
}

func (s *Store) listAttempts(ctx context.Context, q querier, eventID string) ([]webhook.Attempt, error) {
	const sel = `SELECT attempt_number, timestamp, status_code, success, error_message, duration_ms
FROM delivery_attempts WHERE event_id=? ORDER BY attempt_number ASC`
	rows, err := q.QueryContext(ctx, sel, eventID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []webhook.Attempt
	for rows.Next() {
		var (
			number     int
			ts         time.Time
			statusCode sql.NullInt64
			success    bool
			errMsg     sql.NullString
			durationMS float64
		)
		if err := rows.Scan(&number, &ts, &statusCode, &success, &errMsg, &durationMS); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a := webhook.Attempt{
			AttemptNumber: number,
			Timestamp:     ts.UTC(),
			Success:       success,
			ErrorMessage:  fromNullStringPtr(errMsg),
			DurationMS:    durationMS,
		}
		if statusCode.Valid {
			code := int(statusCode.Int64)
			a.StatusCode = &code
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func insertAttempt(ctx context.Context, tx *sql.Tx, eventID string, a webhook.Attempt) error {
	const ins = `INSERT INTO delivery_attempts(event_id, attempt_number, timestamp, status_code, success, error_message, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`
	var statusCode, errMsg any
	if a.StatusCode != nil {
		statusCode = *a.StatusCode
	}
	if a.ErrorMessage != nil {
		errMsg = *a.ErrorMessage
	}
	_, err := tx.ExecContext(ctx, ins, eventID, a.AttemptNumber, a.Timestamp.UTC(), statusCode, a.Success, errMsg, a.DurationMS)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
