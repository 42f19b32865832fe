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

// Package webhook contains the shared data models used by the ingest API,
// the event store, and the delivery worker.
package webhook

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a webhook event.
// States: RECEIVED → PROCESSING → {DELIVERED|FAILED_PERMANENTLY}.
type Status string

const (
	StatusReceived          Status = "RECEIVED"
	StatusProcessing        Status = "PROCESSING"
	StatusDelivered         Status = "DELIVERED"
	StatusFailedPermanently Status = "FAILED_PERMANENTLY"
)

// Valid reports whether the status is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusDelivered, StatusFailedPermanently:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
// Terminal events are never claimed or mutated again.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailedPermanently
}

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// Attempt is an immutable record of one delivery try. Attempts are
// append-only; attempt numbers are 1-based and strictly sequential.
type Attempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	StatusCode    *int      `json:"status_code,omitempty"`
	Success       bool      `json:"success"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	DurationMS    float64   `json:"duration_ms"`
}

// Event is one persisted webhook event. The payload is the original request
// body, kept byte-for-byte for re-send. Version increments on every mutation.
type Event struct {
	ID               string          `json:"id"`
	Payload          json.RawMessage `json:"payload"`
	Status           Status          `json:"status"`
	ReceivedAt       time.Time       `json:"received_at"`
	EventType        *string         `json:"event_type,omitempty"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"`
	DeliveryAttempts []Attempt       `json:"delivery_attempts"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	Version          int64           `json:"version"`
}

// NewEvent constructs a new Event with status RECEIVED and no attempts.
// The store assigns a unique ID on insert.
func NewEvent(payload json.RawMessage, eventType, idempotencyKey *string) Event {
	return Event{
		Payload:          payload,
		Status:           StatusReceived,
		ReceivedAt:       time.Now().UTC(),
		EventType:        eventType,
		IdempotencyKey:   idempotencyKey,
		DeliveryAttempts: nil,
		Version:          1,
	}
}

// EventTypeOrUnknown returns the event type, or "unknown" when none was
// extracted. Used as the metric label value.
func (e *Event) EventTypeOrUnknown() string {
	if e.EventType == nil || *e.EventType == "" {
		return "unknown"
	}
	return *e.EventType
}

// ExtractEventType pulls the event type out of a payload object, checking
// the keys "event_type", "type", and "event" in that order. Only non-empty
// string values count; returns nil when none is present.
func ExtractEventType(payload map[string]any) *string {
	for _, key := range []string{"event_type", "type", "event"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return &v
		}
	}
	return nil
}

// IngestResponse is returned by POST /webhooks/ingest for both new events
// and idempotent duplicates.
type IngestResponse struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
	Message    string    `json:"message"`
}

// SearchRequest is the filter and pagination input for POST /webhooks/search.
type SearchRequest struct {
	Status              *Status    `json:"status,omitempty"`
	EventType           *string    `json:"event_type,omitempty"`
	FromDate            *time.Time `json:"from_date,omitempty"`
	ToDate              *time.Time `json:"to_date,omitempty"`
	SearchQuery         *string    `json:"search_query,omitempty"`
	Skip                int        `json:"skip"`
	Limit               int        `json:"limit"`
	IncludeAggregations bool       `json:"include_aggregations"`
}

// StatusCount is one by-status aggregation bucket.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// EventTypeCount is one by-event-type aggregation bucket.
type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

// HourlyCount is one hourly histogram bucket. Hour is the received_at
// instant truncated to the hour, formatted YYYY-MM-DDTHH:00:00Z.
type HourlyCount struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// Aggregations holds grouped counts over the events matching a search filter.
type Aggregations struct {
	ByStatus        []StatusCount    `json:"by_status"`
	ByEventType     []EventTypeCount `json:"by_event_type"`
	HourlyHistogram []HourlyCount    `json:"hourly_histogram"`
	TotalCount      int              `json:"total_count"`
}

// SearchResponse is the result of POST /webhooks/search.
type SearchResponse struct {
	Events       []*Event      `json:"events"`
	Aggregations *Aggregations `json:"aggregations,omitempty"`
	Skip         int           `json:"skip"`
	Limit        int           `json:"limit"`
	Total        int           `json:"total"`
}
