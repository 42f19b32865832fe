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

// Package api implements the HTTP surface: webhook ingestion, event lookup,
// search with aggregations, and the health endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
	"hookrelay/pkg/hmacsig"
	"hookrelay/pkg/webhook"
)

const (
	msgReceived  = "Webhook received successfully"
	msgDuplicate = "Duplicate event (idempotency key exists)"

	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Store is the persistence surface the HTTP handlers need.
type Store interface {
	Insert(ctx context.Context, ev *webhook.Event) error
	FindByID(ctx context.Context, id string) (*webhook.Event, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*webhook.Event, error)
	Search(ctx context.Context, req webhook.SearchRequest) ([]*webhook.Event, int, error)
	Aggregate(ctx context.Context, req webhook.SearchRequest) (*webhook.Aggregations, error)
}

// API holds the handler dependencies.
type API struct {
	store      Store
	hmacSecret string
	logger     *slog.Logger
}

// New constructs the API. A nil logger defaults to slog.Default.
func New(st Store, hmacSecret string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:      st,
		hmacSecret: hmacSecret,
		logger:     logger.With("component", "api"),
	}
}

// Register attaches all routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/ingest", a.handleIngest)
	mux.HandleFunc("/webhooks/search", a.handleSearch)
	mux.HandleFunc("/webhooks/", a.handleGet)
	mux.HandleFunc("/health", a.handleHealth)
}

// handleIngest accepts a signed webhook, persists it, and returns without
// waiting for delivery. Duplicate idempotency keys return the original
// record instead of creating a new one.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := hmacsig.Validate(body, r.Header.Get("X-Signature"), a.hmacSecret); err != nil {
		a.logger.Warn("signature verification failed", "error", err, "remote", r.RemoteAddr)
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	var idemKey *string
	if k := r.Header.Get("X-Idempotency-Key"); k != "" {
		idemKey = &k
		if prior, err := a.store.FindByIdempotencyKey(r.Context(), k); err == nil {
			writeJSON(w, http.StatusOK, webhook.IngestResponse{
				ID:         prior.ID,
				Status:     prior.Status,
				ReceivedAt: prior.ReceivedAt,
				Message:    msgDuplicate,
			})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("idempotency lookup failed", "error", err)
			jsonError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	ev := webhook.NewEvent(json.RawMessage(body), webhook.ExtractEventType(payload), idemKey)
	if err := a.store.Insert(r.Context(), &ev); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && idemKey != nil {
			// Lost a concurrent-ingest race; the winner's record is authoritative.
			if prior, err := a.store.FindByIdempotencyKey(r.Context(), *idemKey); err == nil {
				writeJSON(w, http.StatusOK, webhook.IngestResponse{
					ID:         prior.ID,
					Status:     prior.Status,
					ReceivedAt: prior.ReceivedAt,
					Message:    msgDuplicate,
				})
				return
			}
		}
		a.logger.Error("failed to persist event", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	metrics.IncEventsReceived(ev.EventTypeOrUnknown())
	a.logger.Info("webhook ingested",
		"event_id", ev.ID, "event_type", ev.EventTypeOrUnknown())

	writeJSON(w, http.StatusOK, webhook.IngestResponse{
		ID:         ev.ID,
		Status:     ev.Status,
		ReceivedAt: ev.ReceivedAt,
		Message:    msgReceived,
	})
}

// handleSearch filters and paginates stored events, optionally attaching
// aggregations computed over the full filtered set.
func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// include_aggregations defaults to true when omitted.
	var raw struct {
		webhook.SearchRequest
		IncludeAggregations *bool `json:"include_aggregations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req := raw.SearchRequest
	req.IncludeAggregations = raw.IncludeAggregations == nil || *raw.IncludeAggregations

	if req.Limit == 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Skip < 0 {
		jsonError(w, http.StatusBadRequest, "skip must be non-negative")
		return
	}
	if req.Limit < 1 || req.Limit > maxSearchLimit {
		jsonError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		jsonError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	events, total, err := a.store.Search(r.Context(), req)
	if err != nil {
		a.logger.Error("search failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*webhook.Event{}
	}

	resp := webhook.SearchResponse{
		Events: events,
		Skip:   req.Skip,
		Limit:  req.Limit,
		Total:  total,
	}
	if req.IncludeAggregations {
		agg, err := a.store.Aggregate(r.Context(), req)
		if err != nil {
			a.logger.Error("aggregation failed", "error", err)
			jsonError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Aggregations = agg
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGet returns one event with its full attempt history.
func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	ev, err := a.store.FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		a.logger.Error("event lookup failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ev.DeliveryAttempts == nil {
		ev.DeliveryAttempts = []webhook.Attempt{}
	}

	writeJSON(w, http.StatusOK, ev)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "webhook-delivery-system",
	})
}
