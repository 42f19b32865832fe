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
	"fmt"
	"sort"
	"strings"
	"time"

	"hookrelay/pkg/webhook"
)

// searchFilter renders the WHERE clause shared by Search and Aggregate.
// All filters combine with AND; date bounds are inclusive.
func searchFilter(req webhook.SearchRequest) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if req.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, req.Status.String())
	}
	if req.EventType != nil {
		conds = append(conds, "event_type = ?")
		args = append(args, *req.EventType)
	}
	if req.FromDate != nil {
		conds = append(conds, "received_at >= ?")
		args = append(args, req.FromDate.UTC())
	}
	if req.ToDate != nil {
		conds = append(conds, "received_at <= ?")
		args = append(args, req.ToDate.UTC())
	}
	if req.SearchQuery != nil && *req.SearchQuery != "" {
		conds = append(conds, "payload LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(*req.SearchQuery)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// Search returns the filtered events, newest first, with their attempts,
// plus the total match count before pagination.
func (s *Store) Search(ctx context.Context, req webhook.SearchRequest) ([]*webhook.Event, int, error) {
	where, args := searchFilter(req)

	var total int
	countQ := "SELECT COUNT(*) FROM webhooks" + where
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	sel := `SELECT id, payload, status, received_at, event_type, idempotency_key, next_retry_at, delivered_at, failed_at, version
FROM webhooks` + where + ` ORDER BY received_at DESC LIMIT ? OFFSET ?`
	pageArgs := append(append([]any{}, args...), req.Limit, req.Skip)

	rows, err := s.db.QueryContext(ctx, sel, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var events []*webhook.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}

	for _, ev := range events {
		attempts, err := s.listAttempts(ctx, s.db, ev.ID)
		if err != nil {
			return nil, 0, err
		}
		ev.DeliveryAttempts = attempts
	}

	return events, total, nil
}

// Aggregate computes grouped counts over all events matching the filter,
// ignoring pagination. The hourly histogram is bucketed on received_at
// truncated to the hour.
func (s *Store) Aggregate(ctx context.Context, req webhook.SearchRequest) (*webhook.Aggregations, error) {
	where, args := searchFilter(req)
	agg := &webhook.Aggregations{
		ByStatus:        []webhook.StatusCount{},
		ByEventType:     []webhook.EventTypeCount{},
		HourlyHistogram: []webhook.HourlyCount{},
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM webhooks"+where, args...).Scan(&agg.TotalCount); err != nil {
		return nil, fmt.Errorf("aggregate total: %w", err)
	}

	{
		q := "SELECT status, COUNT(*) FROM webhooks" + where + " GROUP BY status ORDER BY status"
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("aggregate by status: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sc webhook.StatusCount
			if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
				return nil, fmt.Errorf("scan status bucket: %w", err)
			}
			agg.ByStatus = append(agg.ByStatus, sc)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate status buckets: %w", err)
		}
	}

	{
		// NULL event types collapse into the "unknown" bucket
		q := "SELECT COALESCE(event_type, 'unknown'), COUNT(*) FROM webhooks" + where + " GROUP BY COALESCE(event_type, 'unknown') ORDER BY 1"
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("aggregate by event type: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ec webhook.EventTypeCount
			if err := rows.Scan(&ec.EventType, &ec.Count); err != nil {
				return nil, fmt.Errorf("scan event type bucket: %w", err)
			}
			agg.ByEventType = append(agg.ByEventType, ec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate event type buckets: %w", err)
		}
	}

	// Hour bucketing happens here rather than in SQL so the bucket label is
	// independent of the driver's time encoding.
	{
		q := "SELECT received_at FROM webhooks" + where
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("aggregate hourly: %w", err)
		}
		defer rows.Close()
		buckets := map[string]int{}
		for rows.Next() {
			var ts time.Time
			if err := rows.Scan(&ts); err != nil {
				return nil, fmt.Errorf("scan received_at: %w", err)
			}
			hour := ts.UTC().Truncate(time.Hour).Format("2006-01-02T15:00:00Z")
			buckets[hour]++
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate hourly buckets: %w", err)
		}
		hours := make([]string, 0, len(buckets))
		for h := range buckets {
			hours = append(hours, h)
		}
		sort.Strings(hours)
		for _, h := range hours {
			agg.HourlyHistogram = append(agg.HourlyHistogram, webhook.HourlyCount{Hour: h, Count: buckets[h]})
		}
	}

	return agg, nil
}
