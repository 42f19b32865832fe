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

package webhook

import (
	"encoding/json"
	"testing"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusReceived, StatusProcessing, StatusDelivered, StatusFailedPermanently}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("Status(%q).Valid() = false, want true", s)
		}
	}
	if Status("BOGUS").Valid() {
		t.Error("Status(\"BOGUS\").Valid() = true, want false")
	}
	if Status("").Valid() {
		t.Error("empty Status.Valid() = true, want false")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusReceived.IsTerminal() || StatusProcessing.IsTerminal() {
		t.Error("RECEIVED/PROCESSING must not be terminal")
	}
	if !StatusDelivered.IsTerminal() || !StatusFailedPermanently.IsTerminal() {
		t.Error("DELIVERED/FAILED_PERMANENTLY must be terminal")
	}
}

func TestExtractEventType(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		wantNil bool
	}{
		{
			name:    "event_type key",
			payload: map[string]any{"event_type": "order.created"},
			want:    "order.created",
		},
		{
			name:    "type key",
			payload: map[string]any{"type": "payment"},
			want:    "payment",
		},
		{
			name:    "event key",
			payload: map[string]any{"event": "refund"},
			want:    "refund",
		},
		{
			name:    "event_type wins over type",
			payload: map[string]any{"type": "b", "event_type": "a", "event": "c"},
			want:    "a",
		},
		{
			name:    "empty string skipped, falls through to type",
			payload: map[string]any{"event_type": "", "type": "fallback"},
			want:    "fallback",
		},
		{
			name:    "non-string value skipped",
			payload: map[string]any{"event_type": 42, "type": "ok"},
			want:    "ok",
		},
		{
			name:    "none present",
			payload: map[string]any{"order": 1},
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractEventType(tt.payload)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("ExtractEventType() = %q, want nil", *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Fatalf("ExtractEventType() = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestNewEvent(t *testing.T) {
	payload := json.RawMessage(`{"a":1}`)
	eventType := "order.created"
	ev := NewEvent(payload, &eventType, nil)

	if ev.Status != StatusReceived {
		t.Errorf("status = %q, want RECEIVED", ev.Status)
	}
	if ev.Version != 1 {
		t.Errorf("version = %d, want 1", ev.Version)
	}
	if len(ev.DeliveryAttempts) != 0 {
		t.Errorf("expected no attempts, got %d", len(ev.DeliveryAttempts))
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("received_at not set")
	}
	if ev.EventTypeOrUnknown() != "order.created" {
		t.Errorf("EventTypeOrUnknown() = %q", ev.EventTypeOrUnknown())
	}
}

func TestEventTypeOrUnknown(t *testing.T) {
	var ev Event
	if got := ev.EventTypeOrUnknown(); got != "unknown" {
		t.Errorf("nil event type: got %q, want unknown", got)
	}
	empty := ""
	ev.EventType = &empty
	if got := ev.EventTypeOrUnknown(); got != "unknown" {
		t.Errorf("empty event type: got %q, want unknown", got)
	}
}
