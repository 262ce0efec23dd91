package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hamba/avro/v2"
)

func testEvent() Event {
	return Event{
		Grid:     "Update Checkin Time",
		RecordID: "R1",
		Actor:    "apiuser",
		Fields: map[string]string{
			"checkin": "25-01-2026 09:30:00",
			"status":  "Checked In",
		},
		UpdatedAt: time.Date(2026, 1, 25, 9, 30, 0, 0, time.UTC),
	}
}

func TestEncodeJSON(t *testing.T) {
	data, err := encodeJSON(testEvent())
	if err != nil {
		t.Fatalf("encodeJSON failed: %v", err)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if got.Grid != "Update Checkin Time" || got.RecordID != "R1" {
		t.Errorf("decoded = %+v", got)
	}
	if got.Fields["status"] != "Checked In" {
		t.Errorf("fields = %v", got.Fields)
	}
	if !got.UpdatedAt.Equal(testEvent().UpdatedAt) {
		t.Errorf("updated_at = %v", got.UpdatedAt)
	}
}

func TestEncodeAvro(t *testing.T) {
	ev := testEvent()
	data, err := encodeAvro(ev)
	if err != nil {
		t.Fatalf("encodeAvro failed: %v", err)
	}

	var got avroEvent
	if err := avro.Unmarshal(eventSchema, data, &got); err != nil {
		t.Fatalf("decoding avro event: %v", err)
	}
	if got.Grid != ev.Grid || got.RecordID != ev.RecordID {
		t.Errorf("decoded = %+v", got)
	}
	if got.Actor == nil || *got.Actor != "apiuser" {
		t.Errorf("actor = %v", got.Actor)
	}
	if got.UpdatedAtMS != ev.UpdatedAt.UnixMilli() {
		t.Errorf("updated_at_ms = %d, want %d", got.UpdatedAtMS, ev.UpdatedAt.UnixMilli())
	}
	if got.Fields["checkin"] != "25-01-2026 09:30:00" {
		t.Errorf("fields = %v", got.Fields)
	}
}

func TestEncodeAvro_EmptyActorAndFields(t *testing.T) {
	ev := Event{Grid: "g", RecordID: "r", UpdatedAt: time.Now()}

	data, err := encodeAvro(ev)
	if err != nil {
		t.Fatalf("encodeAvro failed: %v", err)
	}

	var got avroEvent
	if err := avro.Unmarshal(eventSchema, data, &got); err != nil {
		t.Fatalf("decoding avro event: %v", err)
	}
	if got.Actor != nil {
		t.Errorf("empty actor should encode as null, got %v", *got.Actor)
	}
	if got.Fields == nil || len(got.Fields) != 0 {
		t.Errorf("nil fields should encode as empty map, got %v", got.Fields)
	}
}
