// Package audit publishes field-update audit events to Kafka.
//
// # Overview
//
// Every successful SetFields call can be recorded as an audit event: which
// grid, which record, which fields changed to what, who did it, and when.
// Events are published synchronously to a Kafka topic so that a reported
// update is never silently unaudited; consumers (reporting, reconciliation)
// are outside this repo.
//
// # Encodings
//
// Two wire encodings are supported, selected by configuration:
//
//   - json: the Event struct serialized with encoding/json. Easiest to
//     consume ad hoc.
//   - avro: the fixed schema below, serialized with hamba/avro. The schema
//     travels out-of-band (it is stable and versioned with this repo); no
//     schema registry is involved.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hamba/avro/v2"
)

// Event describes one applied field update.
type Event struct {
	// Grid is the grid name the update went through.
	Grid string `json:"grid"`

	// RecordID is the _id of the updated record.
	RecordID string `json:"record_id"`

	// Actor identifies who performed the update (the configured API user).
	Actor string `json:"actor,omitempty"`

	// Fields maps updated column names to the values that were written.
	Fields map[string]string `json:"fields"`

	// UpdatedAt is when the update was acknowledged by CICO.
	UpdatedAt time.Time `json:"updated_at"`
}

// eventSchema is the Avro schema for Event. Field values are strings on the
// CICO wire, so the fields map is map<string>.
var eventSchema = avro.MustParse(`{
	"type": "record",
	"name": "FieldUpdate",
	"namespace": "cicogrid.audit",
	"fields": [
		{"name": "grid", "type": "string"},
		{"name": "record_id", "type": "string"},
		{"name": "actor", "type": ["null", "string"], "default": null},
		{"name": "fields", "type": {"type": "map", "values": "string"}},
		{"name": "updated_at_ms", "type": "long"}
	]
}`)

// avroEvent is the wire shape matching eventSchema.
type avroEvent struct {
	Grid        string            `avro:"grid"`
	RecordID    string            `avro:"record_id"`
	Actor       *string           `avro:"actor"`
	Fields      map[string]string `avro:"fields"`
	UpdatedAtMS int64             `avro:"updated_at_ms"`
}

// encodeJSON serializes an event with encoding/json.
func encodeJSON(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit event: %w", err)
	}
	return data, nil
}

// encodeAvro serializes an event with the fixed Avro schema.
func encodeAvro(ev Event) ([]byte, error) {
	wire := avroEvent{
		Grid:        ev.Grid,
		RecordID:    ev.RecordID,
		Fields:      ev.Fields,
		UpdatedAtMS: ev.UpdatedAt.UnixMilli(),
	}
	if ev.Actor != "" {
		actor := ev.Actor
		wire.Actor = &actor
	}
	if wire.Fields == nil {
		wire.Fields = map[string]string{}
	}

	data, err := avro.Marshal(eventSchema, wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling avro audit event: %w", err)
	}
	return data, nil
}
