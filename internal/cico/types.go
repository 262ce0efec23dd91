// Package cico provides types and utilities for interacting with the CICO grid API.
package cico

import "encoding/json"

// Record represents a single grid row as a map of column names to values.
// Values are loosely typed (string/number/date) per the grid's external schema.
type Record map[string]interface{}

// Filter is a condition map evaluated by CICO against the grid's backing
// collection. Keys are column names; values are either literals (equality)
// or operator documents such as {"$in": [...]}.
type Filter map[string]interface{}

// ID returns the _id field of a record, or "" if absent or not a string.
func (r Record) ID() string {
	val, ok := r["_id"]
	if !ok {
		return ""
	}
	id, _ := val.(string)
	return id
}

// Report describes a grid as configured in the CICO admin UI, resolved by
// Client.GetReport. It carries everything the data endpoint needs to scope
// reads and writes: the configured condition, the column projection, and
// the backing collection.
type Report struct {
	// Name is the grid name as shown under Manage Grids.
	Name string

	// Collection is the backing database collection the grid reads from.
	Collection string

	// Condition is the filter derived from the grid's standard filter rules.
	Condition Filter

	// Fields is the column projection built from the grid's configured columns.
	Fields map[string]int

	// Context carries the query context the data endpoint expects.
	Context map[string]string
}

// filterRule is one entry of a report's filterRules array.
//
// Example: {"name": "R1", "col": "programName", "match": "isoneof",
// "val": ["Ashramites"], "link": "and", "prec": "1"}
type filterRule struct {
	Name  string          `json:"name"`
	Col   string          `json:"col"`
	Match string          `json:"match"`
	Val   json.RawMessage `json:"val"`
	Link  string          `json:"link"`
	Prec  string          `json:"prec"`
}

// reportRow is the shape of a row from the reports meta-collection.
type reportRow struct {
	Name         string       `json:"name"`
	DB           string       `json:"db"`
	FilterRules  []filterRule `json:"filterRules"`
	GridColNames []string     `json:"gridColNames"`
}

// rowsResponse is the JSON envelope returned by the data endpoint for reads.
type rowsResponse struct {
	Rows    []Record `json:"rows"`
	Records int      `json:"records"`
}

// statusResponse is the JSON envelope returned by the data endpoint for edits.
type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
