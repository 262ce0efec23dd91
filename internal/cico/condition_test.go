package cico

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestConditionBuilder(t *testing.T) {
	cond := NewCondition().
		Equals("name", "G Kumaran").
		In("programName", "Ashramites", "Guests").
		GreaterThanOrEqual("checkin", "25-01-2026 00:00:00").
		Build()

	if cond["name"] != "G Kumaran" {
		t.Errorf("equals clause = %v", cond["name"])
	}
	in, ok := cond["programName"].(Filter)
	if !ok || len(in["$in"].([]interface{})) != 2 {
		t.Errorf("in clause = %v", cond["programName"])
	}
	gte, ok := cond["checkin"].(Filter)
	if !ok || gte["$gte"] != "25-01-2026 00:00:00" {
		t.Errorf("gte clause = %v", cond["checkin"])
	}
}

func TestConditionBuilder_LaterClauseWins(t *testing.T) {
	cond := NewCondition().
		Equals("status", "Expected").
		Equals("status", "Closed").
		Build()

	if cond["status"] != "Closed" {
		t.Errorf("status = %v, want the later clause", cond["status"])
	}
}

func TestConditionBuilder_Between(t *testing.T) {
	cond := NewCondition().Between("checkin", "a", "b").Build()
	clause := cond["checkin"].(Filter)
	if clause["$gte"] != "a" || clause["$lte"] != "b" {
		t.Errorf("between clause = %v", clause)
	}
}

func TestMergeConditions(t *testing.T) {
	base := Filter{"programName": "Ashramites", "status": "Expected"}
	extra := Filter{"status": "Closed", "name": "G Kumaran"}

	merged := mergeConditions(base, extra)

	if merged["status"] != "Closed" {
		t.Errorf("extra should win on collision: %v", merged)
	}
	if merged["programName"] != "Ashramites" || merged["name"] != "G Kumaran" {
		t.Errorf("merged = %v", merged)
	}

	// Neither input may be mutated.
	if base["status"] != "Expected" || len(base) != 2 {
		t.Errorf("base mutated: %v", base)
	}
	if len(extra) != 2 {
		t.Errorf("extra mutated: %v", extra)
	}
}

func TestMergeConditions_NilInputs(t *testing.T) {
	if got := mergeConditions(nil, Filter{"a": 1}); got["a"] != 1 {
		t.Errorf("nil base: %v", got)
	}
	if got := mergeConditions(Filter{"a": 1}, nil); got["a"] != 1 {
		t.Errorf("nil extra: %v", got)
	}
}

func TestConditionFromRules(t *testing.T) {
	rules := []filterRule{
		{Name: "R1", Col: "programName", Match: "isoneof", Val: json.RawMessage(`["Ashramites"]`)},
		{Name: "R2", Col: "name", Match: "=", Val: json.RawMessage(`"G Kumaran"`)},
		{Name: "R3", Col: "checkin", Match: "datetime", Val: json.RawMessage(`"x"`)},
	}

	cond, err := conditionFromRules(rules)
	if err != nil {
		t.Fatalf("conditionFromRules failed: %v", err)
	}

	want := Filter{
		"programName": Filter{"$in": []interface{}{"Ashramites"}},
		"name":        "G Kumaran",
	}
	if !reflect.DeepEqual(cond, want) {
		t.Errorf("condition = %v, want %v", cond, want)
	}
}

func TestDecodeRuleValues_BareScalar(t *testing.T) {
	// Single-value isoneof rules are stored as a bare scalar by the admin UI.
	vals, err := decodeRuleValues(json.RawMessage(`"Ashramites"`))
	if err != nil {
		t.Fatalf("decodeRuleValues failed: %v", err)
	}
	if len(vals) != 1 || vals[0] != "Ashramites" {
		t.Errorf("vals = %v", vals)
	}
}

func TestBuildReport_Errors(t *testing.T) {
	if _, err := buildReport("G", reportRow{GridColNames: []string{"a"}}); err == nil {
		t.Error("expected error for missing backing collection")
	}
	if _, err := buildReport("G", reportRow{DB: "coll"}); err == nil {
		t.Error("expected error for no configured columns")
	}
}
