// Package cico report definition parsing.
package cico

import (
	"encoding/json"
	"fmt"
)

// buildReport converts a row of the reports meta-collection into a Report
// ready for use with Rows and SetFields.
func buildReport(name string, row reportRow) (*Report, error) {
	if row.DB == "" {
		return nil, fmt.Errorf("report %q has no backing collection", name)
	}
	if len(row.GridColNames) == 0 {
		return nil, fmt.Errorf("report %q has no configured columns", name)
	}

	condition, err := conditionFromRules(row.FilterRules)
	if err != nil {
		return nil, fmt.Errorf("report %q: %w", name, err)
	}

	fields := make(map[string]int, len(row.GridColNames))
	for _, col := range row.GridColNames {
		fields[col] = 1
	}

	return &Report{
		Name:       name,
		Collection: row.DB,
		Condition:  condition,
		Fields:     fields,
		Context:    map[string]string{"collection": row.DB},
	}, nil
}

// conditionFromRules translates a grid's standard filter rules into the
// condition document the data endpoint evaluates.
//
// Only "=" and "isoneof" rules scope API queries; other match types are
// applied by the grid UI at render time and are skipped here.
func conditionFromRules(rules []filterRule) (Filter, error) {
	cond := Filter{}
	for _, rule := range rules {
		switch rule.Match {
		case "=":
			var val interface{}
			if err := json.Unmarshal(rule.Val, &val); err != nil {
				return nil, fmt.Errorf("filter rule %s (col %s): %w", rule.Name, rule.Col, err)
			}
			cond[rule.Col] = val

		case "isoneof":
			vals, err := decodeRuleValues(rule.Val)
			if err != nil {
				return nil, fmt.Errorf("filter rule %s (col %s): %w", rule.Name, rule.Col, err)
			}
			cond[rule.Col] = Filter{opIn: vals}
		}
	}
	return cond, nil
}

// decodeRuleValues decodes an isoneof value list. The admin UI usually
// stores an array, but single-value rules are stored as a bare scalar.
func decodeRuleValues(raw json.RawMessage) ([]interface{}, error) {
	var vals []interface{}
	if err := json.Unmarshal(raw, &vals); err == nil {
		return vals, nil
	}

	var single interface{}
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []interface{}{single}, nil
}
