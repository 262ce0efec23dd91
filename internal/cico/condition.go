// Package cico condition builder.
package cico

// Condition operator constants as evaluated by the CICO data endpoint.
const (
	opIn    = "$in"
	opNotEq = "$ne"
	opGT    = "$gt"
	opGTE   = "$gte"
	opLT    = "$lt"
	opLTE   = "$lte"
	opRegex = "$regex"
)

// ConditionBuilder constructs Filter maps using a fluent API.
//
// Example output: {"programName": {"$in": ["Ashramites"]}, "name": "G Kumaran"}
//
// A later clause on the same column replaces the earlier one, matching how
// the data endpoint evaluates a condition document.
type ConditionBuilder struct {
	cond Filter
}

// NewCondition creates a new empty ConditionBuilder.
func NewCondition() *ConditionBuilder {
	return &ConditionBuilder{cond: Filter{}}
}

// Build returns the accumulated condition. The returned Filter is the
// builder's own map; build once and discard the builder.
func (b *ConditionBuilder) Build() Filter {
	return b.cond
}

// Equals adds: column = value
func (b *ConditionBuilder) Equals(column string, value interface{}) *ConditionBuilder {
	b.cond[column] = value
	return b
}

// NotEquals adds: column != value
func (b *ConditionBuilder) NotEquals(column string, value interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opNotEq: value}
	return b
}

// In adds: column is one of values
func (b *ConditionBuilder) In(column string, values ...interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opIn: values}
	return b
}

// GreaterThan adds: column > value
func (b *ConditionBuilder) GreaterThan(column string, value interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opGT: value}
	return b
}

// GreaterThanOrEqual adds: column >= value
func (b *ConditionBuilder) GreaterThanOrEqual(column string, value interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opGTE: value}
	return b
}

// LessThan adds: column < value
func (b *ConditionBuilder) LessThan(column string, value interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opLT: value}
	return b
}

// LessThanOrEqual adds: column <= value
func (b *ConditionBuilder) LessThanOrEqual(column string, value interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opLTE: value}
	return b
}

// Between adds: from <= column <= through (both inclusive).
func (b *ConditionBuilder) Between(column string, from, through interface{}) *ConditionBuilder {
	b.cond[column] = Filter{opGTE: from, opLTE: through}
	return b
}

// Matches adds: column matches the given regular expression.
func (b *ConditionBuilder) Matches(column string, pattern string) *ConditionBuilder {
	b.cond[column] = Filter{opRegex: pattern}
	return b
}

// mergeConditions overlays extra on top of base without mutating either.
// Used by Rows so that caller-supplied filters narrow the report's
// configured condition for a single call only.
func mergeConditions(base, extra Filter) Filter {
	merged := make(Filter, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
