// Package models contains the domain types shared across the sieve pipeline.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxQueryLength is the maximum accepted query text length after trimming.
const MaxQueryLength = 10000

// FilterOperator enumerates the comparison operators a Filter may carry.
type FilterOperator string

const (
	OpEq       FilterOperator = "eq"
	OpNe       FilterOperator = "ne"
	OpGt       FilterOperator = "gt"
	OpLt       FilterOperator = "lt"
	OpGte      FilterOperator = "gte"
	OpLte      FilterOperator = "lte"
	OpIn       FilterOperator = "in"
	OpContains FilterOperator = "contains"
)

// ValidOperator reports whether op is one of the recognized filter operators.
func ValidOperator(op FilterOperator) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpContains:
		return true
	}
	return false
}

// Filter is a single (field, operator, value) constraint attached to a query.
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// Query is an immutable natural-language query submitted to the processor.
type Query struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Context   map[string]any `json:"context,omitempty"`
	Filters   []Filter       `json:"filters,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewQuery builds a Query from raw text, trimming whitespace and assigning
// a fresh v4 id. Returns ok=false when the trimmed text is empty or exceeds
// MaxQueryLength.
func NewQuery(text string, context map[string]any, filters []Filter) (Query, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > MaxQueryLength {
		return Query{}, false
	}
	return Query{
		ID:        uuid.NewString(),
		Text:      trimmed,
		Context:   context,
		Filters:   filters,
		CreatedAt: time.Now().UTC(),
	}, true
}

// Intent classifies what kind of answer a query is after.
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentSearch   Intent = "search"
	IntentGeneral  Intent = "general"
)

// ParsedQuery is the transient output of the query parser.
type ParsedQuery struct {
	Original   string   `json:"original"`
	Normalized string   `json:"normalized"`
	Intent     Intent   `json:"intent"`
	Entities   []string `json:"entities"`
	Filters    []Filter `json:"filters"`
}

// Optimization is derived from a ParsedQuery plus the query context.
// Boost weights are always positive finite numbers.
type Optimization struct {
	ExpandedTerms []string           `json:"expandedTerms"`
	Synonyms      []string           `json:"synonyms"`
	Filters       []Filter           `json:"filters"`
	Boosts        map[string]float64 `json:"boosts"`
}
