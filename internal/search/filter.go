// Package search builds owner-scoped queries against the search index and
// hydrates the ranked ids from the record store.
package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a node of the filter tree. Values never pass through string
// concatenation on their way to the engine; Clause emits structured clauses.
type Expr interface {
	// Clause renders the node as an Elasticsearch query clause.
	Clause() map[string]any
	String() string
}

// Eq matches documents whose field equals Value exactly.
type Eq struct {
	Field string
	Value any
}

// Clause implements Expr.
func (e Eq) Clause() map[string]any {
	return map[string]any{"term": map[string]any{e.Field: e.Value}}
}

func (e Eq) String() string {
	return fmt.Sprintf("%s = %s", e.Field, literal(e.Value))
}

// In matches documents whose field holds at least one of Values.
type In struct {
	Field  string
	Values []string
}

// Clause implements Expr.
func (e In) Clause() map[string]any {
	return map[string]any{"terms": map[string]any{e.Field: e.Values}}
}

func (e In) String() string {
	parts := make([]string, len(e.Values))
	for i, v := range e.Values {
		parts[i] = strconv.Quote(v)
	}
	return fmt.Sprintf("%s IN [%s]", e.Field, strings.Join(parts, ", "))
}

// Range matches an inclusive time range. Either bound may be nil.
type Range struct {
	Field string
	Gte   *time.Time
	Lte   *time.Time
}

// Clause implements Expr.
func (e Range) Clause() map[string]any {
	bounds := map[string]any{}
	if e.Gte != nil {
		bounds["gte"] = e.Gte.UTC().Format(time.RFC3339Nano)
	}
	if e.Lte != nil {
		bounds["lte"] = e.Lte.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{"range": map[string]any{e.Field: bounds}}
}

func (e Range) String() string {
	var parts []string
	if e.Gte != nil {
		parts = append(parts, fmt.Sprintf("%s >= %s", e.Field, e.Gte.UTC().Format(time.RFC3339)))
	}
	if e.Lte != nil {
		parts = append(parts, fmt.Sprintf("%s <= %s", e.Field, e.Lte.UTC().Format(time.RFC3339)))
	}
	return strings.Join(parts, " AND ")
}

// And is a conjunction of its children.
type And []Expr

// Clause implements Expr.
func (e And) Clause() map[string]any {
	clauses := make([]map[string]any, 0, len(e))
	for _, child := range e {
		clauses = append(clauses, child.Clause())
	}
	return map[string]any{"bool": map[string]any{"filter": clauses}}
}

func (e And) String() string {
	parts := make([]string, 0, len(e))
	for _, child := range e {
		s := child.String()
		if _, nested := child.(And); nested || strings.Contains(s, " AND ") {
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " AND ")
}

func literal(v any) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	default:
		return fmt.Sprint(val)
	}
}
