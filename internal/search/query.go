package search

import (
	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// Index field names.
const (
	FieldOwnerID   = "owner_id"
	FieldTags      = "tags"
	FieldType      = "type"
	FieldDomain    = "domain"
	FieldCreatedAt = "created_at"
	FieldTitle     = "title"
	FieldContent   = "content"
)

// Query is an engine-neutral search request.
type Query struct {
	Text   string
	Fields []string
	Filter And
	From   int
	Size   int
}

// BuildQuery translates a validated request. The owner equality is always
// the first filter clause.
func BuildQuery(req bookmark.SearchRequest) Query {
	filter := And{Eq{Field: FieldOwnerID, Value: req.OwnerID}}
	if len(req.Tags) > 0 {
		filter = append(filter, In{Field: FieldTags, Values: append([]string(nil), req.Tags...)})
	}
	if req.Type != "" {
		filter = append(filter, Eq{Field: FieldType, Value: req.Type})
	}
	if req.Domain != "" {
		filter = append(filter, Eq{Field: FieldDomain, Value: req.Domain})
	}
	if req.DateFrom != nil || req.DateTo != nil {
		filter = append(filter, Range{Field: FieldCreatedAt, Gte: req.DateFrom, Lte: req.DateTo})
	}

	fields := []string{FieldTitle}
	if req.FullText {
		fields = append(fields, FieldContent)
	}

	return Query{
		Text:   req.Query,
		Fields: fields,
		Filter: filter,
		From:   (req.Page - 1) * req.Limit,
		Size:   req.Limit,
	}
}

// Body renders the Elasticsearch request body. Only ids are fetched; the
// record store supplies the rows.
func (q Query) Body() map[string]any {
	var must map[string]any
	if q.Text == "" {
		must = map[string]any{"match_all": map[string]any{}}
	} else {
		must = map[string]any{
			"multi_match": map[string]any{
				"query":  q.Text,
				"fields": q.Fields,
				"type":   "best_fields",
			},
		}
	}
	filters := make([]map[string]any, 0, len(q.Filter))
	for _, f := range q.Filter {
		filters = append(filters, f.Clause())
	}
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   []map[string]any{must},
				"filter": filters,
			},
		},
		"from":    q.From,
		"size":    q.Size,
		"_source": false,
		"sort": []map[string]any{
			{"_score": map[string]any{"order": "desc"}},
			{FieldCreatedAt: map[string]any{"order": "desc"}},
		},
	}
}
