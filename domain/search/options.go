package search

import "github.com/memtier/tvme/domain/repository"

// WithRecordID filters by a single record ID.
func WithRecordID(id string) repository.Option {
	return repository.WithCondition("record_id", id)
}

// WithRecordIDs filters by multiple record IDs.
func WithRecordIDs(ids []string) repository.Option {
	return repository.WithConditionIn("record_id", ids)
}

// WithEmbedding passes a pre-computed query embedding through options.
func WithEmbedding(vector []float32) repository.Option {
	return repository.WithParam("embedding", vector)
}

// WithQuery passes a search query string through options.
func WithQuery(query string) repository.Option {
	return repository.WithParam("search_query", query)
}

// EmbeddingFrom extracts the query embedding from a built query.
func EmbeddingFrom(q repository.Query) ([]float32, bool) {
	v, ok := q.Param("embedding")
	if !ok {
		return nil, false
	}
	emb, ok := v.([]float32)
	return emb, ok
}

// QueryFrom extracts the search query text from a built query.
func QueryFrom(q repository.Query) (string, bool) {
	v, ok := q.Param("search_query")
	if !ok {
		return "", false
	}
	text, ok := v.(string)
	return text, ok
}

// WithFilters passes search filters through the option system.
func WithFilters(filters Filters) repository.Option {
	return repository.WithParam("search_filters", filters)
}

// FiltersFrom extracts search filters from a built query.
func FiltersFrom(q repository.Query) (Filters, bool) {
	v, ok := q.Param("search_filters")
	if !ok {
		return Filters{}, false
	}
	f, ok := v.(Filters)
	return f, ok
}

// RecordIDsFrom extracts record IDs from conditions on a built query.
func RecordIDsFrom(q repository.Query) []string {
	for _, cond := range q.Conditions() {
		if cond.Field() == "record_id" && cond.In() {
			if ids, ok := cond.Value().([]string); ok {
				return ids
			}
		}
	}
	return nil
}
