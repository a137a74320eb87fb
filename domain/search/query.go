// Package search provides search domain types for the hybrid memory
// search coordinator.
package search

// Mode represents the search mode to perform.
type Mode string

// Mode values, per the coordinator's supported search strategies.
const (
	ModeVector   Mode = "vector"
	ModeText     Mode = "text"
	ModeHybrid   Mode = "hybrid"
	ModeSmart    Mode = "smart"
	ModeReranked Mode = "reranked"
)

// Query represents a memory search query.
type Query struct {
	text    string
	mode    Mode
	filters Filters
	topK    int
}

// NewQuery creates a new Query.
func NewQuery(text string, mode Mode, filters Filters, topK int) Query {
	return Query{
		text:    text,
		mode:    mode,
		filters: filters,
		topK:    topK,
	}
}

// Text returns the query text.
func (q Query) Text() string { return q.text }

// SearchMode returns the search mode.
func (q Query) SearchMode() Mode { return q.mode }

// Filters returns the search filters.
func (q Query) Filters() Filters { return q.filters }

// TopK returns the number of results.
func (q Query) TopK() int { return q.topK }

// Request is a single-method-store search request (BM25 or vector),
// carried independently of the coordinator-level Query so that stores
// stay decoupled from coordination concerns such as Mode.
type Request struct {
	text    string
	filters Filters
	topK    int
}

// NewRequest creates a new Request.
func NewRequest(text string, filters Filters, topK int) Request {
	return Request{text: text, filters: filters, topK: topK}
}

// Text returns the request's query text.
func (r Request) Text() string { return r.text }

// Filters returns the request's filters.
func (r Request) Filters() Filters { return r.filters }

// TopK returns the number of results requested.
func (r Request) TopK() int { return r.topK }

// DeleteRequest identifies documents to remove from a store by record ID.
type DeleteRequest struct {
	recordIDs []string
}

// NewDeleteRequest creates a new DeleteRequest.
func NewDeleteRequest(recordIDs []string) DeleteRequest {
	ids := make([]string, len(recordIDs))
	copy(ids, recordIDs)
	return DeleteRequest{recordIDs: ids}
}

// RecordIDs returns the record IDs to delete.
func (d DeleteRequest) RecordIDs() []string {
	ids := make([]string, len(d.recordIDs))
	copy(ids, d.recordIDs)
	return ids
}
