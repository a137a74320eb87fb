package search

import "github.com/memtier/tvme/domain/record"

// Filters narrows a search to a subset of records by tier, ownership
// and tag metadata.
type Filters struct {
	tier    record.Tier
	tierSet bool
	project string
	session string
	kind    string
	tags    []string
}

// FiltersOption is a functional option for Filters.
type FiltersOption func(*Filters)

// WithTier restricts results to a single tier.
func WithTier(t record.Tier) FiltersOption {
	return func(f *Filters) {
		f.tier = t
		f.tierSet = true
	}
}

// WithProject restricts results to a project identifier.
func WithProject(project string) FiltersOption {
	return func(f *Filters) {
		f.project = project
	}
}

// WithSession restricts results to a session identifier.
func WithSession(session string) FiltersOption {
	return func(f *Filters) {
		f.session = session
	}
}

// WithKind restricts results to a record kind (e.g. "note", "decision").
func WithKind(kind string) FiltersOption {
	return func(f *Filters) {
		f.kind = kind
	}
}

// WithTags restricts results to records carrying all of the given tags.
func WithTags(tags []string) FiltersOption {
	return func(f *Filters) {
		if tags != nil {
			f.tags = make([]string, len(tags))
			copy(f.tags, tags)
		}
	}
}

// NewFilters creates a new Filters with options.
func NewFilters(opts ...FiltersOption) Filters {
	f := Filters{}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Tier returns the tier filter and whether it was set.
func (f Filters) Tier() (record.Tier, bool) { return f.tier, f.tierSet }

// Project returns the project filter.
func (f Filters) Project() string { return f.project }

// Session returns the session filter.
func (f Filters) Session() string { return f.session }

// Kind returns the kind filter.
func (f Filters) Kind() string { return f.kind }

// Tags returns the tag filter.
func (f Filters) Tags() []string {
	if f.tags == nil {
		return nil
	}
	out := make([]string, len(f.tags))
	copy(out, f.tags)
	return out
}

// IsEmpty returns true if no filters are set.
func (f Filters) IsEmpty() bool {
	return !f.tierSet &&
		f.project == "" &&
		f.session == "" &&
		f.kind == "" &&
		len(f.tags) == 0
}
