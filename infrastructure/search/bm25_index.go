package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/memtier/tvme/domain/search"
	"gorm.io/gorm"
)

// ErrBM25InitializationFailed indicates SQLite FTS5 initialization failed.
var ErrBM25InitializationFailed = errors.New("failed to initialize bm25 index")

// BM25Index implements search.BM25Store using a SQLite FTS5 virtual
// table, one per tier so each tier's postings are scanned
// independently. FTS5's built-in bm25() ranking function uses k1=1.2,
// b=0.75, matching the defaults this index is specified against.
//
// BM25Index only stores record_id and passage text: it answers "which
// records mention these keywords" and leaves tier/project/session/kind/
// tag filtering to the caller, which resolves candidate record IDs
// against the record store and applies Filters there. This keeps the
// FTS5 schema minimal and avoids duplicating record metadata.
type BM25Index struct {
	db          *gorm.DB
	table       string
	logger      *slog.Logger
	initialized bool
	nextRowID   int64
	mu          sync.Mutex
}

// NewBM25Index creates a BM25Index over a dedicated FTS5 table scoped
// to a single tier (or any other logical partition name).
func NewBM25Index(db *gorm.DB, table string, logger *slog.Logger) *BM25Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &BM25Index{db: db, table: table, logger: logger}
}

func (s *BM25Index) initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	createSQL := fmt.Sprintf(`
CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(
    record_id UNINDEXED,
    passage,
    tokenize='porter ascii'
)`, s.table)
	if err := s.db.WithContext(ctx).Exec(createSQL).Error; err != nil {
		return errors.Join(ErrBM25InitializationFailed, err)
	}

	var maxRowID int64
	maxSQL := fmt.Sprintf("SELECT COALESCE(MAX(rowid), 0) FROM %s", s.table)
	if err := s.db.WithContext(ctx).Raw(maxSQL).Scan(&maxRowID).Error; err != nil {
		return errors.Join(ErrBM25InitializationFailed, err)
	}
	s.nextRowID = maxRowID + 1

	s.initialized = true
	return nil
}

func (s *BM25Index) existingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}

	checkSQL := fmt.Sprintf("SELECT record_id FROM %s WHERE record_id IN ?", s.table)
	var existing []string
	if err := s.db.WithContext(ctx).Raw(checkSQL, ids).Scan(&existing).Error; err != nil {
		return nil, err
	}

	result := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		result[id] = struct{}{}
	}
	return result, nil
}

// Index adds documents to the BM25 index. Documents carrying a record
// ID already present in the index are skipped; callers use Delete
// followed by Index to reindex a changed record.
func (s *BM25Index) Index(ctx context.Context, request search.IndexRequest) error {
	if err := s.initialize(ctx); err != nil {
		return err
	}

	documents := request.Documents()
	var valid []search.Document
	for _, doc := range documents {
		if doc.RecordID() != "" && doc.Text() != "" {
			valid = append(valid, doc)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	ids := make([]string, len(valid))
	for i, doc := range valid {
		ids[i] = doc.RecordID()
	}

	existing, err := s.existingIDs(ctx, ids)
	if err != nil {
		return err
	}

	var toIndex []search.Document
	for _, doc := range valid {
		if _, exists := existing[doc.RecordID()]; !exists {
			toIndex = append(toIndex, doc)
		}
	}
	if len(toIndex) == 0 {
		return nil
	}

	insertSQL := fmt.Sprintf("INSERT INTO %s (rowid, record_id, passage) VALUES (?, ?, ?)", s.table)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, doc := range toIndex {
			rowID := s.nextRowID
			s.nextRowID++
			if err := tx.Exec(insertSQL, rowID, doc.RecordID(), doc.Text()).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Search performs BM25 keyword search against the given request. The
// request's Filters are not applied here (see type doc); the caller
// narrows candidate record IDs by resolving them against the record
// store.
func (s *BM25Index) Search(ctx context.Context, request search.Request) ([]search.Result, error) {
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	query := request.Text()
	if query == "" {
		return []search.Result{}, nil
	}

	limit := request.TopK()
	if limit <= 0 {
		limit = 10
	}

	tx := s.db.WithContext(ctx).
		Table(s.table).
		Select(fmt.Sprintf("record_id, bm25(%s) as score", s.table)).
		Where(fmt.Sprintf("%s MATCH ?", s.table), escapeFTS5Query(query)).
		Order("score").
		Limit(limit)

	sqlRows, err := tx.Rows()
	if err != nil {
		return nil, err
	}
	defer func() { _ = sqlRows.Close() }()

	var results []search.Result
	for sqlRows.Next() {
		var recordID string
		var score float64
		if err := sqlRows.Scan(&recordID, &score); err != nil {
			return nil, err
		}
		// SQLite bm25() returns negative scores (lower/more negative is
		// better). Negate so higher is better, consistent with cosine.
		results = append(results, search.NewResult(recordID, -score))
	}
	if err := sqlRows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// Delete removes documents by record ID from the BM25 index.
func (s *BM25Index) Delete(ctx context.Context, request search.DeleteRequest) error {
	if err := s.initialize(ctx); err != nil {
		return err
	}

	ids := request.RecordIDs()
	if len(ids) == 0 {
		return nil
	}

	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE record_id IN ?", s.table)
	return s.db.WithContext(ctx).Exec(deleteSQL, ids).Error
}

// escapeFTS5Query wraps the query as a phrase so it is treated
// literally rather than parsed for FTS5 operators (AND OR NOT * ^ ()).
func escapeFTS5Query(query string) string {
	return "\"" + query + "\""
}
