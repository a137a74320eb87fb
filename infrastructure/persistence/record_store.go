// Package persistence provides the GORM-backed implementations of the
// engine's durable storage contracts: the per-tier record store and
// the content-addressed embedding cache.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/repository"
	"github.com/memtier/tvme/internal/database"
	"gorm.io/gorm"
)

const recordTablePrefix = "records_"

func recordTable(tier record.Tier) string {
	return recordTablePrefix + tier.TableSuffix()
}

// RecordStore implements record.Store on top of one GORM table per tier.
// GORM caches schemas by Go type, so a single RecordModel cannot carry a
// dynamic TableName() across tiers (infrastructure/search/bm25_index.go and
// the teacher's SQLite vector store hit the same constraint) — each tier
// gets its own database.Repository built with NewRepositoryForTable, and
// the backing table is created with raw SQL on first use.
type RecordStore struct {
	db     database.Database
	repos  map[record.Tier]database.Repository[*record.Record, RecordModel]
	mu     sync.Mutex
	ready  map[record.Tier]bool
	nowFn  func() time.Time
}

// NewRecordStore creates a RecordStore over db. Tables are created lazily
// on first access, matching the teacher's SQLite vector store idiom.
func NewRecordStore(db database.Database) *RecordStore {
	repos := make(map[record.Tier]database.Repository[*record.Record, RecordModel], len(record.AllTiers()))
	for _, tier := range record.AllTiers() {
		repos[tier] = database.NewRepositoryForTable[*record.Record, RecordModel](
			db, recordMapper{tier: tier}, "record", recordTable(tier),
		)
	}
	return &RecordStore{
		db:    db,
		repos: repos,
		ready: make(map[record.Tier]bool),
		nowFn: time.Now,
	}
}

func (s *RecordStore) ensureTable(ctx context.Context, tier record.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[tier] {
		return nil
	}

	table := recordTable(tier)
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    vector TEXT,
    kind TEXT,
    tags TEXT,
    project TEXT,
    session TEXT,
    created_at_ms INTEGER NOT NULL,
    last_access_ms INTEGER NOT NULL,
    access_count INTEGER NOT NULL DEFAULT 0,
    score REAL NOT NULL DEFAULT 0,
    dirty INTEGER NOT NULL DEFAULT 0
)`, table)
	if err := s.db.GORM().WithContext(ctx).Exec(createSQL).Error; err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	for _, idx := range []string{"kind", "project", "session"} {
		idxSQL := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, idx, table, idx)
		if err := s.db.GORM().WithContext(ctx).Exec(idxSQL).Error; err != nil {
			return fmt.Errorf("create index %s.%s: %w", table, idx, err)
		}
	}

	s.ready[tier] = true
	return nil
}

func (s *RecordStore) repo(ctx context.Context, tier record.Tier) (database.Repository[*record.Record, RecordModel], error) {
	if err := s.ensureTable(ctx, tier); err != nil {
		return database.Repository[*record.Record, RecordModel]{}, err
	}
	repo, ok := s.repos[tier]
	if !ok {
		return database.Repository[*record.Record, RecordModel]{}, fmt.Errorf("record store: unknown tier %q", tier)
	}
	return repo, nil
}

// Store persists a new record into its current tier's partition.
func (s *RecordStore) Store(ctx context.Context, r *record.Record) error {
	repo, err := s.repo(ctx, r.Tier())
	if err != nil {
		return err
	}
	model := repo.Mapper().ToModel(r)
	if err := repo.DB(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("store record %s: %w", r.ID(), err)
	}
	return nil
}

// StoreBatch persists records grouped by tier inside one transaction per
// tier, so each tier's batch is atomic.
func (s *RecordStore) StoreBatch(ctx context.Context, records []*record.Record) error {
	byTier := groupByTier(records)
	for tier, group := range byTier {
		repo, err := s.repo(ctx, tier)
		if err != nil {
			return err
		}
		models := make([]RecordModel, len(group))
		for i, r := range group {
			models[i] = repo.Mapper().ToModel(r)
		}
		if err := repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&models).Error
		}); err != nil {
			return fmt.Errorf("store batch tier %s: %w", tier, err)
		}
	}
	return nil
}

// Update persists a mutated record back to its current tier's table.
func (s *RecordStore) Update(ctx context.Context, r *record.Record) error {
	repo, err := s.repo(ctx, r.Tier())
	if err != nil {
		return err
	}
	model := repo.Mapper().ToModel(r)
	result := repo.DB(ctx).Save(&model)
	if result.Error != nil {
		return fmt.Errorf("update record %s: %w", r.ID(), result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: record %s in tier %s", database.ErrNotFound, r.ID(), r.Tier())
	}
	return nil
}

// UpdateBatch persists mutated records grouped by tier, one transaction
// per tier.
func (s *RecordStore) UpdateBatch(ctx context.Context, records []*record.Record) error {
	byTier := groupByTier(records)
	for tier, group := range byTier {
		repo, err := s.repo(ctx, tier)
		if err != nil {
			return err
		}
		if err := repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			for _, r := range group {
				model := repo.Mapper().ToModel(r)
				if err := tx.Save(&model).Error; err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("update batch tier %s: %w", tier, err)
		}
	}
	return nil
}

// Promote moves id from its current tier partition to `to`: it is deleted
// from the source table and re-inserted into the destination table inside
// a single transaction so the record is never visible in both or neither.
func (s *RecordStore) Promote(ctx context.Context, id uuid.UUID, to record.Tier) (*record.Record, error) {
	r, fromTier, err := s.findAcrossTiers(ctx, id)
	if err != nil {
		return nil, err
	}
	if fromTier == to {
		return r, nil
	}

	if !r.Promote() || r.Tier() != to {
		return nil, fmt.Errorf("record store: %s cannot promote %s -> %s", id, fromTier, to)
	}

	toRepo, err := s.repo(ctx, to)
	if err != nil {
		return nil, err
	}
	model := toRepo.Mapper().ToModel(r)

	_, err = database.WithTransactionResult(ctx, s.db, func(tx *gorm.DB) (struct{}, error) {
		if err := tx.Table(recordTable(fromTier)).Delete(&RecordModel{}, "id = ?", id.String()).Error; err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.Table(recordTable(to)).Create(&model).Error
	})
	if err != nil {
		return nil, fmt.Errorf("promote record %s: %w", id, err)
	}
	return r, nil
}

// FindByID returns the record and records a user-initiated access.
func (s *RecordStore) FindByID(ctx context.Context, id uuid.UUID) (*record.Record, error) {
	r, tier, err := s.findAcrossTiers(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Touch(s.nowFn()); err != nil {
		return nil, fmt.Errorf("touch record %s: %w", id, err)
	}
	repo, err := s.repo(ctx, tier)
	if err != nil {
		return nil, err
	}
	model := repo.Mapper().ToModel(r)
	if err := repo.DB(ctx).Save(&model).Error; err != nil {
		return nil, fmt.Errorf("persist access tracking for %s: %w", id, err)
	}
	return r, nil
}

// PeekByID returns the record without tracking access.
func (s *RecordStore) PeekByID(ctx context.Context, id uuid.UUID) (*record.Record, error) {
	r, _, err := s.findAcrossTiers(ctx, id)
	return r, err
}

func (s *RecordStore) findAcrossTiers(ctx context.Context, id uuid.UUID) (*record.Record, record.Tier, error) {
	for _, tier := range record.AllTiers() {
		repo, err := s.repo(ctx, tier)
		if err != nil {
			return nil, "", err
		}
		model, err := repo.FindOne(ctx, repository.WithID(id.String()))
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return nil, "", err
		}
		r := repo.Mapper().ToDomain(model)
		if r == nil {
			return nil, "", fmt.Errorf("record store: corrupt row for id %s in tier %s", id, tier)
		}
		return r, tier, nil
	}
	return nil, "", fmt.Errorf("%w: record %s", database.ErrNotFound, id)
}

// FindByTier returns every record currently in tier.
func (s *RecordStore) FindByTier(ctx context.Context, tier record.Tier) ([]*record.Record, error) {
	repo, err := s.repo(ctx, tier)
	if err != nil {
		return nil, err
	}
	return s.findAll(ctx, repo)
}

// FindByProject returns every record (across tiers) tagged with project.
func (s *RecordStore) FindByProject(ctx context.Context, project string) ([]*record.Record, error) {
	return s.findAcrossAllTiers(ctx, "project = ?", project)
}

// FindBySession returns every record (across tiers) tagged with session.
func (s *RecordStore) FindBySession(ctx context.Context, session string) ([]*record.Record, error) {
	return s.findAcrossAllTiers(ctx, "session = ?", session)
}

// FindByKind returns every record (across tiers) of the given kind.
func (s *RecordStore) FindByKind(ctx context.Context, kind string) ([]*record.Record, error) {
	return s.findAcrossAllTiers(ctx, "kind = ?", kind)
}

// FindByTag returns every record (across tiers) carrying tag. Tags are
// stored as a JSON array string; this matches on the quoted tag literal
// with LIKE, which is exact only for tags without quotes, backslashes or
// the LIKE wildcards '%' and '_'. record.New does not restrict tag
// characters.
func (s *RecordStore) FindByTag(ctx context.Context, tag string) ([]*record.Record, error) {
	pattern := "%\"" + tag + "\"%"
	return s.findAcrossAllTiers(ctx, "tags LIKE ?", pattern)
}

func (s *RecordStore) findAcrossAllTiers(ctx context.Context, whereSQL string, arg any) ([]*record.Record, error) {
	var out []*record.Record
	for _, tier := range record.AllTiers() {
		repo, err := s.repo(ctx, tier)
		if err != nil {
			return nil, err
		}
		var models []RecordModel
		if err := repo.DB(ctx).Where(whereSQL, arg).Find(&models).Error; err != nil {
			return nil, fmt.Errorf("find in tier %s: %w", tier, err)
		}
		for _, m := range models {
			if r := repo.Mapper().ToDomain(m); r != nil {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *RecordStore) findAll(ctx context.Context, repo database.Repository[*record.Record, RecordModel]) ([]*record.Record, error) {
	var models []RecordModel
	if err := repo.DB(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("find all: %w", err)
	}
	out := make([]*record.Record, 0, len(models))
	for _, m := range models {
		if r := repo.Mapper().ToDomain(m); r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete removes id from whichever tier it currently lives in.
func (s *RecordStore) Delete(ctx context.Context, id uuid.UUID) error {
	for _, tier := range record.AllTiers() {
		repo, err := s.repo(ctx, tier)
		if err != nil {
			return err
		}
		result := repo.DB(ctx).Delete(&RecordModel{}, "id = ?", id.String())
		if result.Error != nil {
			return fmt.Errorf("delete record %s from tier %s: %w", id, tier, result.Error)
		}
		if result.RowsAffected > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: record %s", database.ErrNotFound, id)
}

// CountByTier returns the number of records in tier.
func (s *RecordStore) CountByTier(ctx context.Context, tier record.Tier) (int64, error) {
	repo, err := s.repo(ctx, tier)
	if err != nil {
		return 0, err
	}
	return repo.Count(ctx)
}

// Exists reports whether id is present in any tier.
func (s *RecordStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, _, err := s.findAcrossTiers(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TotalCount returns the sum of CountByTier across all tiers.
func (s *RecordStore) TotalCount(ctx context.Context) (int64, error) {
	var total int64
	for _, tier := range record.AllTiers() {
		n, err := s.CountByTier(ctx, tier)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// FindPromotionCandidates returns every record in tier that is not already
// in a terminal tier. domain/promotion.Evaluate applies the actual scoring
// threshold against this candidate set.
func (s *RecordStore) FindPromotionCandidates(ctx context.Context, tier record.Tier) ([]*record.Record, error) {
	if _, ok := tier.PromotionTarget(); !ok {
		return nil, nil
	}
	return s.FindByTier(ctx, tier)
}

func groupByTier(records []*record.Record) map[record.Tier][]*record.Record {
	out := make(map[record.Tier][]*record.Record)
	for _, r := range records {
		out[r.Tier()] = append(out[r.Tier()], r)
	}
	return out
}
