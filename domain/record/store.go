package record

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence contract for the record store:
// per-tier partitions of records, keyed by UUID, with secondary lookups by
// project, session, tag and kind. Implementations persist records only;
// Store and Update do not touch the vector and keyword indices, which the
// callers (such as MemoryIngest) update after a successful write.
type Store interface {
	// Store persists a new record. The tier partition is taken from
	// r.Tier(), normally TierInteract for freshly created records.
	Store(ctx context.Context, r *Record) error

	// StoreBatch persists multiple records. Implementations make the
	// batch atomic at the batch granularity: either all records become
	// visible to readers or none do.
	StoreBatch(ctx context.Context, records []*Record) error

	// Update persists a mutated record (touch, reindex, score change) back
	// to its current tier partition. The caller must not have changed
	// r.Tier() since it was loaded; use Promote to move a record between
	// tier partitions.
	Update(ctx context.Context, r *Record) error

	// UpdateBatch persists multiple mutated records, atomic at the batch
	// granularity like StoreBatch. Like Update, none of the records may
	// have changed tier.
	UpdateBatch(ctx context.Context, records []*Record) error

	// Promote moves the record id from its current tier partition into
	// to, rewriting secondary indices implicitly by virtue of the record
	// now living under a new partition key. Returns the promoted record.
	Promote(ctx context.Context, id uuid.UUID, to Tier) (*Record, error)

	// FindByID returns the record by id and records a user-initiated
	// access: increments AccessCount and advances LastAccessAt before
	// returning. Use PeekByID for index-internal lookups that must not
	// perturb access stats.
	FindByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// PeekByID returns the record by id without tracking access.
	PeekByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// FindByTier returns every record currently in tier.
	FindByTier(ctx context.Context, tier Tier) ([]*Record, error)

	// FindByProject returns every record tagged with the given project.
	FindByProject(ctx context.Context, project string) ([]*Record, error)

	// FindBySession returns every record tagged with the given session.
	FindBySession(ctx context.Context, session string) ([]*Record, error)

	// FindByTag returns every record carrying the given tag.
	FindByTag(ctx context.Context, tag string) ([]*Record, error)

	// FindByKind returns every record of the given kind.
	FindByKind(ctx context.Context, kind string) ([]*Record, error)

	// Delete removes a record from whichever tier it currently lives in.
	Delete(ctx context.Context, id uuid.UUID) error

	// CountByTier returns the number of records in tier.
	CountByTier(ctx context.Context, tier Tier) (int64, error)

	// Exists reports whether id is present in any tier.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	// TotalCount returns the sum of CountByTier across all tiers.
	TotalCount(ctx context.Context) (int64, error)

	// FindPromotionCandidates returns every non-terminal record in tier
	// eligible for promotion scoring (domain/promotion.Evaluate applies
	// the actual threshold decision against the returned set).
	FindPromotionCandidates(ctx context.Context, tier Tier) ([]*Record, error)
}
