package record

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/memtier/tvme/domain/embedding"
)

// Sentinel validation errors returned by New and Touch.
var (
	ErrEmptyText     = errors.New("record: text must not be empty")
	ErrInvalidTier   = errors.New("record: invalid tier")
	ErrDimMismatch   = errors.New("record: vector dimension mismatch")
	ErrBackwardClock = errors.New("record: last_access_at cannot precede created_at")
)

// Record is the primary entity of the memory engine: a piece of text,
// its embedding, and the bookkeeping needed for tiering, promotion and
// access-based scoring.
type Record struct {
	id           uuid.UUID
	text         string
	vector       embedding.Vector
	tier         Tier
	kind         string
	tags         []string
	project      string
	session      string
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  uint64
	score        float32
}

// New creates a Record in TierInteract with a fresh UUID. vector may be
// nil (unembedded record pending C1 processing).
func New(text string, vector embedding.Vector, kind, project, session string, tags []string, now time.Time) (*Record, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	dedup := dedupTags(tags)
	return &Record{
		id:           uuid.New(),
		text:         text,
		vector:       vector,
		tier:         TierInteract,
		kind:         kind,
		tags:         dedup,
		project:      project,
		session:      session,
		createdAt:    now,
		lastAccessAt: now,
	}, nil
}

// Hydrate reconstructs a Record from persisted fields, skipping
// generation of a new identity. Used by store mappers.
func Hydrate(
	id uuid.UUID,
	text string,
	vector embedding.Vector,
	tier Tier,
	kind string,
	tags []string,
	project, session string,
	createdAt, lastAccessAt time.Time,
	accessCount uint64,
	score float32,
) (*Record, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	if lastAccessAt.Before(createdAt) {
		return nil, ErrBackwardClock
	}
	return &Record{
		id:           id,
		text:         text,
		vector:       vector,
		tier:         tier,
		kind:         kind,
		tags:         dedupTags(tags),
		project:      project,
		session:      session,
		createdAt:    createdAt,
		lastAccessAt: lastAccessAt,
		accessCount:  accessCount,
		score:        score,
	}, nil
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ID returns the record's immutable identifier.
func (r *Record) ID() uuid.UUID { return r.id }

// Text returns the record's text content.
func (r *Record) Text() string { return r.text }

// Vector returns the record's embedding, or a zero-length Vector if
// not yet embedded.
func (r *Record) Vector() embedding.Vector { return r.vector }

// Tier returns the record's current tier.
func (r *Record) Tier() Tier { return r.tier }

// Kind returns the record's short type tag.
func (r *Record) Kind() string { return r.kind }

// Tags returns a copy of the record's tag set.
func (r *Record) Tags() []string {
	out := make([]string, len(r.tags))
	copy(out, r.tags)
	return out
}

// Project returns the owning project identifier.
func (r *Record) Project() string { return r.project }

// Session returns the owning session identifier.
func (r *Record) Session() string { return r.session }

// CreatedAt returns the creation timestamp.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// LastAccessAt returns the last-access timestamp.
func (r *Record) LastAccessAt() time.Time { return r.lastAccessAt }

// AccessCount returns the number of recorded accesses.
func (r *Record) AccessCount() uint64 { return r.accessCount }

// Score returns the free-use relevance/quality hint.
func (r *Record) Score() float32 { return r.score }

// SetVector attaches or replaces the embedding, e.g. after a reindex
// on model change. dim consistency is enforced by the caller at
// index-insertion time, not here.
func (r *Record) SetVector(v embedding.Vector) { r.vector = v }

// SetScore overwrites the relevance/quality hint, e.g. after rerank.
func (r *Record) SetScore(s float32) { r.score = s }

// Touch records an access: increments the counter and advances
// last_access_at. now must not precede the current last_access_at.
func (r *Record) Touch(now time.Time) error {
	if now.Before(r.lastAccessAt) {
		return ErrBackwardClock
	}
	r.lastAccessAt = now
	r.accessCount++
	return nil
}

// Promote moves the record to its next tier. Returns false if the
// record is already in a terminal tier (Assets).
func (r *Record) Promote() bool {
	next, ok := r.tier.PromotionTarget()
	if !ok {
		return false
	}
	r.tier = next
	return true
}

// ExpiresAt returns the time at which the record's current tier TTL
// elapses, or the zero Time if the tier has no TTL (Assets).
func (r *Record) ExpiresAt() time.Time {
	ttl := r.tier.TTL()
	if ttl == 0 {
		return time.Time{}
	}
	return r.lastAccessAt.Add(ttl)
}

// Expired reports whether the record's tier TTL has elapsed as of now.
func (r *Record) Expired(now time.Time) bool {
	exp := r.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return now.After(exp)
}
