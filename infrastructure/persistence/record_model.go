package persistence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/internal/database"
)

// RecordModel is the GORM row for a persisted record. One
// table exists per tier (records_interact, records_insights,
// records_assets); RecordStore selects the table via
// database.NewRepositoryForTable so GORM's per-type schema cache does not
// collide across tiers.
type RecordModel struct {
	ID           string          `gorm:"primaryKey;column:id"`
	Text         string          `gorm:"column:text"`
	Vector       database.PgVector `gorm:"column:vector"`
	Kind         string          `gorm:"column:kind;index"`
	Tags         string          `gorm:"column:tags"` // JSON array, e.g. ["note","urgent"]
	Project      string          `gorm:"column:project;index"`
	Session      string          `gorm:"column:session;index"`
	CreatedAtMS  int64           `gorm:"column:created_at_ms"`
	LastAccessMS int64           `gorm:"column:last_access_ms"`
	AccessCount  uint64          `gorm:"column:access_count"`
	Score        float32         `gorm:"column:score"`
	Dirty        bool            `gorm:"column:dirty"` // never set by recordMapper or RecordStore, and not read by any search path
}

// TableName satisfies gorm.Tabler with a placeholder; RecordStore always
// overrides it per tier via NewRepositoryForTable, per the doc on that
// constructor.
func (RecordModel) TableName() string { return "records_interact" }

// recordMapper implements database.EntityMapper[*record.Record, RecordModel].
// It carries the tier for ToDomain since tier is a partition property (the
// table a row was read from), not a column; ToModel does not write the tier.
type recordMapper struct {
	tier record.Tier
}

func (m recordMapper) ToDomain(e RecordModel) *record.Record {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.Nil
	}

	var tags []string
	if e.Tags != "" {
		_ = json.Unmarshal([]byte(e.Tags), &tags)
	}

	var vec embedding.Vector
	if floats := e.Vector.Floats(); floats != nil {
		vec = make(embedding.Vector, len(floats))
		for i, f := range floats {
			vec[i] = float32(f)
		}
	}

	r, err := record.Hydrate(
		id,
		e.Text,
		vec,
		m.tier,
		e.Kind,
		tags,
		e.Project,
		e.Session,
		time.UnixMilli(e.CreatedAtMS).UTC(),
		time.UnixMilli(e.LastAccessMS).UTC(),
		e.AccessCount,
		e.Score,
	)
	if err != nil {
		// Hydrate only fails on a corrupt persisted invariant (bad tier or
		// a clock that moved backward); surface it as a record excluded
		// from results rather than panicking the caller.
		return nil
	}
	return r
}

func (m recordMapper) ToModel(r *record.Record) RecordModel {
	tagsJSON, _ := json.Marshal(r.Tags())

	floats := make([]float64, len(r.Vector()))
	for i, f := range r.Vector() {
		floats[i] = float64(f)
	}

	return RecordModel{
		ID:           r.ID().String(),
		Text:         r.Text(),
		Vector:       database.NewPgVector(floats),
		Kind:         r.Kind(),
		Tags:         string(tagsJSON),
		Project:      r.Project(),
		Session:      r.Session(),
		CreatedAtMS:  r.CreatedAt().UnixMilli(),
		LastAccessMS: r.LastAccessAt().UnixMilli(),
		AccessCount:  r.AccessCount(),
		Score:        r.Score(),
	}
}
