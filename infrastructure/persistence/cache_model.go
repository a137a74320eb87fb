package persistence

import (
	"time"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/internal/database"
)

// CacheModel is the GORM row for one embedding cache entry:
// keyed by the content hash of (model, text), holding the raw vector and
// the bookkeeping LRU eviction and TTL expiry are read off of.
type CacheModel struct {
	Key          string            `gorm:"primaryKey;column:key"`
	ModelID      string            `gorm:"column:model_id;index"`
	Vector       database.PgVector `gorm:"column:vector"`
	SizeBytes    int64             `gorm:"column:size_bytes"`
	InsertedAtMS int64             `gorm:"column:inserted_at_ms"`
	LastReadAtMS int64             `gorm:"column:last_read_at_ms;index"`
}

// TableName names the single physical cache table; unlike RecordModel the
// cache is not partitioned per tier, so GORM's default type-cached schema
// works here without NewRepositoryForTable.
func (CacheModel) TableName() string { return "embedding_cache" }

type cacheMapper struct{}

func (cacheMapper) ToDomain(e CacheModel) embedding.CacheEntry {
	floats := e.Vector.Floats()
	vec := make(embedding.Vector, len(floats))
	for i, f := range floats {
		vec[i] = float32(f)
	}
	return embedding.CacheEntry{
		Key:        e.Key,
		ModelID:    e.ModelID,
		Vector:     vec,
		InsertedAt: time.UnixMilli(e.InsertedAtMS).UTC(),
		LastReadAt: time.UnixMilli(e.LastReadAtMS).UTC(),
		SizeBytes:  e.SizeBytes,
	}
}

func (cacheMapper) ToModel(entry embedding.CacheEntry) CacheModel {
	floats := make([]float64, len(entry.Vector))
	for i, f := range entry.Vector {
		floats[i] = float64(f)
	}
	return CacheModel{
		Key:          entry.Key,
		ModelID:      entry.ModelID,
		Vector:       database.NewPgVector(floats),
		SizeBytes:    entry.SizeBytes,
		InsertedAtMS: entry.InsertedAt.UnixMilli(),
		LastReadAtMS: entry.LastReadAt.UnixMilli(),
	}
}
