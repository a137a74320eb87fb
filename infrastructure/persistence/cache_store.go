package persistence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/internal/config"
	"github.com/memtier/tvme/internal/database"
	"gorm.io/gorm"
)

const cacheShardCount = 16

// CacheStats summarizes cache occupancy and hit/miss behavior for
// health/diagnostics. Hits and Misses are cumulative process-lifetime
// counters, not persisted across restarts.
type CacheStats struct {
	Entries   int64
	SizeBytes int64
	Hits      uint64
	Misses    uint64
}

// HitRate returns Hits/(Hits+Misses), or 0 if nothing has been looked
// up yet.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CacheStore is the GORM-backed embedding cache:
// content-addressed by embedding.CacheKey, LRU-evicted in batches on
// write, and lazily TTL-expired on read. Inserts are serialized on the
// shard lock of their model ID, so inserts for different models do not
// block each other while inserts for the same model run one at a time.
// Get takes the shard lock of its own content key, which is not the
// lock an insert takes.
type CacheStore struct {
	db     database.Database
	cfg    config.CacheConfig
	mu     [cacheShardCount]sync.Mutex
	ready  sync.Once
	readyErr error
	nowFn  func() time.Time
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCacheStore creates a CacheStore over db using cfg's eviction batch
// size, TTL, and byte budget.
func NewCacheStore(db database.Database, cfg config.CacheConfig) *CacheStore {
	return &CacheStore{db: db, cfg: cfg, nowFn: time.Now}
}

func (c *CacheStore) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.mu[h.Sum32()%cacheShardCount]
}

func (c *CacheStore) ensureTable(ctx context.Context) error {
	c.ready.Do(func() {
		c.readyErr = c.db.GORM().WithContext(ctx).AutoMigrate(&CacheModel{})
	})
	return c.readyErr
}

// Get returns the cached vector for (modelID, text), or false if absent
// or expired. A successful hit advances the entry's LastReadAt (lazy LRU
// touch) but does not re-run eviction.
func (c *CacheStore) Get(ctx context.Context, modelID, text string) (embedding.Vector, bool, error) {
	if err := c.ensureTable(ctx); err != nil {
		return nil, false, err
	}
	key := embedding.CacheKey(modelID, text)

	lock := c.shard(key)
	lock.Lock()
	defer lock.Unlock()

	var row CacheModel
	err := c.db.GORM().WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	entry := cacheMapper{}.ToDomain(row)
	if entry.Expired(c.nowFn(), c.cfg.TTL()) {
		_ = c.db.GORM().WithContext(ctx).Delete(&CacheModel{}, "key = ?", key).Error
		c.misses.Add(1)
		return nil, false, nil
	}

	if err := c.db.GORM().WithContext(ctx).Model(&CacheModel{}).
		Where("key = ?", key).
		Update("last_read_at_ms", c.nowFn().UnixMilli()).Error; err != nil {
		return nil, false, fmt.Errorf("cache touch %s: %w", key, err)
	}
	c.hits.Add(1)
	return entry.Vector, true, nil
}

// GetBatch looks up multiple (modelID, text) pairs in one pass. The
// returned slice has the same length as texts; a nil element at index i
// means texts[i] was not cached (or was expired).
func (c *CacheStore) GetBatch(ctx context.Context, modelID string, texts []string) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(texts))
	for i, text := range texts {
		v, ok, err := c.Get(ctx, modelID, text)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = v
		}
	}
	return out, nil
}

// Insert stores vector under the content key for (modelID, text),
// replacing any existing entry, then evicts the oldest entries in
// eviction_batch_size chunks until the store fits within MaxBytes (if
// bounded).
func (c *CacheStore) Insert(ctx context.Context, modelID, text string, vector embedding.Vector) error {
	return c.InsertBatch(ctx, modelID, []string{text}, []embedding.Vector{vector})
}

// InsertBatch stores multiple entries for modelID in one transaction,
// then runs eviction once for the whole batch.
func (c *CacheStore) InsertBatch(ctx context.Context, modelID string, texts []string, vectors []embedding.Vector) error {
	if len(texts) != len(vectors) {
		return fmt.Errorf("cache insert batch: %d texts but %d vectors", len(texts), len(vectors))
	}
	if err := c.ensureTable(ctx); err != nil {
		return err
	}
	now := c.nowFn()

	models := make([]CacheModel, len(texts))
	for i, text := range texts {
		entry := embedding.NewCacheEntry(modelID, text, vectors[i], now)
		models[i] = cacheMapper{}.ToModel(entry)
	}

	lock := c.shard(modelID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.db.GORM().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Save(&models).Error
	}); err != nil {
		return fmt.Errorf("cache insert batch: %w", err)
	}

	return c.evict(ctx)
}

// evict drops the least-recently-read entries in eviction_batch_size
// chunks until the store's total size is within cfg.MaxBytes(), or
// until the store is empty. A MaxBytes of 0 means unbounded; evict is a
// no-op in that case.
func (c *CacheStore) evict(ctx context.Context) error {
	maxBytes := c.cfg.MaxBytes()
	if maxBytes <= 0 {
		return nil
	}

	for {
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.SizeBytes <= maxBytes || stats.Entries == 0 {
			return nil
		}

		var victims []CacheModel
		if err := c.db.GORM().WithContext(ctx).
			Order("last_read_at_ms ASC").
			Limit(c.cfg.EvictionBatchSize()).
			Find(&victims).Error; err != nil {
			return fmt.Errorf("cache evict: select victims: %w", err)
		}
		if len(victims) == 0 {
			return nil
		}

		keys := make([]string, len(victims))
		for i, v := range victims {
			keys[i] = v.Key
		}
		if err := c.db.GORM().WithContext(ctx).Delete(&CacheModel{}, "key IN ?", keys).Error; err != nil {
			return fmt.Errorf("cache evict: delete victims: %w", err)
		}
	}
}

// Clear removes every cache entry.
func (c *CacheStore) Clear(ctx context.Context) error {
	if err := c.ensureTable(ctx); err != nil {
		return err
	}
	return c.db.GORM().WithContext(ctx).Exec("DELETE FROM embedding_cache").Error
}

// Size returns the number of cached entries.
func (c *CacheStore) Size(ctx context.Context) (int64, error) {
	stats, err := c.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Entries, nil
}

// Stats returns the current entry count, total byte usage, and the
// cumulative hit/miss counters observed by Get since the store was
// created.
func (c *CacheStore) Stats(ctx context.Context) (CacheStats, error) {
	if err := c.ensureTable(ctx); err != nil {
		return CacheStats{}, err
	}
	var stats CacheStats
	row := c.db.GORM().WithContext(ctx).Model(&CacheModel{}).
		Select("COUNT(*) AS entries, COALESCE(SUM(size_bytes), 0) AS size_bytes")
	if err := row.Scan(&stats).Error; err != nil {
		return CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	stats.Hits = c.hits.Load()
	stats.Misses = c.misses.Load()
	return stats, nil
}
