package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/event"
	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/internal/breaker"
)

// backupMagic and backupVersion are the 4-byte magic + version prefix
// spec.md §6 requires on every persisted wire format, applied here to
// the whole snapshot file rather than a single record.
const (
	backupMagic   = "TVME"
	backupVersion = uint32(1)
)

// ErrBackupFormat indicates a backup file is missing the magic prefix,
// carries an unsupported version, or its JSON payload is corrupt.
var ErrBackupFormat = errors.New("backup: unrecognized or corrupt backup file")

// backupRecord is the JSON wire shape of one record inside a backup
// file, carrying the same fields as spec.md §6's record wire format.
type backupRecord struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Vector       []float32 `json:"vector,omitempty"`
	Tier         string    `json:"tier"`
	Kind         string    `json:"kind"`
	Tags         []string  `json:"tags,omitempty"`
	Project      string    `json:"project"`
	Session      string    `json:"session"`
	CreatedAtMs  int64     `json:"created_at_ms"`
	LastAccessMs int64     `json:"last_access_ms"`
	AccessCount  uint64    `json:"access_count"`
	Score        float32   `json:"score"`
}

// BackupManifest is the decoded contents of a backup file: a meta.json
// style header (schema version, record count, creation time) plus every
// record across all tiers, the `records/<tier>/…` half of spec.md §6's
// persisted-state layout collapsed into one portable file.
type BackupManifest struct {
	SchemaVersion uint32 `json:"schema_version"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	RecordCount   int    `json:"record_count"`

	records []backupRecord
}

func newBackupManifest(now time.Time, records []backupRecord) BackupManifest {
	return BackupManifest{
		SchemaVersion: backupVersion,
		CreatedAtMs:   now.UnixMilli(),
		RecordCount:   len(records),
		records:       records,
	}
}

// manifestWire is the on-disk JSON shape; BackupManifest keeps its
// record slice unexported so callers go through Backup/Restore rather
// than hand-assembling a manifest.
type manifestWire struct {
	SchemaVersion uint32         `json:"schema_version"`
	CreatedAtMs   int64          `json:"created_at_ms"`
	RecordCount   int            `json:"record_count"`
	Records       []backupRecord `json:"records"`
}

// Backup snapshots every tier's records to a single file at path:
// a `TVME` + big-endian version prefix followed by the JSON-encoded
// manifest. It runs through BreakerBackup like every other coordinated
// operation, so a failing storage backend trips the backup circuit
// instead of being retried indefinitely.
func (o *Orchestrator) Backup(ctx context.Context, path string) (BackupManifest, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return BackupManifest{}, err
	}
	defer release()

	var manifest BackupManifest
	err = o.breakers[BreakerBackup].Do(ctx, nil, func(ctx context.Context) error {
		var innerErr error
		manifest, innerErr = o.snapshotRecords(ctx)
		if innerErr != nil {
			return innerErr
		}
		return writeBackupFile(path, manifest)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return BackupManifest{}, fmt.Errorf("backup: %w: %w", ErrServiceUnavailable, err)
		}
		return BackupManifest{}, fmt.Errorf("backup: %w", err)
	}

	o.publishBackupEvent("backup", path, manifest.RecordCount)
	return manifest, nil
}

// Restore loads a backup file written by Backup and replays its
// records into the record store and the matching tier's vector and
// keyword indices: any record whose ID already exists is overwritten,
// matching how StoreBatch/Promote treat tier partitions as the
// authority over a record's current state. It returns the number of
// records restored.
func (o *Orchestrator) Restore(ctx context.Context, path string) (int, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var restored int
	err = o.breakers[BreakerBackup].Do(ctx, nil, func(ctx context.Context) error {
		manifest, innerErr := readBackupFile(path)
		if innerErr != nil {
			return innerErr
		}
		records, innerErr := manifest.toRecords()
		if innerErr != nil {
			return innerErr
		}
		restored, innerErr = o.restoreRecords(ctx, records)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return 0, fmt.Errorf("restore: %w: %w", ErrServiceUnavailable, err)
		}
		return 0, fmt.Errorf("restore: %w", err)
	}

	o.publishBackupEvent("restore", path, restored)
	return restored, nil
}

func (o *Orchestrator) publishBackupEvent(op, path string, count int) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(event.New(event.TopicBackup, time.Now().UnixMilli(), map[string]any{
		"op":      op,
		"path":    path,
		"records": count,
	}))
}

// snapshotRecords gathers every record across every tier into a
// manifest ready to be written to disk.
func (o *Orchestrator) snapshotRecords(ctx context.Context) (BackupManifest, error) {
	var records []backupRecord
	for _, tier := range record.AllTiers() {
		rs, err := o.records.FindByTier(ctx, tier)
		if err != nil {
			return BackupManifest{}, fmt.Errorf("snapshot tier %s: %w", tier, err)
		}
		for _, r := range rs {
			records = append(records, toBackupRecord(r))
		}
	}
	return newBackupManifest(time.Now().UTC(), records), nil
}

func toBackupRecord(r *record.Record) backupRecord {
	return backupRecord{
		ID:           r.ID().String(),
		Text:         r.Text(),
		Vector:       []float32(r.Vector()),
		Tier:         r.Tier().String(),
		Kind:         r.Kind(),
		Tags:         r.Tags(),
		Project:      r.Project(),
		Session:      r.Session(),
		CreatedAtMs:  r.CreatedAt().UnixMilli(),
		LastAccessMs: r.LastAccessAt().UnixMilli(),
		AccessCount:  r.AccessCount(),
		Score:        r.Score(),
	}
}

// toRecords reconstructs domain records from the manifest's wire rows
// via record.Hydrate, which preserves identity and bookkeeping instead
// of minting new IDs/timestamps the way record.New does.
func (m BackupManifest) toRecords() ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(m.records))
	for i, br := range m.records {
		id, err := uuid.Parse(br.ID)
		if err != nil {
			return nil, fmt.Errorf("restore record[%d]: parse id: %w", i, err)
		}
		r, err := record.Hydrate(
			id, br.Text, embedding.Vector(br.Vector), record.Tier(br.Tier),
			br.Kind, br.Tags, br.Project, br.Session,
			time.UnixMilli(br.CreatedAtMs).UTC(), time.UnixMilli(br.LastAccessMs).UTC(),
			br.AccessCount, br.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("restore record[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// restoreRecords groups records by tier, deletes any pre-existing
// record with the same ID (so restore overwrites rather than
// conflicting with live data), stores the batch, and reindexes each
// touched tier's vector and keyword indices the same way
// MemoryIngest.indexBatch does for newly inserted records.
func (o *Orchestrator) restoreRecords(ctx context.Context, records []*record.Record) (int, error) {
	byTier := make(map[record.Tier][]*record.Record)
	for _, r := range records {
		exists, err := o.records.Exists(ctx, r.ID())
		if err != nil {
			return 0, fmt.Errorf("check existing record %s: %w", r.ID(), err)
		}
		if exists {
			if err := o.records.Delete(ctx, r.ID()); err != nil {
				return 0, fmt.Errorf("replace existing record %s: %w", r.ID(), err)
			}
		}
		byTier[r.Tier()] = append(byTier[r.Tier()], r)
	}

	var total int
	for tier, group := range byTier {
		if err := o.records.StoreBatch(ctx, group); err != nil {
			return total, fmt.Errorf("store tier %s: %w", tier, err)
		}
		if err := o.reindexTier(ctx, tier, group); err != nil {
			return total, fmt.Errorf("reindex tier %s: %w", tier, err)
		}
		total += len(group)
	}
	return total, nil
}

func (o *Orchestrator) reindexTier(ctx context.Context, tier record.Tier, records []*record.Record) error {
	idx, ok := o.tiers[tier]
	if !ok {
		return fmt.Errorf("no indices configured for tier %s", tier)
	}

	embeddings := make([]search.Embedding, len(records))
	documents := make([]search.Document, len(records))
	for i, r := range records {
		embeddings[i] = search.NewEmbedding(r.ID().String(), r.Vector())
		documents[i] = search.NewDocument(r.ID().String(), r.Text())
	}

	if idx.Vector != nil {
		if err := idx.Vector.SaveAll(ctx, embeddings); err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
	}
	if idx.Text != nil {
		if err := idx.Text.Index(ctx, search.NewIndexRequest(documents)); err != nil {
			return fmt.Errorf("bm25 index: %w", err)
		}
	}
	return nil
}

func writeBackupFile(path string, manifest BackupManifest) error {
	wire := manifestWire{
		SchemaVersion: manifest.SchemaVersion,
		CreatedAtMs:   manifest.CreatedAtMs,
		RecordCount:   manifest.RecordCount,
		Records:       manifest.records,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	var header [8]byte
	copy(header[:4], backupMagic)
	binary.BigEndian.PutUint32(header[4:], backupVersion)

	var buf bytes.Buffer
	buf.Write(header[:])
	buf.Write(payload)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}
	return nil
}

func readBackupFile(path string) (BackupManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BackupManifest{}, fmt.Errorf("read backup file: %w", err)
	}
	if len(raw) < 8 || string(raw[:4]) != backupMagic {
		return BackupManifest{}, fmt.Errorf("%w: %s", ErrBackupFormat, path)
	}
	version := binary.BigEndian.Uint32(raw[4:8])
	if version != backupVersion {
		return BackupManifest{}, fmt.Errorf("%w: version %d", ErrBackupFormat, version)
	}

	var wire manifestWire
	if err := json.Unmarshal(raw[8:], &wire); err != nil {
		return BackupManifest{}, fmt.Errorf("%w: %v", ErrBackupFormat, err)
	}
	return BackupManifest{
		SchemaVersion: wire.SchemaVersion,
		CreatedAtMs:   wire.CreatedAtMs,
		RecordCount:   wire.RecordCount,
		records:       wire.Records,
	}, nil
}
