// Package persistence provides the GORM-backed implementations of the
// engine's durable storage contracts.
package persistence

import (
	"context"
	"fmt"

	"github.com/memtier/tvme/domain/record"
	"github.com/memtier/tvme/internal/database"
	"gorm.io/gorm"
)

// AutoMigrate creates every table the engine's storage contracts need: the
// three per-tier record partitions and the embedding
// cache table. Safe to call repeatedly — every underlying statement
// is IF NOT EXISTS.
func AutoMigrate(db database.Database) error {
	ctx := context.Background()

	store := NewRecordStore(db)
	for _, tier := range record.AllTiers() {
		if err := store.ensureTable(ctx, tier); err != nil {
			return fmt.Errorf("automigrate: %w", err)
		}
	}

	if err := db.GORM().WithContext(ctx).AutoMigrate(&CacheModel{}); err != nil {
		return fmt.Errorf("automigrate: embedding cache: %w", err)
	}

	return nil
}

// ValidateSchema verifies that every RecordModel/CacheModel field has a
// corresponding database column. Returns an error listing any missing
// columns; used by operators diagnosing a database migrated by an older
// build of the engine.
func ValidateSchema(db database.Database) error {
	gdb := db.GORM()
	migrator := gdb.Migrator()

	check := func(model any, table string) ([]string, error) {
		columnTypes, err := migrator.ColumnTypes(table)
		if err != nil {
			return nil, fmt.Errorf("get column types for %s: %w", table, err)
		}
		actual := make(map[string]bool, len(columnTypes))
		for _, ct := range columnTypes {
			actual[ct.Name()] = true
		}

		stmt := &gorm.Statement{DB: gdb}
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("parse model schema: %w", err)
		}

		var missing []string
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" || field.DBName == "-" {
				continue
			}
			if !actual[field.DBName] {
				missing = append(missing, table+"."+field.DBName)
			}
		}
		return missing, nil
	}

	var missing []string
	for _, tier := range record.AllTiers() {
		m, err := check(&RecordModel{}, recordTable(tier))
		if err != nil {
			return err
		}
		missing = append(missing, m...)
	}
	m, err := check(&CacheModel{}, "embedding_cache")
	if err != nil {
		return err
	}
	missing = append(missing, m...)

	if len(missing) > 0 {
		return fmt.Errorf("schema validation failed — missing columns: %v", missing)
	}
	return nil
}
