package storage

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaVersion is bumped whenever AllModels changes in a way that requires
// migration bookkeeping; stored in the settings table under SettingSchemaVersion.
const SchemaVersion = "1"

const SettingSchemaVersion = "schema_version"

// Open opens (creating if absent) the SQLite database at path, runs
// AutoMigrate over every model, and records the schema version.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}

	settings := NewSettingsRepository(db)
	if _, err := settings.Get(SettingSchemaVersion); err != nil {
		if err := settings.Set(SettingSchemaVersion, SchemaVersion); err != nil {
			return nil, fmt.Errorf("write schema version: %w", err)
		}
	}
	return db, nil
}
