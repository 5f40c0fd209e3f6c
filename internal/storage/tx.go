package storage

import (
	"fmt"

	"gorm.io/gorm"
)

// WithTransaction runs fn inside a single database transaction, rolling
// back on any error so multi-table writes (identity update + enqueued
// NeighborhoodAction rows) commit atomically or not at all.
func WithTransaction(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if err := db.Transaction(fn); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	return nil
}
