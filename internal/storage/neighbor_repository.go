package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// NeighborRepository manages Neighbor rows.
type NeighborRepository struct {
	db  *gorm.DB
	max int
}

func NewNeighborRepository(db *gorm.DB, max int) *NeighborRepository {
	return &NeighborRepository{db: db, max: max}
}

func (r *NeighborRepository) Get(networkID []byte) (*NeighborRow, error) {
	var row NeighborRow
	err := r.db.Where("network_id = ?", networkID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: neighbor %x", ErrNotFound, networkID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup neighbor %x: %w", networkID, err)
	}
	return &row, nil
}

// Upsert inserts or refreshes a Neighbor row on an LOC-add notification.
// Enforces max-neighbors on insert only.
func (r *NeighborRepository) Upsert(row *NeighborRow) error {
	var existing NeighborRow
	err := r.db.Where("network_id = ?", row.NetworkID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var n int64
		if err := r.db.Model(&NeighborRow{}).Count(&n).Error; err != nil {
			return fmt.Errorf("count neighbors: %w", err)
		}
		if int(n) >= r.max {
			return fmt.Errorf("%w: max_neighbors=%d", ErrQuotaExceeded, r.max)
		}
		row.LastRefreshAt = time.Now()
		if err := r.db.Create(row).Error; err != nil {
			return fmt.Errorf("insert neighbor %x: %w", row.NetworkID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup neighbor %x: %w", row.NetworkID, err)
	}
	existing.IP = row.IP
	existing.Port = row.Port
	existing.DistanceMeters = row.DistanceMeters
	existing.LastRefreshAt = time.Now()
	existing.PendingDelete = false
	if err := r.db.Save(&existing).Error; err != nil {
		return fmt.Errorf("refresh neighbor %x: %w", row.NetworkID, err)
	}
	return nil
}

// MarkPendingDelete flags a neighbor for cascade removal on an LOC-remove
// notification.
func (r *NeighborRepository) MarkPendingDelete(networkID []byte) error {
	err := r.db.Model(&NeighborRow{}).Where("network_id = ?", networkID).Update("pending_delete", true).Error
	if err != nil {
		return fmt.Errorf("mark neighbor %x pending delete: %w", networkID, err)
	}
	return nil
}

// PendingDeletes returns neighbors flagged for cascade removal, for the
// background worker that deletes their NeighborIdentity rows first.
func (r *NeighborRepository) PendingDeletes() ([]*NeighborRow, error) {
	var rows []*NeighborRow
	if err := r.db.Where("pending_delete = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pending-delete neighbors: %w", err)
	}
	return rows, nil
}

func (r *NeighborRepository) Delete(networkID []byte) error {
	if err := r.db.Where("network_id = ?", networkID).Delete(&NeighborRow{}).Error; err != nil {
		return fmt.Errorf("delete neighbor %x: %w", networkID, err)
	}
	return nil
}

func (r *NeighborRepository) List() ([]*NeighborRow, error) {
	var rows []*NeighborRow
	if err := r.db.Where("pending_delete = ?", false).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	return rows, nil
}

// UpdateProfileCount refreshes the denormalized profile count after a
// snapshot batch completes.
func (r *NeighborRepository) UpdateProfileCount(networkID []byte, count int) error {
	err := r.db.Model(&NeighborRow{}).Where("network_id = ?", networkID).Update("profile_count", count).Error
	if err != nil {
		return fmt.Errorf("update neighbor %x profile count: %w", networkID, err)
	}
	return nil
}
