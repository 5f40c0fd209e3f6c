package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FollowerRepository manages Follower rows.
type FollowerRepository struct {
	db  *gorm.DB
	max int
}

func NewFollowerRepository(db *gorm.DB, max int) *FollowerRepository {
	return &FollowerRepository{db: db, max: max}
}

func (r *FollowerRepository) Get(networkID []byte) (*FollowerRow, error) {
	var row FollowerRow
	err := r.db.Where("network_id = ?", networkID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: follower %x", ErrNotFound, networkID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup follower %x: %w", networkID, err)
	}
	return &row, nil
}

// Create registers a new follower on NeighborhoodInitializationRequest.
// Any peer reaching the primary port may request to become a follower; no
// authorization check runs here — auth.FollowerAdmissionPolicy is the
// hook a future authorization layer plugs into instead.
func (r *FollowerRepository) Create(row *FollowerRow) error {
	var n int64
	if err := r.db.Model(&FollowerRow{}).Count(&n).Error; err != nil {
		return fmt.Errorf("count followers: %w", err)
	}
	if int(n) >= r.max {
		return fmt.Errorf("%w: max_followers=%d", ErrQuotaExceeded, r.max)
	}
	if err := r.db.Create(row).Error; err != nil {
		return fmt.Errorf("create follower %x: %w", row.NetworkID, err)
	}
	return nil
}

func (r *FollowerRepository) MarkInitialized(networkID []byte) error {
	err := r.db.Model(&FollowerRow{}).Where("network_id = ?", networkID).Update("initialization_complete", true).Error
	if err != nil {
		return fmt.Errorf("mark follower %x initialized: %w", networkID, err)
	}
	return nil
}

// RecordSuccess resets the failure streak after a successful delivery.
func (r *FollowerRepository) RecordSuccess(networkID []byte) error {
	err := r.db.Model(&FollowerRow{}).Where("network_id = ?", networkID).Updates(map[string]any{
		"last_success_at":      time.Now(),
		"consecutive_failures": 0,
		"unhealthy_since":      nil,
	}).Error
	if err != nil {
		return fmt.Errorf("record follower %x success: %w", networkID, err)
	}
	return nil
}

// RecordFailure increments the failure streak and marks the follower
// unhealthy after 5 consecutive failures.
func (r *FollowerRepository) RecordFailure(networkID []byte) error {
	follower, err := r.Get(networkID)
	if err != nil {
		return err
	}
	follower.ConsecutiveFailures++
	updates := map[string]any{"consecutive_failures": follower.ConsecutiveFailures}
	if follower.ConsecutiveFailures >= 5 && follower.UnhealthySince == nil {
		now := time.Now()
		updates["unhealthy_since"] = &now
	}
	if err := r.db.Model(&FollowerRow{}).Where("network_id = ?", networkID).Updates(updates).Error; err != nil {
		return fmt.Errorf("record follower %x failure: %w", networkID, err)
	}
	return nil
}

// UnhealthyPastRetention lists followers unhealthy for more than 24h, due
// for removal.
func (r *FollowerRepository) UnhealthyPastRetention(retention time.Duration) ([]*FollowerRow, error) {
	cutoff := time.Now().Add(-retention)
	var rows []*FollowerRow
	if err := r.db.Where("unhealthy_since IS NOT NULL AND unhealthy_since < ?", cutoff).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list long-unhealthy followers: %w", err)
	}
	return rows, nil
}

func (r *FollowerRepository) Delete(networkID []byte) error {
	if err := r.db.Where("network_id = ?", networkID).Delete(&FollowerRow{}).Error; err != nil {
		return fmt.Errorf("delete follower %x: %w", networkID, err)
	}
	return nil
}

func (r *FollowerRepository) List() ([]*FollowerRow, error) {
	var rows []*FollowerRow
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	return rows, nil
}
