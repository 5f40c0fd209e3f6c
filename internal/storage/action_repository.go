package storage

import (
	"fmt"

	"gorm.io/gorm"
)

// NeighborhoodActionRepository manages the durable FIFO replication
// queue. Enqueue is always called within the same transaction
// as the triggering Identity mutation so actions never leak past a rolled
// back commit.
type NeighborhoodActionRepository struct {
	db *gorm.DB
}

func NewNeighborhoodActionRepository(db *gorm.DB) *NeighborhoodActionRepository {
	return &NeighborhoodActionRepository{db: db}
}

// EnqueueTx inserts one action row using tx, preserving FIFO order per
// (FollowerID, TargetIdentityID) via the auto-incrementing Sequence key.
func (r *NeighborhoodActionRepository) EnqueueTx(tx *gorm.DB, row *NeighborhoodActionRow) error {
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("enqueue neighborhood action for follower %x: %w", row.FollowerID, err)
	}
	return nil
}

// NextBatch returns up to limit queued actions for followerID in enqueue
// order, for the follower's drainer task.
func (r *NeighborhoodActionRepository) NextBatch(followerID []byte, limit int) ([]*NeighborhoodActionRow, error) {
	var rows []*NeighborhoodActionRow
	err := r.db.Where("follower_id = ?", followerID).Order("sequence asc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list neighborhood actions for follower %x: %w", followerID, err)
	}
	return rows, nil
}

// Ack deletes an action row after successful delivery.
func (r *NeighborhoodActionRepository) Ack(sequence uint64) error {
	if err := r.db.Delete(&NeighborhoodActionRow{}, sequence).Error; err != nil {
		return fmt.Errorf("ack neighborhood action %d: %w", sequence, err)
	}
	return nil
}

// IncrementAttempt bumps the attempt counter on a delivery failure.
func (r *NeighborhoodActionRepository) IncrementAttempt(sequence uint64) error {
	err := r.db.Model(&NeighborhoodActionRow{}).Where("sequence = ?", sequence).
		Update("attempt_count", gorm.Expr("attempt_count + 1")).Error
	if err != nil {
		return fmt.Errorf("increment attempt count for action %d: %w", sequence, err)
	}
	return nil
}

// DeleteForFollower removes every queued action for a follower being
// removed.
func (r *NeighborhoodActionRepository) DeleteForFollower(followerID []byte) error {
	if err := r.db.Where("follower_id = ?", followerID).Delete(&NeighborhoodActionRow{}).Error; err != nil {
		return fmt.Errorf("delete neighborhood actions for follower %x: %w", followerID, err)
	}
	return nil
}
