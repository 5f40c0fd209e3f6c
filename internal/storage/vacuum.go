package storage

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// RunVacuumOnce performs one pass of the hourly background vacuum task
//: purge hosted identities expired past retention and
// return the image handles they held, so the caller (imagestore) can
// reclaim the now-orphaned blobs.
func RunVacuumOnce(home *HomeIdentityRepository, retention time.Duration, log *slog.Logger) [][]byte {
	purged, err := home.PurgeExpired(retention)
	if err != nil {
		log.Error("vacuum: purge expired identities failed", "error", err)
		return nil
	}
	var orphanedHandles [][]byte
	for _, row := range purged {
		if len(row.ProfileImageHandle) > 0 {
			orphanedHandles = append(orphanedHandles, row.ProfileImageHandle)
		}
		if len(row.ThumbnailImageHandle) > 0 {
			orphanedHandles = append(orphanedHandles, row.ThumbnailImageHandle)
		}
	}
	if len(purged) > 0 {
		log.Info("vacuum: purged expired identities", "count", len(purged))
	}
	return orphanedHandles
}

// ReferencedImageHandles lists every image handle any identity row still
// points at, for the vacuum task's orphan-blob sweep.
func ReferencedImageHandles(db *gorm.DB) ([][]byte, error) {
	var rows []*IdentityRow
	err := db.Select("profile_image_handle", "thumbnail_image_handle").
		Where("profile_image_handle IS NOT NULL OR thumbnail_image_handle IS NOT NULL").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list referenced image handles: %w", err)
	}
	var handles [][]byte
	for _, row := range rows {
		if len(row.ProfileImageHandle) > 0 {
			handles = append(handles, row.ProfileImageHandle)
		}
		if len(row.ThumbnailImageHandle) > 0 {
			handles = append(handles, row.ThumbnailImageHandle)
		}
	}
	return handles, nil
}
