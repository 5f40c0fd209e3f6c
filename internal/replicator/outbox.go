package replicator

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

const actionStopHostingKind = wire.ActionStopHosting

// Outbox enqueues one NeighborhoodAction per follower inside the same
// transaction as the hosted-identity mutation that triggered it, which is
// what gives replication its at-least-once, per-(follower, identity)
// ordered delivery.
type Outbox struct {
	followers *storage.FollowerRepository
	actions   *storage.NeighborhoodActionRepository
	metrics   *Metrics
}

// EnqueueTx fans one action out to every registered follower using tx.
// Followers still mid-initialization are included: their queued actions
// drain after the snapshot completes, preserving enqueue order.
func (o *Outbox) EnqueueTx(tx *gorm.DB, kind wire.NeighborhoodActionKind, row *storage.IdentityRow) error {
	followers, err := o.followers.List()
	if err != nil {
		return fmt.Errorf("list followers for enqueue: %w", err)
	}
	if len(followers) == 0 {
		return nil
	}

	var payload []byte
	switch kind {
	case wire.ActionAddProfile, wire.ActionChangeProfile, wire.ActionRefreshProfile:
		payload = SnapshotFromRow(row).Marshal()
	}

	now := time.Now()
	for _, f := range followers {
		action := &storage.NeighborhoodActionRow{
			FollowerID:       f.NetworkID,
			Kind:             uint8(kind),
			TargetIdentityID: row.IdentityID,
			PayloadSnapshot:  payload,
			EnqueuedAt:       now,
		}
		if err := o.actions.EnqueueTx(tx, action); err != nil {
			return err
		}
	}
	if o.metrics != nil {
		o.metrics.ActionsEnqueued.Add(float64(len(followers)))
	}
	return nil
}

// SnapshotFromRow converts a hosted identity row into its wire snapshot.
func SnapshotFromRow(row *storage.IdentityRow) *wire.ProfileSnapshot {
	return &wire.ProfileSnapshot{
		IdentityID:           row.IdentityID,
		PublicKey:            row.PublicKey,
		Name:                 row.Name,
		Type:                 row.Type,
		HasLocation:          row.HasLocation,
		Latitude:             row.Latitude,
		Longitude:            row.Longitude,
		ExtraData:            row.ExtraData,
		VersionMaj:           row.VersionMajor,
		VersionMin:           row.VersionMinor,
		VersionPat:           row.VersionPatch,
		ProfileImageHandle:   row.ProfileImageHandle,
		ThumbnailImageHandle: row.ThumbnailImageHandle,
	}
}

// RowFromSnapshot converts a received wire snapshot into a NeighborIdentity
// row sourced from sourceNeighborID. Full-size images are not mirrored for
// neighbor identities; only the thumbnail handle survives the trip.
func RowFromSnapshot(sourceNeighborID []byte, s *wire.ProfileSnapshot) *storage.IdentityRow {
	row := &storage.IdentityRow{
		IdentityID:           s.IdentityID,
		PublicKey:            s.PublicKey,
		Kind:                 storage.KindNeighbor,
		SourceNeighborID:     sourceNeighborID,
		Name:                 s.Name,
		Type:                 s.Type,
		ExtraData:            s.ExtraData,
		VersionMajor:         s.VersionMaj,
		VersionMinor:         s.VersionMin,
		VersionPatch:         s.VersionPat,
		HasLocation:          s.HasLocation,
		Latitude:             s.Latitude,
		Longitude:            s.Longitude,
		ThumbnailImageHandle: s.ThumbnailImageHandle,
	}
	row.RefreshGeoIndex()
	return row
}
