// Package storage implements the persistence layer:
// durable tables for hosted and replicated identities, neighbor and
// follower bookkeeping, the neighborhood action queue, and a settings
// key/value store. Backed by gorm.io/gorm over SQLite, grounded on the
// dialector pattern used elsewhere in the retrieval pack for wiring a
// concrete SQL driver behind GORM's dialector interface.
package storage

import (
	"time"

	"github.com/shurlinet/profileserver/internal/geo"
	"github.com/shurlinet/profileserver/internal/identity"
)

// IdentityKind discriminates a hosted profile from one mirrored on behalf
// of a neighbor... their shared
// base becomes one record type with a discriminator").
type IdentityKind uint8

const (
	KindHosted IdentityKind = iota
	KindNeighbor
)

// IdentityRow is the unified Identity/NeighborIdentity record.
// Hosted rows have Kind=KindHosted and a zero SourceNeighborID; neighbor
// rows carry the 32-byte network ID of the neighbor that shared them.
type IdentityRow struct {
	IdentityID []byte `gorm:"primaryKey;size:20"` // SHA-1(PublicKey)
	PublicKey  []byte `gorm:"size:256;not null"`

	Kind             IdentityKind `gorm:"index;not null"`
	SourceNeighborID []byte       `gorm:"size:32;index"` // set only when Kind==KindNeighbor

	Name      string `gorm:"size:64"`
	Type      string `gorm:"size:32;index"`
	ExtraData string `gorm:"size:200"`

	VersionMajor uint32
	VersionMinor uint32
	VersionPatch uint32

	HasLocation bool
	Latitude    float64
	Longitude   float64
	GeoIndex    uint32 `gorm:"index"` // geo.EncodeCompact(Latitude, Longitude); coarse pre-filter only

	ProfileImageHandle   []byte `gorm:"size:16"`
	ThumbnailImageHandle []byte `gorm:"size:16"`

	ExpiresAt *time.Time `gorm:"index"` // nil = active (hosted only; neighbor rows are never expired here)

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the GORM table name so it doesn't pluralize oddly.
func (IdentityRow) TableName() string { return "identities" }

// RefreshGeoIndex recomputes GeoIndex from Latitude/Longitude. Callers must
// invoke this whenever they set HasLocation/Latitude/Longitude directly.
func (r *IdentityRow) RefreshGeoIndex() {
	if r.HasLocation {
		r.GeoIndex = geo.EncodeCompact(r.Latitude, r.Longitude)
	}
}

// ID returns the row's identity.ID value.
func (r *IdentityRow) ID() identity.ID {
	var id identity.ID
	copy(id[:], r.IdentityID)
	return id
}

// NeighborRow is a peer profile server whose profiles we mirror.
type NeighborRow struct {
	NetworkID []byte `gorm:"primaryKey;size:32"`

	IP   string `gorm:"size:64;not null"`
	Port uint32 `gorm:"not null"`

	DistanceMeters float64
	LastRefreshAt  time.Time
	ProfileCount   int

	// PendingDelete is set when LOC reports removal; a background worker
	// cascades deletion of this neighbor's NeighborIdentity rows before the
	// row itself is removed.
	PendingDelete bool `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (NeighborRow) TableName() string { return "neighbors" }

// FollowerRow is a peer profile server that mirrors our profiles.
type FollowerRow struct {
	NetworkID []byte `gorm:"primaryKey;size:32"`

	CallbackIP   string `gorm:"size:64;not null"`
	CallbackPort uint32 `gorm:"not null"`

	InitializationComplete bool
	LastSuccessAt           time.Time

	ConsecutiveFailures int
	UnhealthySince      *time.Time `gorm:"index"` // nil while healthy

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (FollowerRow) TableName() string { return "followers" }

// NeighborhoodActionRow is one durable FIFO queue entry. Actions for the same (FollowerID, TargetIdentityID)
// pair must be dequeued in Sequence order.
type NeighborhoodActionRow struct {
	Sequence uint64 `gorm:"primaryKey;autoIncrement"`

	FollowerID       []byte `gorm:"size:32;index:idx_follower_seq,priority:1;not null"`
	Kind             uint8  `gorm:"not null"`
	TargetIdentityID []byte `gorm:"size:20;not null"`

	// PayloadSnapshot is the encoded wire.ProfileSnapshot to deliver, set
	// for Add/Change/Refresh actions; empty for Remove/StopHosting.
	PayloadSnapshot []byte

	EnqueuedAt  time.Time `gorm:"not null"`
	AttemptCount int
}

func (NeighborhoodActionRow) TableName() string { return "neighborhood_actions" }

// SettingRow is a generic key/value row.
type SettingRow struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string
}

func (SettingRow) TableName() string { return "settings" }

// AllModels lists every GORM model for AutoMigrate.
func AllModels() []any {
	return []any{
		&IdentityRow{},
		&NeighborRow{},
		&FollowerRow{},
		&NeighborhoodActionRow{},
		&SettingRow{},
	}
}
