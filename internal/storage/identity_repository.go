package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/geo"
	"github.com/shurlinet/profileserver/internal/identity"
)

// SearchParams is the shared search-predicate input for both hosted and
// neighbor identity search, feeding the two-stage filter.
// Stage 1 (this package, pushed to SQL) narrows by kind/type/name/geo
// bounding box; Stage 2 (internal/search) re-checks exact distance and any
// extra-data substring filter in memory.
type SearchParams struct {
	TypePredicate WildcardPredicate
	NamePredicate WildcardPredicate
	BBox          *geo.BBox // nil = no geo predicate at all
	ActiveOnly    bool      // hosted-only queries require ExpiresAt IS NULL
	Limit         int       // Stage-1 candidate cap, expanded beyond maxResponseRecords to allow Stage-2 pruning
}

// identityRepository is the shared implementation behind
// HomeIdentityRepository and NeighborIdentityRepository: both variants
// need the same lookup and search paths, so they compose over this base,
// each fixing its own IdentityKind.
type identityRepository struct {
	db   *gorm.DB
	kind IdentityKind
}

func (r *identityRepository) getByID(id identity.ID) (*IdentityRow, error) {
	var row IdentityRow
	err := r.db.Where("identity_id = ? AND kind = ?", id[:], r.kind).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity %s: %w", id, err)
	}
	return &row, nil
}

func (r *identityRepository) getByPublicKey(pub []byte) (*IdentityRow, error) {
	var row IdentityRow
	err := r.db.Where("public_key = ? AND kind = ?", pub, r.kind).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: public key", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity by public key: %w", err)
	}
	return &row, nil
}

func (r *identityRepository) search(p SearchParams) ([]*IdentityRow, error) {
	q := r.db.Where("kind = ?", r.kind)
	if p.ActiveOnly {
		q = q.Where("expires_at IS NULL")
	}
	q = applyWildcard(q, "type", p.TypePredicate)
	q = applyWildcard(q, "name", p.NamePredicate)
	if p.BBox != nil {
		q = applyBBox(q, *p.BBox)
	}
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	var rows []*IdentityRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search identities: %w", err)
	}
	return rows, nil
}

func (r *identityRepository) count() (int64, error) {
	var n int64
	err := r.db.Model(&IdentityRow{}).Where("kind = ?", r.kind).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

// applyBBox turns a geo.BBox into the equivalent SQL predicate, mirroring
// BBox.Matches exactly.
func applyBBox(q *gorm.DB, bb geo.BBox) *gorm.DB {
	switch {
	case bb.NoPredicate:
		return q
	case bb.OnlyMinLat:
		return q.Where("has_location = ? AND latitude >= ?", true, bb.MinLat)
	case bb.OnlyMaxLat:
		return q.Where("has_location = ? AND latitude <= ?", true, bb.MaxLat)
	case bb.CrossesAntimeridian:
		return q.Where("has_location = ? AND latitude >= ? AND latitude <= ? AND (longitude >= ? OR longitude <= ?)",
			true, bb.MinLat, bb.MaxLat, bb.LeftLon, bb.RightLon)
	default:
		return q.Where("has_location = ? AND latitude >= ? AND latitude <= ? AND longitude >= ? AND longitude <= ?",
			true, bb.MinLat, bb.MaxLat, bb.MinLon, bb.MaxLon)
	}
}

// HomeIdentityRepository manages hosted Identity rows.
type HomeIdentityRepository struct {
	identityRepository
	maxHosted int
}

func NewHomeIdentityRepository(db *gorm.DB, maxHosted int) *HomeIdentityRepository {
	return &HomeIdentityRepository{
		identityRepository: identityRepository{db: db, kind: KindHosted},
		maxHosted:           maxHosted,
	}
}

// Create inserts a new hosted Identity row, enforcing the hosting quota
// and the at-most-one-hosting-agreement-per-public-key invariant. If a row
// for this public key already exists, it is returned unchanged so retries
// are idempotent.
func (r *HomeIdentityRepository) Create(id identity.ID, pub []byte) (*IdentityRow, error) {
	if existing, err := r.getByPublicKey(pub); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if int(n) >= r.maxHosted {
		return nil, fmt.Errorf("%w: max_hosted_identities=%d", ErrQuotaExceeded, r.maxHosted)
	}

	row := &IdentityRow{
		IdentityID: append([]byte(nil), id[:]...),
		PublicKey:  append([]byte(nil), pub...),
		Kind:       KindHosted,
	}
	if err := r.db.Create(row).Error; err != nil {
		return nil, fmt.Errorf("create hosted identity %s: %w", id, err)
	}
	return row, nil
}

// CreateTx is Create with the insert running inside an existing
// transaction, for callers that must also enqueue NeighborhoodAction rows
// atomically with the registration.
func (r *HomeIdentityRepository) CreateTx(tx *gorm.DB, id identity.ID, pub []byte) (*IdentityRow, error) {
	if existing, err := r.getByPublicKey(pub); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	n, err := r.count()
	if err != nil {
		return nil, err
	}
	if int(n) >= r.maxHosted {
		return nil, fmt.Errorf("%w: max_hosted_identities=%d", ErrQuotaExceeded, r.maxHosted)
	}

	row := &IdentityRow{
		IdentityID: append([]byte(nil), id[:]...),
		PublicKey:  append([]byte(nil), pub...),
		Kind:       KindHosted,
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("create hosted identity %s: %w", id, err)
	}
	return row, nil
}

func (r *HomeIdentityRepository) Get(id identity.ID) (*IdentityRow, error) { return r.getByID(id) }

func (r *HomeIdentityRepository) Search(p SearchParams) ([]*IdentityRow, error) { return r.search(p) }

// Update persists field-mask-selected changes from an UpdateProfileRequest.
// The caller has already verified the signature.
func (r *HomeIdentityRepository) Update(row *IdentityRow) error {
	row.RefreshGeoIndex()
	if err := r.db.Save(row).Error; err != nil {
		return fmt.Errorf("update hosted identity %s: %w", row.ID(), err)
	}
	return nil
}

// UpdateTx is Update run inside an existing transaction, used by callers
// that must also enqueue NeighborhoodAction rows atomically.
func (r *HomeIdentityRepository) UpdateTx(tx *gorm.DB, row *IdentityRow) error {
	row.RefreshGeoIndex()
	if err := tx.Save(row).Error; err != nil {
		return fmt.Errorf("update hosted identity %s: %w", row.ID(), err)
	}
	return nil
}

// Expire sets ExpiresAt on CancelHostingAgreement.
func (r *HomeIdentityRepository) Expire(tx *gorm.DB, id identity.ID) error {
	now := time.Now()
	err := tx.Model(&IdentityRow{}).
		Where("identity_id = ? AND kind = ?", id[:], KindHosted).
		Update("expires_at", &now).Error
	if err != nil {
		return fmt.Errorf("expire hosted identity %s: %w", id, err)
	}
	return nil
}

// PurgeExpired permanently deletes hosted rows past retention, for the
// hourly vacuum task.
func (r *HomeIdentityRepository) PurgeExpired(retention time.Duration) ([]*IdentityRow, error) {
	cutoff := time.Now().Add(-retention)
	var rows []*IdentityRow
	if err := r.db.Where("kind = ? AND expires_at IS NOT NULL AND expires_at < ?", KindHosted, cutoff).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find expired identities: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([][]byte, len(rows))
	for i, row := range rows {
		ids[i] = row.IdentityID
	}
	if err := r.db.Where("identity_id IN ?", ids).Delete(&IdentityRow{}).Error; err != nil {
		return nil, fmt.Errorf("purge expired identities: %w", err)
	}
	return rows, nil
}

// NeighborIdentityRepository manages mirrored NeighborIdentity rows.
type NeighborIdentityRepository struct {
	identityRepository
}

func NewNeighborIdentityRepository(db *gorm.DB) *NeighborIdentityRepository {
	return &NeighborIdentityRepository{identityRepository{db: db, kind: KindNeighbor}}
}

func (r *NeighborIdentityRepository) Search(p SearchParams) ([]*IdentityRow, error) {
	p.ActiveOnly = false // neighbor rows carry no expiration of their own
	return r.search(p)
}

// Upsert applies duplicate-suppressed add/change semantics for an incoming
// NeighborhoodAction: AddProfile on an existing row becomes an update;
// ChangeProfile on a missing row becomes an insert.
func (r *NeighborIdentityRepository) Upsert(sourceNeighborID []byte, row *IdentityRow) error {
	row.Kind = KindNeighbor
	row.SourceNeighborID = sourceNeighborID
	row.RefreshGeoIndex()

	var existing IdentityRow
	err := r.db.Where("identity_id = ? AND kind = ?", row.IdentityID, KindNeighbor).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.db.Create(row).Error; err != nil {
			return fmt.Errorf("insert neighbor identity %x: %w", row.IdentityID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup neighbor identity %x: %w", row.IdentityID, err)
	default:
		row.CreatedAt = existing.CreatedAt
		if err := r.db.Save(row).Error; err != nil {
			return fmt.Errorf("update neighbor identity %x: %w", row.IdentityID, err)
		}
		return nil
	}
}

// Remove deletes a mirrored identity; a RemoveProfile action on a missing
// row is a no-op.
func (r *NeighborIdentityRepository) Remove(id identity.ID) error {
	err := r.db.Where("identity_id = ? AND kind = ?", id[:], KindNeighbor).Delete(&IdentityRow{}).Error
	if err != nil {
		return fmt.Errorf("remove neighbor identity %s: %w", id, err)
	}
	return nil
}

// RemoveByNeighbor cascades deletion of every identity sourced from
// neighborID, run when LOC reports the neighbor removed.
func (r *NeighborIdentityRepository) RemoveByNeighbor(neighborID []byte) error {
	err := r.db.Where("kind = ? AND source_neighbor_id = ?", KindNeighbor, neighborID).Delete(&IdentityRow{}).Error
	if err != nil {
		return fmt.Errorf("cascade-remove neighbor %x identities: %w", neighborID, err)
	}
	return nil
}
