package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/geo"
	"github.com/shurlinet/profileserver/internal/identity"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

func TestHomeIdentityCreateIsIdempotentOnPublicKey(t *testing.T) {
	db := openTestDB(t)
	repo := NewHomeIdentityRepository(db, 10)

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	first, err := repo.Create(kp.ID, kp.Public)
	require.NoError(t, err)

	second, err := repo.Create(kp.ID, kp.Public)
	require.NoError(t, err)
	require.Equal(t, first.IdentityID, second.IdentityID)

	n, err := repo.count()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestHomeIdentityQuotaExceeded(t *testing.T) {
	db := openTestDB(t)
	repo := NewHomeIdentityRepository(db, 1)

	kp1, _ := identity.GenerateKeyPair()
	_, err := repo.Create(kp1.ID, kp1.Public)
	require.NoError(t, err)

	kp2, _ := identity.GenerateKeyPair()
	_, err = repo.Create(kp2.ID, kp2.Public)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestHomeIdentitySearchByGeoBoundingBox(t *testing.T) {
	db := openTestDB(t)
	repo := NewHomeIdentityRepository(db, 10)

	kp, _ := identity.GenerateKeyPair()
	row, err := repo.Create(kp.ID, kp.Public)
	require.NoError(t, err)

	row.Name = "Alice"
	row.Type = "IoP.Person"
	row.HasLocation = true
	row.Latitude = 50.08
	row.Longitude = 14.43
	require.NoError(t, repo.Update(row))

	bb := geo.ComputeBBox(50.0, 14.5, 20000)
	results, err := repo.Search(SearchParams{
		TypePredicate: TranslateWildcard("*Person"),
		BBox:          &bb,
		ActiveOnly:    true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Alice", results[0].Name)
}

func TestHomeIdentityExpiredRowsExcludedFromActiveSearch(t *testing.T) {
	db := openTestDB(t)
	repo := NewHomeIdentityRepository(db, 10)

	kp, _ := identity.GenerateKeyPair()
	row, err := repo.Create(kp.ID, kp.Public)
	require.NoError(t, err)
	row.Type = "IoP.Person"
	require.NoError(t, repo.Update(row))

	require.NoError(t, WithTransaction(db, func(tx *gorm.DB) error {
		return repo.Expire(tx, kp.ID)
	}))

	results, err := repo.Search(SearchParams{
		TypePredicate: TranslateWildcard("*"),
		ActiveOnly:    true,
	})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestNeighborIdentityUpsertDuplicateSuppression(t *testing.T) {
	db := openTestDB(t)
	repo := NewNeighborIdentityRepository(db)

	neighborID := []byte("neighbor-network-id-32-bytes!!!")
	row := &IdentityRow{IdentityID: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, PublicKey: []byte("neighbor-profile-public-key"), Name: "Bob"}
	require.NoError(t, repo.Upsert(neighborID, row))

	row2 := &IdentityRow{IdentityID: row.IdentityID, PublicKey: row.PublicKey, Name: "Bob Updated"}
	require.NoError(t, repo.Upsert(neighborID, row2))

	results, err := repo.Search(SearchParams{TypePredicate: TranslateWildcard("*")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Bob Updated", results[0].Name)
}

func TestFollowerUnhealthyAfterFiveFailures(t *testing.T) {
	db := openTestDB(t)
	repo := NewFollowerRepository(db, 10)

	networkID := []byte("follower-network-id-32-bytes!!!")
	require.NoError(t, repo.Create(&FollowerRow{NetworkID: networkID, CallbackIP: "10.0.0.1", CallbackPort: 7100}))

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordFailure(networkID))
	}

	follower, err := repo.Get(networkID)
	require.NoError(t, err)
	require.Equal(t, 5, follower.ConsecutiveFailures)
	require.NotNil(t, follower.UnhealthySince)
}

func TestNeighborhoodActionFIFOOrder(t *testing.T) {
	db := openTestDB(t)
	actions := NewNeighborhoodActionRepository(db)

	followerID := []byte("follower-network-id-32-bytes!!!")
	for i := 0; i < 3; i++ {
		require.NoError(t, WithTransaction(db, func(tx *gorm.DB) error {
			return actions.EnqueueTx(tx, &NeighborhoodActionRow{
				FollowerID:       followerID,
				Kind:             1,
				TargetIdentityID: []byte{byte(i)},
				EnqueuedAt:       time.Now(),
			})
		}))
	}

	batch, err := actions.NextBatch(followerID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.True(t, batch[0].Sequence < batch[1].Sequence)
	require.True(t, batch[1].Sequence < batch[2].Sequence)
}

func TestSettingsGetSetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	settings := NewSettingsRepository(db)

	_, err := settings.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, settings.Set("schema_version", "1"))
	v, err := settings.Get("schema_version")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	require.NoError(t, settings.Set("schema_version", "2"))
	v, err = settings.Get("schema_version")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}
