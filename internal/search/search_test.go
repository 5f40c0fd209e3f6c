package search

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.HomeIdentityRepository, *storage.NeighborIdentityRepository) {
	db, err := storage.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	home := storage.NewHomeIdentityRepository(db, 100)
	neighbor := storage.NewNeighborIdentityRepository(db)
	return New(home, neighbor), home, neighbor
}

func TestSearchFiltersByNameWildcardAndCapsResults(t *testing.T) {
	engine, home, _ := newTestEngine(t)

	for i := 0; i < 3; i++ {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		id := identity.IDFromPublicKey(kp.Public)
		row, err := home.Create(id, kp.Public)
		require.NoError(t, err)
		row.Name = "alice-" + string(rune('a'+i))
		row.Type = "person"
		require.NoError(t, home.Update(row))
	}

	result, err := engine.Search(Request{NameWildcard: "alice*", ResultCap: 2})
	require.NoError(t, err)
	require.Equal(t, uint32(3), result.TotalMatched)
	require.Len(t, result.Summaries, 2)
}

func TestSearchCachesResultsWithinTTL(t *testing.T) {
	engine, home, _ := newTestEngine(t)
	kp1, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	row, err := home.Create(kp1.ID, kp1.Public)
	require.NoError(t, err)
	row.Name = "bob"
	require.NoError(t, home.Update(row))

	first, err := engine.Search(Request{ResultCap: 10})
	require.NoError(t, err)
	require.Len(t, first.Summaries, 1)

	// Mutate storage directly without invalidating the cache: the cached
	// page should still be served until TTL or explicit invalidation.
	kp2, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	row2, err := home.Create(kp2.ID, kp2.Public)
	require.NoError(t, err)
	row2.Name = "carol"
	require.NoError(t, home.Update(row2))

	second, err := engine.Search(Request{ResultCap: 10})
	require.NoError(t, err)
	require.Len(t, second.Summaries, 1, "cached page should not reflect the uncommitted-to-cache mutation")

	engine.Invalidate()
	third, err := engine.Search(Request{ResultCap: 10})
	require.NoError(t, err)
	require.Len(t, third.Summaries, 2)
}

func TestSearchPagesFromCachedList(t *testing.T) {
	engine, home, _ := newTestEngine(t)

	for i := 0; i < 5; i++ {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		row, err := home.Create(kp.ID, kp.Public)
		require.NoError(t, err)
		row.Name = "dave"
		require.NoError(t, home.Update(row))
	}

	first, err := engine.Search(Request{NameWildcard: "dave", ResultCap: 10, MaxResponseRecords: 2})
	require.NoError(t, err)
	require.Equal(t, uint32(5), first.TotalMatched)
	require.Len(t, first.Summaries, 2)

	second, err := engine.Search(Request{NameWildcard: "dave", ResultCap: 10, MaxResponseRecords: 2, RecordOffset: 2})
	require.NoError(t, err)
	require.Len(t, second.Summaries, 2)
	require.NotEqual(t, first.Summaries[0].IdentityID, second.Summaries[0].IdentityID)

	last, err := engine.Search(Request{NameWildcard: "dave", ResultCap: 10, MaxResponseRecords: 2, RecordOffset: 4})
	require.NoError(t, err)
	require.Len(t, last.Summaries, 1)

	past, err := engine.Search(Request{NameWildcard: "dave", ResultCap: 10, MaxResponseRecords: 2, RecordOffset: 99})
	require.NoError(t, err)
	require.Empty(t, past.Summaries)
	require.Equal(t, uint32(5), past.TotalMatched)
}

func addLocatedProfile(t *testing.T, home *storage.HomeIdentityRepository, name string, lat, lon float64) {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	row, err := home.Create(kp.ID, kp.Public)
	require.NoError(t, err)
	row.Name = name
	row.Type = "person"
	row.HasLocation = true
	row.Latitude = lat
	row.Longitude = lon
	require.NoError(t, home.Update(row))
}

func TestSearchRadiusAboveMaxSkipsGeoFilterEntirely(t *testing.T) {
	engine, home, _ := newTestEngine(t)

	addLocatedProfile(t, home, "near", 50.0, 14.5)
	addLocatedProfile(t, home, "antipodal", -50.0, -165.5)

	// A profile with no location at all must also match type+name filters
	// once the radius passes the maximum.
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	row, err := home.Create(kp.ID, kp.Public)
	require.NoError(t, err)
	row.Name = "nowhere"
	row.Type = "person"
	require.NoError(t, home.Update(row))

	result, err := engine.Search(Request{
		TypeWildcard: "person",
		HasLocation:  true,
		Latitude:     50.0,
		Longitude:    14.5,
		RadiusMeters: 6_000_000,
		ResultCap:    10,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(3), result.TotalMatched,
		"above the maximum radius every type+name match returns, located or not")
}

func TestSearchRadiusZeroMatchesExactCenterOnly(t *testing.T) {
	engine, home, _ := newTestEngine(t)

	addLocatedProfile(t, home, "center", 50.08, 14.43)
	addLocatedProfile(t, home, "nearby", 50.09, 14.44)

	result, err := engine.Search(Request{
		HasLocation:  true,
		Latitude:     50.08,
		Longitude:    14.43,
		RadiusMeters: 0,
		ResultCap:    10,
	})
	require.NoError(t, err)
	require.Len(t, result.Summaries, 1)
	require.Equal(t, "center", result.Summaries[0].Name)
}

func TestSearchAcrossAntimeridian(t *testing.T) {
	engine, home, _ := newTestEngine(t)

	addLocatedProfile(t, home, "east", 0, 179.9)
	addLocatedProfile(t, home, "west", 0, -179.9)
	addLocatedProfile(t, home, "faraway", 0, 0)

	result, err := engine.Search(Request{
		HasLocation:  true,
		Latitude:     0,
		Longitude:    180,
		RadiusMeters: 50_000,
		ResultCap:    10,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(2), result.TotalMatched,
		"both hemisphere slices of the wrapped rectangle must return")
}
