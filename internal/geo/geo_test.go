package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	require.InDelta(t, 0, Distance(50.08, 14.43, 50.08, 14.43), 1e-6)
}

func TestRadiusZeroMatchesOnlyExactPoint(t *testing.T) {
	bb := ComputeBBox(50.08, 14.43, 0)
	require.True(t, bb.Matches(50.08, 14.43))
	require.False(t, bb.Matches(50.081, 14.43))
}

func TestRadiusAboveMaxSkipsGeoPredicate(t *testing.T) {
	bb := ComputeBBox(0, 0, MaxSearchRadiusMeters+1)
	require.True(t, bb.NoPredicate)
	require.True(t, bb.Matches(89.9, 179.9))
	require.True(t, bb.Matches(-89.9, -179.9))
}

func TestAntimeridianBoundingBoxUnionsBothSides(t *testing.T) {
	bb := ComputeBBox(0, 180, 50000)
	require.True(t, bb.CrossesAntimeridian)
	require.True(t, bb.Matches(0, 179.9))
	require.True(t, bb.Matches(0, -179.9))
	require.False(t, bb.Matches(0, 0))
}

func TestNorthPoleReachableCollapsesToSingleLatBound(t *testing.T) {
	distToPole := Distance(80, 10, 90, 10)
	bb := ComputeBBox(80, 10, distToPole+1000)
	require.True(t, bb.OnlyMinLat)
	require.True(t, bb.Matches(89, 170))
	require.True(t, bb.Matches(89, -170))
}

func TestCompactEncodingRoundTripsWithinQuantizationError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lat := rapid.Float64Range(-90, 90).Draw(t, "lat")
		lon := rapid.Float64Range(-179.999, 180).Draw(t, "lon")

		v := EncodeCompact(lat, lon)
		gotLat, gotLon := DecodeCompact(v)

		require.InDelta(t, lat, gotLat, 0.01)
		require.InDelta(t, lon, gotLon, 0.01)
	})
}

func TestBoundingBoxAlwaysContainsCenter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lat := rapid.Float64Range(-89, 89).Draw(t, "lat")
		lon := rapid.Float64Range(-179, 179).Draw(t, "lon")
		radius := rapid.Float64Range(1, 4_000_000).Draw(t, "radius")

		bb := ComputeBBox(lat, lon, radius)
		require.True(t, bb.Matches(lat, lon), "center must always be inside its own bounding box (lat=%v lon=%v r=%v)", lat, lon, radius)
	})
}

func TestDistanceSymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lat1 := rapid.Float64Range(-90, 90).Draw(t, "lat1")
		lon1 := rapid.Float64Range(-180, 180).Draw(t, "lon1")
		lat2 := rapid.Float64Range(-90, 90).Draw(t, "lat2")
		lon2 := rapid.Float64Range(-180, 180).Draw(t, "lon2")

		d1 := Distance(lat1, lon1, lat2, lon2)
		d2 := Distance(lat2, lon2, lat1, lon1)
		require.True(t, math.Abs(d1-d2) < 1e-6)
	})
}
