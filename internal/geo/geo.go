// Package geo implements the great-circle math and two-stage bounding-box
// derivation used by the profile search engine, plus the
// compact 32-bit location encoding stored alongside each Identity row.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used for all great-circle math.
const EarthRadiusMeters = 6371000.0

// MaxSearchRadiusMeters is the radius above which no geographic predicate
// is applied at all.
const MaxSearchRadiusMeters = 5_000_000.0

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

// Distance returns the great-circle distance in metres between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := deg2rad(lat1), deg2rad(lat2)
	dPhi := deg2rad(lat2 - lat1)
	dLambda := deg2rad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// normalizeLon wraps a longitude value into (-180, 180].
func normalizeLon(lon float64) float64 {
	for lon <= -180 {
		lon += 360
	}
	for lon > 180 {
		lon -= 360
	}
	return lon
}

// BBox is the Stage-1 storage predicate derived from a (center, radius)
// search parameter.
type BBox struct {
	// NoPredicate is true when radius > MaxSearchRadiusMeters: every row
	// matching type/name passes Stage 1.
	NoPredicate bool

	// OnlyMinLat/OnlyMaxLat are true when the search radius reaches a
	// pole: only a single latitude bound applies, no longitude bound.
	OnlyMinLat bool
	OnlyMaxLat bool

	MinLat, MaxLat float64

	// CrossesAntimeridian is true when the bounding rectangle wraps past
	// +/-180 degrees longitude; in that case the predicate is
	// (lon >= LeftLon OR lon <= RightLon) instead of MinLon/MaxLon.
	CrossesAntimeridian bool
	MinLon, MaxLon      float64
	LeftLon, RightLon   float64
}

// Matches reports whether (lat, lon) passes the Stage-1 bounding predicate.
// Used directly by in-memory repository implementations and by tests that
// check the SQL-equivalent predicate logic.
func (b BBox) Matches(lat, lon float64) bool {
	if b.NoPredicate {
		return true
	}
	if b.OnlyMinLat {
		return lat >= b.MinLat
	}
	if b.OnlyMaxLat {
		return lat <= b.MaxLat
	}
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.CrossesAntimeridian {
		return lon >= b.LeftLon || lon <= b.RightLon
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}

// ComputeBBox derives the Stage-1 bounding predicate for a search centered
// at (centerLat, centerLon) with the given radius in metres, following the
// rules above.
func ComputeBBox(centerLat, centerLon, radiusM float64) BBox {
	if radiusM > MaxSearchRadiusMeters {
		return BBox{NoPredicate: true}
	}

	distToNorthPole := Distance(centerLat, centerLon, 90, centerLon)
	distToSouthPole := Distance(centerLat, centerLon, -90, centerLon)

	latR := radiusM / EarthRadiusMeters // angular radius, radians
	centerLatRad := deg2rad(centerLat)

	if radiusM >= distToNorthPole {
		southLat := rad2deg(centerLatRad - latR)
		if southLat < -90 {
			southLat = -90
		}
		return BBox{OnlyMinLat: true, MinLat: southLat}
	}
	if radiusM >= distToSouthPole {
		northLat := rad2deg(centerLatRad + latR)
		if northLat > 90 {
			northLat = 90
		}
		return BBox{OnlyMaxLat: true, MaxLat: northLat}
	}

	minLatRad := centerLatRad - latR
	maxLatRad := centerLatRad + latR
	minLat := rad2deg(minLatRad)
	maxLat := rad2deg(maxLatRad)

	deltaLonAt := func(latRad float64) float64 {
		cosLat := math.Cos(latRad)
		if cosLat < 1e-9 {
			return math.Pi
		}
		sinArg := math.Sin(latR) / cosLat
		if sinArg >= 1 {
			return math.Pi
		}
		if sinArg <= -1 {
			return -math.Pi
		}
		return math.Asin(sinArg)
	}
	// Walk bearings N/S from the center for latitudes, expand longitude
	// for each corner (the min and max latitude rows), and take the
	// widest corner as the rectangle's half-width.
	dLon := math.Max(deltaLonAt(minLatRad), deltaLonAt(maxLatRad))

	centerLonRad := deg2rad(centerLon)
	rawMinLon := rad2deg(centerLonRad - dLon)
	rawMaxLon := rad2deg(centerLonRad + dLon)

	if rawMinLon < -180 || rawMaxLon > 180 {
		return BBox{
			MinLat:              minLat,
			MaxLat:               maxLat,
			CrossesAntimeridian: true,
			LeftLon:             normalizeLon(rawMinLon),
			RightLon:            normalizeLon(rawMaxLon),
		}
	}
	return BBox{
		MinLat: minLat,
		MaxLat: maxLat,
		MinLon: rawMinLon,
		MaxLon: rawMaxLon,
	}
}

// Compact encoding: each coordinate is quantized to 16 bits and packed into
// a single uint32 for use as a storage index column. This is lossy (~0.0055
// degree resolution, ~600m at the equator) and is never used for the
// Stage-1 predicate itself — repositories filter on the stored float64
// lat/lon columns directly. The compact value exists purely as an indexed
// locality key for coarse pre-filtering by storage engines that benefit
// from an equality/range-friendly single column.
const (
	latScale = 65535.0 / 180.0 // maps [-90,90] -> [0,65535]
	lonScale = 65535.0 / 360.0 // maps (-180,180] -> [0,65535]
)

// EncodeCompact packs (lat, lon) into a 32-bit index key.
func EncodeCompact(lat, lon float64) uint32 {
	latIdx := uint32(math.Round((lat + 90) * latScale))
	lonIdx := uint32(math.Round((lon + 180) * lonScale))
	if latIdx > 0xFFFF {
		latIdx = 0xFFFF
	}
	if lonIdx > 0xFFFF {
		lonIdx = 0xFFFF
	}
	return (latIdx << 16) | lonIdx
}

// DecodeCompact unpacks a value produced by EncodeCompact back to an
// approximate (lat, lon).
func DecodeCompact(v uint32) (lat, lon float64) {
	latIdx := v >> 16
	lonIdx := v & 0xFFFF
	lat = float64(latIdx)/latScale - 90
	lon = float64(lonIdx)/lonScale - 180
	return lat, lon
}
