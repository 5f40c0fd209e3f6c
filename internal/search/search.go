// Package search implements the profile search engine:
// a two-stage filter (storage-pushed wildcard/bounding-box predicates,
// then in-memory exact-distance and extra-data refinement) fronted by a
// short-lived per-fingerprint result cache so paging doesn't re-hit
// storage.
package search

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/shurlinet/profileserver/internal/geo"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

// CacheTTL is how long a cached match list stays valid before a fresh
// storage query is forced.
const CacheTTL = 15 * time.Second

// CacheCapacity is the maximum number of distinct fingerprints cached at
// once.
const CacheCapacity = 1000

// Request is the engine-level search input, built from a
// wire.ProfileSearchRequest plus the caller's role-based result cap.
type Request struct {
	TypeWildcard       string
	NameWildcard       string
	HasLocation        bool
	Latitude           float64
	Longitude          float64
	RadiusMeters       float64
	ExtraDataSubstring string
	IncludeHostedOnly  bool
	MaxResponseRecords uint32
	RecordOffset       uint32 // paging offset into the full match list
	ResultCap          int    // role-based cap: 100 on client-non-TLS, 1000 on client-TLS
}

// Result is the engine's answer, ready to be marshaled into a
// wire.ProfileSearchResponse.
type Result struct {
	Summaries    []*wire.ProfileSummary
	TotalMatched uint32
}

// Engine composes the hosted and neighbor identity repositories behind
// the two-stage filter.
type Engine struct {
	home     *storage.HomeIdentityRepository
	neighbor *storage.NeighborIdentityRepository

	mu    sync.Mutex
	cache *lru.Cache
}

// cacheEntry holds the full, uncapped match list so later pages of the
// same query are served without re-hitting storage.
type cacheEntry struct {
	summaries []*wire.ProfileSummary
	expires   time.Time
}

// New constructs an Engine with a fresh 1000-entry LRU result cache.
func New(home *storage.HomeIdentityRepository, neighbor *storage.NeighborIdentityRepository) *Engine {
	cache, err := lru.New(CacheCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which CacheCapacity never is.
		panic(fmt.Sprintf("search: construct result cache: %v", err))
	}
	return &Engine{home: home, neighbor: neighbor, cache: cache}
}

// Search runs req through the cache, then the two-stage filter on a miss,
// and slices the requested page out of the full match list.
func (e *Engine) Search(req Request) (*Result, error) {
	key := fingerprint(req)

	var full []*wire.ProfileSummary
	e.mu.Lock()
	if v, ok := e.cache.Get(key); ok {
		entry := v.(*cacheEntry)
		if time.Now().Before(entry.expires) {
			full = entry.summaries
		} else {
			e.cache.Remove(key)
		}
	}
	e.mu.Unlock()

	if full == nil {
		var err error
		full, err = e.query(req)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache.Add(key, &cacheEntry{summaries: full, expires: time.Now().Add(CacheTTL)})
		e.mu.Unlock()
	}

	return page(full, req), nil
}

// page slices one response window out of the full match list.
func page(full []*wire.ProfileSummary, req Request) *Result {
	total := uint32(len(full))

	respCap := req.ResultCap
	if req.MaxResponseRecords > 0 && int(req.MaxResponseRecords) < respCap {
		respCap = int(req.MaxResponseRecords)
	}

	start := int(req.RecordOffset)
	if start > len(full) {
		start = len(full)
	}
	end := len(full)
	if respCap > 0 && start+respCap < end {
		end = start + respCap
	}
	return &Result{Summaries: full[start:end], TotalMatched: total}
}

// Invalidate drops every cached match list. Called by conversation handlers
// after any mutation that changes the identity set the cache was built
// from.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cache.Purge()
	e.mu.Unlock()
}

// query runs both filter stages and returns the full sorted match list.
func (e *Engine) query(req Request) ([]*wire.ProfileSummary, error) {
	params := storage.SearchParams{
		TypePredicate: storage.TranslateWildcard(req.TypeWildcard),
		NamePredicate: storage.TranslateWildcard(req.NameWildcard),
		ActiveOnly:    true,
		Limit:         stage1Limit(req),
	}
	// geoFilter mirrors Stage 1: above the maximum search radius the
	// bounding box carries NoPredicate and Stage 2 must skip the exact
	// distance check too, so type+name matches without a location still
	// come back.
	geoFilter := false
	if req.HasLocation {
		bb := geo.ComputeBBox(req.Latitude, req.Longitude, req.RadiusMeters)
		params.BBox = &bb
		geoFilter = !bb.NoPredicate
	}

	rows, err := e.home.Search(params)
	if err != nil {
		return nil, fmt.Errorf("search hosted identities: %w", err)
	}

	if !req.IncludeHostedOnly {
		neighborRows, err := e.neighbor.Search(params)
		if err != nil {
			return nil, fmt.Errorf("search neighbor identities: %w", err)
		}
		rows = append(rows, neighborRows...)
	}

	summaries := make([]*wire.ProfileSummary, 0, len(rows))
	for _, row := range rows {
		if geoFilter {
			if !row.HasLocation {
				continue
			}
			if geo.Distance(req.Latitude, req.Longitude, row.Latitude, row.Longitude) > req.RadiusMeters {
				continue
			}
		}
		if req.ExtraDataSubstring != "" && !containsFold(row.ExtraData, req.ExtraDataSubstring) {
			continue
		}
		summaries = append(summaries, &wire.ProfileSummary{
			IdentityID: append([]byte(nil), row.IdentityID...),
			Name:       row.Name,
			Type:       row.Type,
			Latitude:   row.Latitude,
			Longitude:  row.Longitude,
			ExtraData:  row.ExtraData,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return string(summaries[i].IdentityID) < string(summaries[j].IdentityID)
	})
	return summaries, nil
}

// stage1Limit widens the storage-level candidate cap beyond the role's
// result cap so stage 2's exact-distance/substring pruning still has
// enough candidates left to fill every page.
func stage1Limit(req Request) int {
	if req.ResultCap <= 0 {
		return 0
	}
	return req.ResultCap * 10
}

func containsFold(haystack, needle string) bool {
	return indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	h, n := []byte(haystack), []byte(needle)
	if len(n) == 0 {
		return 0
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if foldByte(h[i+j]) != foldByte(n[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func foldByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

// fingerprint derives the cache key for req: every field that affects the
// result set, hashed so the key stays a fixed size regardless of wildcard
// or extra-data string length.
func fingerprint(req Request) [32]byte {
	var buf []byte
	buf = append(buf, []byte(req.TypeWildcard)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(req.NameWildcard)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(req.ExtraDataSubstring)...)
	buf = append(buf, 0)
	buf = appendBool(buf, req.HasLocation)
	buf = appendFloat(buf, req.Latitude)
	buf = appendFloat(buf, req.Longitude)
	buf = appendFloat(buf, req.RadiusMeters)
	buf = appendBool(buf, req.IncludeHostedOnly)
	var capBytes [4]byte
	binary.BigEndian.PutUint32(capBytes[:], uint32(req.ResultCap))
	buf = append(buf, capBytes[:]...)
	// MaxResponseRecords and RecordOffset shape the page, not the match
	// list, so they stay out of the key and later pages of the same query
	// hit the cached list. ResultCap stays in: it bounds the stage-1
	// candidate pull, so lists built under different role caps differ.
	return sha256.Sum256(buf)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendFloat(buf []byte, f float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return append(buf, b[:]...)
}

