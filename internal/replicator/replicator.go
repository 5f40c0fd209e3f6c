// Package replicator implements the neighborhood replicator: the LOC
// client loop that tracks this server's geographic neighbors, the sharing
// handshake that turns neighbors into followers, the durable action queue
// drainers that deliver profile changes to each follower, and the
// receiving side that applies a neighbor's snapshot and change feed to the
// local NeighborIdentity table.
package replicator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/auth"
	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/search"
	"github.com/shurlinet/profileserver/internal/storage"
)

// SnapshotChunkSize is the maximum number of profiles carried in one
// NeighborhoodSharedProfileBatch during follower initialization.
const SnapshotChunkSize = 1000

// SendTimeout bounds every outbound replication send.
const SendTimeout = 60 * time.Second

// LOCReconnectDelay is how long the LOC loop waits before redialing a
// dead LOC connection.
const LOCReconnectDelay = 10 * time.Second

// UnhealthyRetention is how long a follower may stay unhealthy before it
// is removed together with its queued actions.
const UnhealthyRetention = 24 * time.Hour

const (
	drainPollInterval   = 2 * time.Second
	cascadePollInterval = 30 * time.Second
	drainBatchSize      = 50
)

// Config carries the replicator's slice of the server configuration.
type Config struct {
	LOCAddr string // host:port of the location server

	// ExternalAddr is the address peers and LOC reach us at. PrimaryPort
	// is advertised to LOC; NeighborPort (the server-neighbor listener) is
	// the callback endpoint handed to peers that follow us. A zero
	// NeighborPort falls back to PrimaryPort.
	ExternalAddr string
	PrimaryPort  uint32
	NeighborPort uint32
}

func (c Config) callbackPort() uint32 {
	if c.NeighborPort != 0 {
		return c.NeighborPort
	}
	return c.PrimaryPort
}

// Replicator owns the LOC loop, the follower drainers, and the neighbor
// cascade worker. The receiving side lives on Receiver, which shares this
// struct's repositories.
type Replicator struct {
	cfg       Config
	db        *gorm.DB
	home      *storage.HomeIdentityRepository
	neighborIDs *storage.NeighborIdentityRepository
	neighbors *storage.NeighborRepository
	followers *storage.FollowerRepository
	actions   *storage.NeighborhoodActionRepository
	search    *search.Engine
	admission auth.FollowerAdmissionPolicy
	network   *identity.KeyPair
	metrics   *Metrics
	log       *slog.Logger

	dial dialFunc // swapped out by tests

	mu       sync.Mutex
	drainers map[string]context.CancelFunc // keyed by hex follower ID

	locConnected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the constructor inputs so call sites stay readable.
type Deps struct {
	DB          *gorm.DB
	Home        *storage.HomeIdentityRepository
	NeighborIDs *storage.NeighborIdentityRepository
	Neighbors   *storage.NeighborRepository
	Followers   *storage.FollowerRepository
	Actions     *storage.NeighborhoodActionRepository
	Search      *search.Engine
	Admission   auth.FollowerAdmissionPolicy
	Network     *identity.KeyPair
	Metrics     *Metrics
	Log         *slog.Logger
}

// New constructs a stopped Replicator.
func New(cfg Config, d Deps) *Replicator {
	if d.Admission == nil {
		d.Admission = auth.AllowAll{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Replicator{
		cfg:         cfg,
		db:          d.DB,
		home:        d.Home,
		neighborIDs: d.NeighborIDs,
		neighbors:   d.Neighbors,
		followers:   d.Followers,
		actions:     d.Actions,
		search:      d.Search,
		admission:   d.Admission,
		network:     d.Network,
		metrics:     d.Metrics,
		log:         d.Log,
		dial:        tcpDial,
		drainers:    make(map[string]context.CancelFunc),
	}
}

// Receiver returns the inbound-message side of this replicator, suitable
// for wiring into the primary role's conversation dispatch.
func (r *Replicator) Receiver() *Receiver {
	return &Receiver{r: r}
}

// Outbox returns the transactional enqueue side, for wiring into the
// conversation handlers that mutate hosted profiles.
func (r *Replicator) Outbox() *Outbox {
	return &Outbox{followers: r.followers, actions: r.actions, metrics: r.metrics}
}

// Start launches the LOC loop, the drainer manager, and the neighbor
// cascade worker.
func (r *Replicator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.locLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.drainerManager(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.cascadeLoop(ctx)
	}()
}

// Stop cancels every worker and waits for them: drainers finish their
// current action, the LOC loop deregisters, then everything exits.
func (r *Replicator) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// LOCConnected reports whether the LOC session is currently up, for the
// kernel's health checks.
func (r *Replicator) LOCConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locConnected
}

func (r *Replicator) setLOCConnected(up bool) {
	r.mu.Lock()
	r.locConnected = up
	r.mu.Unlock()
	if up {
		r.metrics.LOCConnected.Set(1)
	} else {
		r.metrics.LOCConnected.Set(0)
	}
}

// sleepCtx waits for d or until ctx is cancelled, reporting false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// cascadeLoop is the background worker that finishes LOC-removals: it
// deletes a pending-delete neighbor's mirrored identities, drops the
// neighbor row, and enqueues a StopHosting to the peer if it also follows
// us.
func (r *Replicator) cascadeLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, cascadePollInterval) {
			return
		}
		r.runCascadeOnce()
	}
}

func (r *Replicator) runCascadeOnce() {
	pending, err := r.neighbors.PendingDeletes()
	if err != nil {
		r.log.Error("replicator: list pending-delete neighbors", "error", err)
		return
	}
	for _, n := range pending {
		if err := r.neighborIDs.RemoveByNeighbor(n.NetworkID); err != nil {
			r.log.Error("replicator: cascade delete neighbor identities", "neighbor", hexID(n.NetworkID), "error", err)
			continue
		}
		if _, err := r.followers.Get(n.NetworkID); err == nil {
			if err := r.enqueueStopHosting(n.NetworkID); err != nil {
				r.log.Warn("replicator: enqueue StopHosting", "error", err)
			}
		}
		if err := r.neighbors.Delete(n.NetworkID); err != nil {
			r.log.Error("replicator: delete neighbor row", "error", err)
			continue
		}
		if r.search != nil {
			r.search.Invalidate()
		}
		r.log.Info("replicator: neighbor removed", "neighbor", hexID(n.NetworkID))
	}
}

func (r *Replicator) enqueueStopHosting(followerID []byte) error {
	return storage.WithTransaction(r.db, func(tx *gorm.DB) error {
		return r.actions.EnqueueTx(tx, &storage.NeighborhoodActionRow{
			FollowerID: followerID,
			Kind:       uint8(actionStopHostingKind),
			EnqueuedAt: time.Now(),
		})
	})
}

func hexID(id []byte) string {
	const hextable = "0123456789abcdef"
	if len(id) > 8 {
		id = id[:8]
	}
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
