package replicator

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/search"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

func newTestReplicator(t *testing.T) (*Replicator, *gorm.DB) {
	t.Helper()
	db, err := storage.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	home := storage.NewHomeIdentityRepository(db, 100)
	neighborIDs := storage.NewNeighborIdentityRepository(db)
	network, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	r := New(Config{
		LOCAddr:      "127.0.0.1:1",
		ExternalAddr: "127.0.0.1",
		PrimaryPort:  16987,
	}, Deps{
		DB:          db,
		Home:        home,
		NeighborIDs: neighborIDs,
		Neighbors:   storage.NewNeighborRepository(db, 10),
		Followers:   storage.NewFollowerRepository(db, 10),
		Actions:     storage.NewNeighborhoodActionRepository(db),
		Search:      search.New(home, neighborIDs),
		Network:     network,
	})
	return r, db
}

func hostedRow(t *testing.T) (*storage.IdentityRow, *identity.KeyPair) {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	row := &storage.IdentityRow{
		IdentityID:  kp.ID[:],
		PublicKey:   kp.Public,
		Kind:        storage.KindHosted,
		Name:        "Alice",
		Type:        "IoP.Person",
		HasLocation: true,
		Latitude:    50.08,
		Longitude:   14.43,
	}
	row.RefreshGeoIndex()
	return row, kp
}

func TestOutboxEnqueuesOneActionPerFollower(t *testing.T) {
	r, db := newTestReplicator(t)

	for i := 0; i < 2; i++ {
		peer, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		require.NoError(t, r.followers.Create(&storage.FollowerRow{
			NetworkID: peer.Public, CallbackIP: "127.0.0.1", CallbackPort: uint32(20000 + i),
		}))
	}

	row, _ := hostedRow(t)
	outbox := r.Outbox()
	require.NoError(t, storage.WithTransaction(db, func(tx *gorm.DB) error {
		return outbox.EnqueueTx(tx, wire.ActionChangeProfile, row)
	}))

	var rows []*storage.NeighborhoodActionRow
	require.NoError(t, db.Order("sequence asc").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, a := range rows {
		assert.Equal(t, uint8(wire.ActionChangeProfile), a.Kind)
		assert.Equal(t, row.IdentityID, a.TargetIdentityID)

		var snapshot wire.ProfileSnapshot
		require.NoError(t, snapshot.Unmarshal(a.PayloadSnapshot))
		assert.Equal(t, "Alice", snapshot.Name)
		assert.Equal(t, 50.08, snapshot.Latitude)
	}
	assert.Less(t, rows[0].Sequence, rows[1].Sequence)
}

func TestOutboxRollsBackWithMutation(t *testing.T) {
	r, db := newTestReplicator(t)
	peer, _ := identity.GenerateKeyPair()
	require.NoError(t, r.followers.Create(&storage.FollowerRow{
		NetworkID: peer.Public, CallbackIP: "127.0.0.1", CallbackPort: 20000,
	}))

	row, _ := hostedRow(t)
	outbox := r.Outbox()
	err := storage.WithTransaction(db, func(tx *gorm.DB) error {
		if err := outbox.EnqueueTx(tx, wire.ActionAddProfile, row); err != nil {
			return err
		}
		return assert.AnError // force a rollback after the enqueue
	})
	require.Error(t, err)

	var n int64
	require.NoError(t, db.Model(&storage.NeighborhoodActionRow{}).Count(&n).Error)
	assert.Zero(t, n, "rolled-back transaction must not leak queued actions")
}

func TestReceiverStartSharingRegistersNeighbor(t *testing.T) {
	r, _ := newTestReplicator(t)
	rc := r.Receiver()
	peer, _ := identity.GenerateKeyPair()

	req := &wire.StartNeighborhoodSharingRequest{
		NetworkID: peer.Public, CallbackIP: "192.0.2.7", CallbackPort: 16987,
	}
	payload, perr := rc.HandleStartSharing(req.Marshal())
	require.Nil(t, perr)

	var resp wire.StartNeighborhoodSharingResponse
	require.NoError(t, resp.Unmarshal(payload))
	assert.True(t, resp.Accepted)

	n, err := r.neighbors.Get(peer.Public)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", n.IP)

	// A repeated offer refreshes rather than duplicates.
	_, perr = rc.HandleStartSharing(req.Marshal())
	require.Nil(t, perr)
	all, err := r.neighbors.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func signedAction(t *testing.T, source *identity.KeyPair, kind wire.NeighborhoodActionKind, row *storage.IdentityRow, seq uint64) *wire.NeighborhoodAction {
	t.Helper()
	action := &wire.NeighborhoodAction{
		Sequence:         seq,
		Kind:             kind,
		TargetIdentityID: row.IdentityID,
		SourceNetworkID:  source.Public,
	}
	switch kind {
	case wire.ActionAddProfile, wire.ActionChangeProfile, wire.ActionRefreshProfile:
		action.Profile = SnapshotFromRow(row)
	}
	action.Signature = source.Sign(action.SignedBytes())
	return action
}

func TestReceiverActionDuplicateSuppression(t *testing.T) {
	r, db := newTestReplicator(t)
	rc := r.Receiver()

	source, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, r.neighbors.Upsert(&storage.NeighborRow{
		NetworkID: source.Public, IP: "127.0.0.1", Port: 16987,
	}))

	row, _ := hostedRow(t)

	// AddProfile inserts.
	_, perr := rc.HandleAction(signedAction(t, source, wire.ActionAddProfile, row, 1).Marshal())
	require.Nil(t, perr)
	mirrored, err := r.neighborIDs.Search(storage.SearchParams{})
	require.NoError(t, err)
	require.Len(t, mirrored, 1)

	// Replayed AddProfile on an existing identity becomes a change.
	row.Name = "Alice Renamed"
	_, perr = rc.HandleAction(signedAction(t, source, wire.ActionAddProfile, row, 1).Marshal())
	require.Nil(t, perr)
	mirrored, err = r.neighborIDs.Search(storage.SearchParams{})
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "Alice Renamed", mirrored[0].Name)

	// ChangeProfile on a missing identity becomes an insert.
	other, _ := hostedRow(t)
	_, perr = rc.HandleAction(signedAction(t, source, wire.ActionChangeProfile, other, 2).Marshal())
	require.Nil(t, perr)
	var n int64
	require.NoError(t, db.Model(&storage.IdentityRow{}).Where("kind = ?", storage.KindNeighbor).Count(&n).Error)
	assert.Equal(t, int64(2), n)

	// RemoveProfile on a missing identity is a no-op.
	missing, _ := hostedRow(t)
	_, perr = rc.HandleAction(signedAction(t, source, wire.ActionRemoveProfile, missing, 3).Marshal())
	require.Nil(t, perr)

	// RemoveProfile on an existing identity deletes it.
	_, perr = rc.HandleAction(signedAction(t, source, wire.ActionRemoveProfile, other, 4).Marshal())
	require.Nil(t, perr)
	require.NoError(t, db.Model(&storage.IdentityRow{}).Where("kind = ?", storage.KindNeighbor).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestReceiverActionRejectsBadSignature(t *testing.T) {
	r, _ := newTestReplicator(t)
	rc := r.Receiver()

	source, _ := identity.GenerateKeyPair()
	imposter, _ := identity.GenerateKeyPair()
	require.NoError(t, r.neighbors.Upsert(&storage.NeighborRow{
		NetworkID: source.Public, IP: "127.0.0.1", Port: 16987,
	}))

	row, _ := hostedRow(t)
	action := signedAction(t, imposter, wire.ActionAddProfile, row, 1)
	action.SourceNetworkID = source.Public // claim a source the signature doesn't match

	_, perr := rc.HandleAction(action.Marshal())
	require.NotNil(t, perr)
	assert.Equal(t, "Signature", perr.Kind.String())
}

func TestReceiverSharedBatchFromUnknownSource(t *testing.T) {
	r, _ := newTestReplicator(t)
	rc := r.Receiver()
	stranger, _ := identity.GenerateKeyPair()

	batch := &wire.NeighborhoodSharedProfileBatch{SourceNetworkID: stranger.Public, TotalChunks: 1}
	_, perr := rc.HandleSharedBatch(batch.Marshal())
	require.NotNil(t, perr)
	assert.Equal(t, "NotFound", perr.Kind.String())
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(0))
	assert.Equal(t, 10*time.Second, backoffDelay(1))
	assert.Equal(t, 20*time.Second, backoffDelay(2))
	assert.Equal(t, 40*time.Second, backoffDelay(3))
	assert.Equal(t, time.Hour, backoffDelay(10))
	assert.Equal(t, time.Hour, backoffDelay(100))
}

// fakeFollower is a minimal peer that answers single-request frames the
// way a remote profile server's primary role would.
type fakeFollower struct {
	t       *testing.T
	ln      net.Listener
	network *identity.KeyPair

	mu        sync.Mutex
	sequences []uint64
	batches   int
}

func newFakeFollower(t *testing.T) *fakeFollower {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeFollower{t: t, ln: ln, network: kp}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeFollower) addr() (string, uint32) {
	host, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, uint32(port)
}

func (f *fakeFollower) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeFollower) handle(conn net.Conn) {
	defer conn.Close()
	pc := newPeerConn(conn)
	env, outcome, err := wire.ReadFrame(pc.r)
	if err != nil || outcome != wire.OutcomeMessage || env.Request == nil {
		return
	}

	var payload []byte
	switch env.Request.Type {
	case wire.MsgNeighborhoodAction:
		var action wire.NeighborhoodAction
		if err := action.Unmarshal(env.Request.Payload); err != nil {
			return
		}
		f.mu.Lock()
		f.sequences = append(f.sequences, action.Sequence)
		f.mu.Unlock()
		payload = (&wire.NeighborhoodActionResponse{
			Accepted:  true,
			NetworkID: f.network.Public,
			Signature: f.network.Sign(action.SignedBytes()),
		}).Marshal()
	case wire.MsgNeighborhoodSharedProfileBatch:
		f.mu.Lock()
		f.batches++
		f.mu.Unlock()
	default:
		return
	}

	_ = wire.WriteFrame(conn, &wire.Envelope{
		ID:   env.ID,
		Kind: wire.KindResponse,
		Response: &wire.Response{
			Family:  env.Request.Family,
			Type:    env.Request.Type,
			Status:  wire.StatusOK,
			Payload: payload,
		},
	})
}

func TestDrainerDeliversInEnqueueOrder(t *testing.T) {
	r, db := newTestReplicator(t)
	follower := newFakeFollower(t)
	host, port := follower.addr()

	require.NoError(t, r.followers.Create(&storage.FollowerRow{
		NetworkID:              follower.network.Public,
		CallbackIP:             host,
		CallbackPort:           port,
		InitializationComplete: true,
	}))

	row, _ := hostedRow(t)
	outbox := r.Outbox()
	for i := 0; i < 3; i++ {
		require.NoError(t, storage.WithTransaction(db, func(tx *gorm.DB) error {
			return outbox.EnqueueTx(tx, wire.ActionChangeProfile, row)
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.drain(ctx, follower.network.Public)
	}()

	require.Eventually(t, func() bool {
		follower.mu.Lock()
		defer follower.mu.Unlock()
		return len(follower.sequences) == 3
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	follower.mu.Lock()
	sequences := append([]uint64(nil), follower.sequences...)
	follower.mu.Unlock()
	assert.True(t, sequences[0] < sequences[1] && sequences[1] < sequences[2],
		"actions must arrive in enqueue order, got %v", sequences)

	var n int64
	require.NoError(t, db.Model(&storage.NeighborhoodActionRow{}).Count(&n).Error)
	assert.Zero(t, n, "delivered actions must be acked off the queue")

	f, err := r.followers.Get(follower.network.Public)
	require.NoError(t, err)
	assert.Zero(t, f.ConsecutiveFailures)
}

func TestInitializationPushesSnapshotToCallback(t *testing.T) {
	r, _ := newTestReplicator(t)
	rc := r.Receiver()

	// Host a profile so the snapshot is non-empty.
	row, _ := hostedRow(t)
	require.NoError(t, r.db.Create(row).Error)

	follower := newFakeFollower(t)
	host, port := follower.addr()

	req := &wire.NeighborhoodInitializationRequest{
		NetworkID:    follower.network.Public,
		CallbackIP:   host,
		CallbackPort: port,
	}
	payload, perr := rc.HandleInitialization(req.Marshal())
	require.Nil(t, perr)

	var resp wire.NeighborhoodInitializationResponse
	require.NoError(t, resp.Unmarshal(payload))
	assert.True(t, resp.Accepted)

	require.Eventually(t, func() bool {
		f, err := r.followers.Get(follower.network.Public)
		return err == nil && f.InitializationComplete
	}, 5*time.Second, 20*time.Millisecond)

	follower.mu.Lock()
	defer follower.mu.Unlock()
	assert.Equal(t, 1, follower.batches)
}

type denyAll struct{}

func (denyAll) Admit([]byte) error { return assert.AnError }

func TestInitializationHonorsAdmissionPolicy(t *testing.T) {
	r, _ := newTestReplicator(t)
	r.admission = denyAll{}
	rc := r.Receiver()

	peer, _ := identity.GenerateKeyPair()
	req := &wire.NeighborhoodInitializationRequest{
		NetworkID: peer.Public, CallbackIP: "127.0.0.1", CallbackPort: 1,
	}
	payload, perr := rc.HandleInitialization(req.Marshal())
	require.Nil(t, perr)

	var resp wire.NeighborhoodInitializationResponse
	require.NoError(t, resp.Unmarshal(payload))
	assert.False(t, resp.Accepted)

	_, err := r.followers.Get(peer.Public)
	assert.Error(t, err, "denied peer must not be registered")
}

func TestCascadeRemovesNeighborIdentities(t *testing.T) {
	r, db := newTestReplicator(t)

	source, _ := identity.GenerateKeyPair()
	require.NoError(t, r.neighbors.Upsert(&storage.NeighborRow{
		NetworkID: source.Public, IP: "127.0.0.1", Port: 16987,
	}))
	row, _ := hostedRow(t)
	require.NoError(t, r.neighborIDs.Upsert(source.Public, RowFromSnapshot(source.Public, SnapshotFromRow(row))))

	r.handleNeighborRemove(source.Public)
	r.runCascadeOnce()

	var n int64
	require.NoError(t, db.Model(&storage.IdentityRow{}).Where("kind = ?", storage.KindNeighbor).Count(&n).Error)
	assert.Zero(t, n)
	_, err := r.neighbors.Get(source.Public)
	assert.Error(t, err)
}
