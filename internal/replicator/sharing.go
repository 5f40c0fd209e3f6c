package replicator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

// shareWithNeighbor runs the outbound half of the sharing handshake: offer
// our profiles to a newly discovered neighbor. If the peer accepts, it
// becomes a follower of us and receives our full snapshot.
func (r *Replicator) shareWithNeighbor(ctx context.Context, n *storage.NeighborRow) {
	addr := net.JoinHostPort(n.IP, strconv.Itoa(int(n.Port)))

	conn, err := r.dial(ctx, addr)
	if err != nil {
		r.log.Warn("replicator: dial neighbor for sharing", "neighbor", hexID(n.NetworkID), "addr", addr, "error", err)
		return
	}
	pc := newPeerConn(conn)
	defer pc.Close()

	req := &wire.StartNeighborhoodSharingRequest{
		NetworkID:    r.network.Public,
		CallbackIP:   r.cfg.ExternalAddr,
		CallbackPort: r.cfg.callbackPort(),
	}
	resp, err := pc.request(wire.FamilySingle, wire.MsgStartNeighborhoodSharing, req.Marshal())
	if err != nil {
		r.log.Warn("replicator: sharing request failed", "neighbor", hexID(n.NetworkID), "error", err)
		return
	}
	if resp.Status != wire.StatusOK {
		r.log.Warn("replicator: sharing request rejected", "neighbor", hexID(n.NetworkID), "status", resp.Status)
		return
	}
	var shareResp wire.StartNeighborhoodSharingResponse
	if err := shareResp.Unmarshal(resp.Payload); err != nil || !shareResp.Accepted {
		r.log.Info("replicator: neighbor declined sharing", "neighbor", hexID(n.NetworkID))
		return
	}

	// The peer accepted our profiles: it is now a follower of us,
	// reachable at its primary endpoint.
	follower := &storage.FollowerRow{
		NetworkID:    n.NetworkID,
		CallbackIP:   n.IP,
		CallbackPort: n.Port,
	}
	if err := r.followers.Create(follower); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) && !isDuplicateKey(err) {
			r.log.Warn("replicator: register follower", "neighbor", hexID(n.NetworkID), "error", err)
			return
		}
	} else {
		r.metrics.FollowersRegistered.Inc()
	}

	if err := r.pushSnapshot(ctx, n.NetworkID, addr); err != nil {
		r.log.Warn("replicator: snapshot push failed", "follower", hexID(n.NetworkID), "error", err)
		return
	}
}

// pushSnapshot streams every active hosted profile to addr in chunks of at
// most SnapshotChunkSize, then marks the follower initialized so its
// drainer starts delivering incremental actions.
func (r *Replicator) pushSnapshot(ctx context.Context, followerID []byte, addr string) error {
	rows, err := r.home.Search(storage.SearchParams{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list hosted profiles for snapshot: %w", err)
	}

	total := (len(rows) + SnapshotChunkSize - 1) / SnapshotChunkSize
	if total == 0 {
		total = 1 // an empty snapshot is still announced with one chunk
	}
	for chunk := 0; chunk < total; chunk++ {
		lo := chunk * SnapshotChunkSize
		hi := lo + SnapshotChunkSize
		if hi > len(rows) {
			hi = len(rows)
		}
		batch := &wire.NeighborhoodSharedProfileBatch{
			SourceNetworkID: r.network.Public,
			ChunkIndex:      uint32(chunk),
			TotalChunks:     uint32(total),
		}
		for _, row := range rows[lo:hi] {
			batch.Profiles = append(batch.Profiles, SnapshotFromRow(row))
		}
		// Single requests close after one exchange, so each chunk rides
		// its own connection.
		if err := r.sendBatch(ctx, addr, batch); err != nil {
			return fmt.Errorf("send snapshot chunk %d/%d: %w", chunk+1, total, err)
		}
		r.metrics.SnapshotChunksSent.Inc()
	}

	if err := r.followers.MarkInitialized(followerID); err != nil {
		return err
	}
	r.log.Info("replicator: follower initialized", "follower", hexID(followerID), "profiles", len(rows), "chunks", total)
	return nil
}

// sendBatch delivers one snapshot chunk over a fresh connection.
func (r *Replicator) sendBatch(ctx context.Context, addr string, batch *wire.NeighborhoodSharedProfileBatch) error {
	conn, err := r.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial follower for snapshot: %w", err)
	}
	pc := newPeerConn(conn)
	defer pc.Close()

	resp, err := pc.request(wire.FamilySingle, wire.MsgNeighborhoodSharedProfileBatch, batch.Marshal())
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("chunk rejected with status %d", resp.Status)
	}
	return nil
}

// isDuplicateKey spots the driver-level unique-constraint error GORM
// surfaces when a follower row already exists.
func isDuplicateKey(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key"))
}
