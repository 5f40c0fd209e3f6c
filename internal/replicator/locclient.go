package replicator

import (
	"context"
	"fmt"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

// locLoop maintains the single long-lived LOC session: register, read the
// initial neighborhood, then consume streamed change notifications. A dead
// session is redialed after LOCReconnectDelay, indefinitely, until
// shutdown.
func (r *Replicator) locLoop(ctx context.Context) {
	for {
		if err := r.runLOCSession(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("replicator: LOC session ended", "error", err)
			r.metrics.LOCReconnects.Inc()
		}
		r.setLOCConnected(false)
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, LOCReconnectDelay) {
			return
		}
	}
}

func (r *Replicator) runLOCSession(ctx context.Context) error {
	conn, err := r.dial(ctx, r.cfg.LOCAddr)
	if err != nil {
		return fmt.Errorf("dial LOC %s: %w", r.cfg.LOCAddr, err)
	}
	pc := newPeerConn(conn)
	defer pc.Close()

	// Unblock the read loop when shutdown arrives mid-read.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			r.deregister(pc)
			conn.Close()
		case <-watchdogDone:
		}
	}()

	tag := identity.ServiceTag(r.network.Public)
	reg := &wire.RegisterServiceRequest{
		ServiceTag: tag[:],
		Port:       r.cfg.PrimaryPort,
		ServerIP:   r.cfg.ExternalAddr,
	}
	resp, err := pc.request(wire.FamilyLocalService, wire.MsgRegisterService, reg.Marshal())
	if err != nil {
		return fmt.Errorf("register with LOC: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("LOC rejected registration with status %d", resp.Status)
	}

	resp, err = pc.request(wire.FamilyLocalService, wire.MsgGetNeighbourNodesByDistanceLocal, (&wire.GetNeighbourNodesByDistanceLocalRequest{}).Marshal())
	if err != nil {
		return fmt.Errorf("read initial neighborhood: %w", err)
	}
	var hood wire.GetNeighbourNodesByDistanceLocalResponse
	if err := hood.Unmarshal(resp.Payload); err != nil {
		return fmt.Errorf("decode initial neighborhood: %w", err)
	}

	r.setLOCConnected(true)
	r.log.Info("replicator: LOC session established", "neighbors", len(hood.Neighbors))
	for _, info := range hood.Neighbors {
		r.handleNeighborAdd(ctx, info)
	}

	// Streamed change notifications arrive as unsolicited requests.
	for {
		env, outcome, err := wire.ReadFrame(pc.r)
		if err != nil || outcome != wire.OutcomeMessage {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("LOC stream closed (outcome %d): %w", outcome, err)
		}
		if env.Kind != wire.KindRequest || env.Request == nil {
			continue
		}
		if env.Request.Type != wire.MsgNeighbourhoodChangeNotification {
			continue
		}
		var change wire.NeighbourhoodChangeNotification
		if err := change.Unmarshal(env.Request.Payload); err != nil {
			r.log.Warn("replicator: malformed neighborhood change notification", "error", err)
			continue
		}
		for _, info := range change.Added {
			r.handleNeighborAdd(ctx, info)
		}
		for _, removed := range change.Removed {
			r.handleNeighborRemove(removed)
		}
	}
}

// deregister sends DeregisterService on clean shutdown, best-effort.
func (r *Replicator) deregister(pc *peerConn) {
	tag := identity.ServiceTag(r.network.Public)
	_ = pc.send(wire.FamilyLocalService, wire.MsgDeregisterService, (&wire.DeregisterServiceRequest{ServiceTag: tag[:]}).Marshal())
}

// handleNeighborAdd upserts the neighbor row and kicks off the sharing
// handshake toward the new peer. Upsert is idempotent, so a reconnect
// re-reading the same neighborhood produces no duplicate rows.
func (r *Replicator) handleNeighborAdd(ctx context.Context, info *wire.NeighborInfo) {
	if len(info.NetworkID) != identity.PublicKeySize {
		r.log.Warn("replicator: LOC reported neighbor with bad network ID length", "len", len(info.NetworkID))
		return
	}
	row := &storage.NeighborRow{
		NetworkID:      info.NetworkID,
		IP:             info.IP,
		Port:           info.NeighborPort,
		DistanceMeters: info.DistanceMeters,
	}
	if err := r.neighbors.Upsert(row); err != nil {
		r.log.Warn("replicator: upsert neighbor from LOC", "neighbor", hexID(info.NetworkID), "error", err)
		return
	}
	r.metrics.NeighborsTracked.Inc()

	alreadyFollower := false
	if _, err := r.followers.Get(info.NetworkID); err == nil {
		alreadyFollower = true
	}
	if alreadyFollower {
		return // handshake already completed in an earlier session
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.shareWithNeighbor(ctx, row)
	}()
}

func (r *Replicator) handleNeighborRemove(networkID []byte) {
	if err := r.neighbors.MarkPendingDelete(networkID); err != nil {
		r.log.Warn("replicator: mark neighbor pending delete", "neighbor", hexID(networkID), "error", err)
		return
	}
	r.log.Info("replicator: LOC removed neighbor, cascade scheduled", "neighbor", hexID(networkID))
}
