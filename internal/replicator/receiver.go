package replicator

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/protoerr"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/validate"
	"github.com/shurlinet/profileserver/internal/wire"
)

// Receiver handles the neighborhood replication messages arriving on the
// primary role: sharing offers, follower registrations, snapshot batches,
// and incremental change actions. Every handler is idempotent, so replayed
// deliveries (at-least-once semantics) are harmless.
type Receiver struct {
	r *Replicator
}

// HandleStartSharing accepts a peer's offer to share its profiles with us:
// the peer becomes (or refreshes) a Neighbor, and we expect its snapshot
// batches next.
func (rc *Receiver) HandleStartSharing(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.StartNeighborhoodSharingRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed StartNeighborhoodSharingRequest", err)
	}
	if len(req.NetworkID) != identity.PublicKeySize {
		return nil, protoerr.New(protoerr.KindInvalidValue, "network ID has wrong length")
	}

	row := &storage.NeighborRow{
		NetworkID: req.NetworkID,
		IP:        req.CallbackIP,
		Port:      req.CallbackPort,
	}
	if err := rc.r.neighbors.Upsert(row); err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return nil, protoerr.Wrap(protoerr.KindQuotaExceeded, "max_neighbors reached", err)
		}
		return nil, protoerr.Wrap(protoerr.KindInternal, "register sharing neighbor", err)
	}
	rc.r.log.Info("replicator: accepted sharing offer", "neighbor", hexID(req.NetworkID))
	return (&wire.StartNeighborhoodSharingResponse{Accepted: true}).Marshal(), nil
}

// HandleInitialization registers the requesting peer as a follower of this
// server and pushes our full snapshot to its callback endpoint. The
// handshake is deliberately unauthorized by default; the admission policy
// is the hook a future authorization layer plugs into.
func (rc *Receiver) HandleInitialization(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.NeighborhoodInitializationRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed NeighborhoodInitializationRequest", err)
	}
	if len(req.NetworkID) != identity.PublicKeySize {
		return nil, protoerr.New(protoerr.KindInvalidValue, "network ID has wrong length")
	}
	if err := validate.HostOrIP(req.CallbackIP); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInvalidValue, "callback host", err)
	}
	if err := validate.Port(int(req.CallbackPort)); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInvalidValue, "callback port", err)
	}

	if err := rc.r.admission.Admit(req.NetworkID); err != nil {
		rc.r.log.Info("replicator: follower admission denied", "peer", hexID(req.NetworkID))
		return (&wire.NeighborhoodInitializationResponse{Accepted: false}).Marshal(), nil
	}

	follower := &storage.FollowerRow{
		NetworkID:    req.NetworkID,
		CallbackIP:   req.CallbackIP,
		CallbackPort: req.CallbackPort,
	}
	if err := rc.r.followers.Create(follower); err != nil {
		switch {
		case errors.Is(err, storage.ErrQuotaExceeded):
			return nil, protoerr.Wrap(protoerr.KindQuotaExceeded, "max_followers reached", err)
		case isDuplicateKey(err):
			// Idempotent retry: the follower exists; re-push the snapshot.
		default:
			return nil, protoerr.Wrap(protoerr.KindInternal, "register follower", err)
		}
	} else {
		rc.r.metrics.FollowersRegistered.Inc()
	}

	addr := net.JoinHostPort(req.CallbackIP, strconv.Itoa(int(req.CallbackPort)))
	rc.r.wg.Add(1)
	go func() {
		defer rc.r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := rc.r.pushSnapshot(ctx, req.NetworkID, addr); err != nil {
			rc.r.log.Warn("replicator: snapshot push to new follower failed", "follower", hexID(req.NetworkID), "error", err)
		}
	}()

	return (&wire.NeighborhoodInitializationResponse{Accepted: true}).Marshal(), nil
}

// HandleSharedBatch applies one snapshot chunk from a sharing neighbor to
// the NeighborIdentity table.
func (rc *Receiver) HandleSharedBatch(payload []byte) ([]byte, *protoerr.Error) {
	var batch wire.NeighborhoodSharedProfileBatch
	if err := batch.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed NeighborhoodSharedProfileBatch", err)
	}

	if _, err := rc.r.neighbors.Get(batch.SourceNetworkID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protoerr.Wrap(protoerr.KindNotFound, "batch from unknown neighbor", err)
		}
		return nil, protoerr.Wrap(protoerr.KindInternal, "look up batch source", err)
	}

	for _, snapshot := range batch.Profiles {
		if perr := validateSnapshot(snapshot); perr != nil {
			return nil, perr
		}
		row := RowFromSnapshot(batch.SourceNetworkID, snapshot)
		if err := rc.r.neighborIDs.Upsert(batch.SourceNetworkID, row); err != nil {
			return nil, protoerr.Wrap(protoerr.KindInternal, "store shared profile", err)
		}
	}

	count, err := rc.r.neighborCount(batch.SourceNetworkID)
	if err == nil {
		_ = rc.r.neighbors.UpdateProfileCount(batch.SourceNetworkID, count)
	}
	if rc.r.search != nil {
		rc.r.search.Invalidate()
	}
	rc.r.metrics.SnapshotChunksReceived.Inc()
	return nil, nil // StatusOK with no payload acknowledges the chunk
}

// HandleAction applies one incremental change action, with the duplicate
// suppression the queue's at-least-once delivery requires: AddProfile on
// an existing identity becomes ChangeProfile, ChangeProfile on a missing
// one becomes AddProfile, RemoveProfile on a missing one is a no-op.
func (rc *Receiver) HandleAction(payload []byte) ([]byte, *protoerr.Error) {
	var action wire.NeighborhoodAction
	if err := action.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed NeighborhoodAction", err)
	}
	if len(action.SourceNetworkID) != identity.PublicKeySize {
		return nil, protoerr.New(protoerr.KindInvalidValue, "source network ID has wrong length")
	}
	if !identity.Verify(action.SourceNetworkID, action.SignedBytes(), action.Signature) {
		return nil, protoerr.New(protoerr.KindSignature, "action signature verification failed")
	}

	switch action.Kind {
	case wire.ActionAddProfile, wire.ActionChangeProfile, wire.ActionRefreshProfile:
		if action.Profile == nil {
			return nil, protoerr.New(protoerr.KindInvalidValue, "action carries no profile snapshot")
		}
		if perr := validateSnapshot(action.Profile); perr != nil {
			return nil, perr
		}
		row := RowFromSnapshot(action.SourceNetworkID, action.Profile)
		if err := rc.r.neighborIDs.Upsert(action.SourceNetworkID, row); err != nil {
			return nil, protoerr.Wrap(protoerr.KindInternal, "apply profile action", err)
		}
	case wire.ActionRemoveProfile:
		var id identity.ID
		copy(id[:], action.TargetIdentityID)
		if err := rc.r.neighborIDs.Remove(id); err != nil {
			return nil, protoerr.Wrap(protoerr.KindInternal, "remove mirrored profile", err)
		}
	case wire.ActionStopHosting:
		if err := rc.r.neighborIDs.RemoveByNeighbor(action.SourceNetworkID); err != nil {
			return nil, protoerr.Wrap(protoerr.KindInternal, "cascade remove for StopHosting", err)
		}
		if err := rc.r.neighbors.Delete(action.SourceNetworkID); err != nil {
			return nil, protoerr.Wrap(protoerr.KindInternal, "delete neighbor for StopHosting", err)
		}
	default:
		return nil, protoerr.New(protoerr.KindInvalidValue, "unknown action kind")
	}

	if rc.r.search != nil {
		rc.r.search.Invalidate()
	}
	rc.r.metrics.ActionsApplied.WithLabelValues(actionKindLabel(action.Kind)).Inc()

	resp := &wire.NeighborhoodActionResponse{
		Accepted:  true,
		NetworkID: rc.r.network.Public,
		Signature: rc.r.network.Sign(action.SignedBytes()),
	}
	return resp.Marshal(), nil
}

// neighborCount counts the identities currently mirrored from one neighbor.
func (r *Replicator) neighborCount(sourceID []byte) (int, error) {
	var n int64
	err := r.db.Model(&storage.IdentityRow{}).
		Where("kind = ? AND source_neighbor_id = ?", storage.KindNeighbor, sourceID).
		Count(&n).Error
	return int(n), err
}

// validateSnapshot applies the same field bounds the profile schema
// enforces for hosted identities.
func validateSnapshot(s *wire.ProfileSnapshot) *protoerr.Error {
	if len(s.IdentityID) != identity.IDSize {
		return protoerr.New(protoerr.KindInvalidValue, "identity ID has wrong length")
	}
	if identity.IDFromPublicKey(s.PublicKey) != identityIDOf(s.IdentityID) {
		return protoerr.New(protoerr.KindInvalidValue, "identity ID does not match public key")
	}
	if len(s.Name) > 64 || len(s.Type) > 32 || len(s.ExtraData) > 200 {
		return protoerr.New(protoerr.KindInvalidValue, "profile field exceeds size bound")
	}
	if s.HasLocation {
		if s.Latitude < -90 || s.Latitude > 90 || s.Longitude <= -180 || s.Longitude > 180 {
			return protoerr.New(protoerr.KindInvalidValue, "GPS location out of range")
		}
	}
	return nil
}

func identityIDOf(raw []byte) identity.ID {
	var id identity.ID
	copy(id[:], raw)
	return id
}

func actionKindLabel(k wire.NeighborhoodActionKind) string {
	switch k {
	case wire.ActionAddProfile:
		return "add"
	case wire.ActionChangeProfile:
		return "change"
	case wire.ActionRemoveProfile:
		return "remove"
	case wire.ActionRefreshProfile:
		return "refresh"
	case wire.ActionStopHosting:
		return "stop_hosting"
	default:
		return "unknown"
	}
}
