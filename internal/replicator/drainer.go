package replicator

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

// backoffBase and backoffMax bound the drainer's exponential retry delay.
const (
	backoffBase = 10 * time.Second
	backoffMax  = time.Hour
)

// backoffDelay returns the exponential delay for the given consecutive
// failure count, capped at backoffMax.
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// drainerManager keeps exactly one drainer goroutine per initialized
// follower and removes followers unhealthy past retention.
func (r *Replicator) drainerManager(ctx context.Context) {
	for {
		if !sleepCtx(ctx, drainPollInterval) {
			r.stopAllDrainers()
			return
		}

		r.removeLongUnhealthy()

		followers, err := r.followers.List()
		if err != nil {
			r.log.Error("replicator: list followers", "error", err)
			continue
		}

		live := make(map[string]bool, len(followers))
		for _, f := range followers {
			key := hex.EncodeToString(f.NetworkID)
			live[key] = true
			if !f.InitializationComplete {
				continue
			}
			r.mu.Lock()
			_, running := r.drainers[key]
			if !running {
				dctx, cancel := context.WithCancel(ctx)
				r.drainers[key] = cancel
				r.wg.Add(1)
				go func(id []byte, key string) {
					defer r.wg.Done()
					r.drain(dctx, id)
					r.mu.Lock()
					delete(r.drainers, key)
					r.mu.Unlock()
				}(f.NetworkID, key)
			}
			r.mu.Unlock()
		}

		// Cancel drainers whose follower disappeared.
		r.mu.Lock()
		for key, cancel := range r.drainers {
			if !live[key] {
				cancel()
			}
		}
		r.metrics.DrainersActive.Set(float64(len(r.drainers)))
		r.mu.Unlock()
	}
}

func (r *Replicator) stopAllDrainers() {
	r.mu.Lock()
	for _, cancel := range r.drainers {
		cancel()
	}
	r.mu.Unlock()
}

func (r *Replicator) removeLongUnhealthy() {
	stale, err := r.followers.UnhealthyPastRetention(UnhealthyRetention)
	if err != nil {
		r.log.Error("replicator: list unhealthy followers", "error", err)
		return
	}
	for _, f := range stale {
		if err := r.actions.DeleteForFollower(f.NetworkID); err != nil {
			r.log.Error("replicator: purge actions for removed follower", "error", err)
			continue
		}
		if err := r.followers.Delete(f.NetworkID); err != nil {
			r.log.Error("replicator: delete unhealthy follower", "error", err)
			continue
		}
		r.metrics.FollowersRemoved.Inc()
		r.log.Info("replicator: removed long-unhealthy follower", "follower", hexID(f.NetworkID))
	}
}

// drain delivers one follower's queued actions in enqueue order. A
// delivery failure stops the pass and backs off exponentially so ordering
// per (follower, identity) is never violated by skipping ahead.
func (r *Replicator) drain(ctx context.Context, followerID []byte) {
	for {
		follower, err := r.followers.Get(followerID)
		if err != nil {
			return // removed underneath us
		}

		batch, err := r.actions.NextBatch(followerID, drainBatchSize)
		if err != nil {
			r.log.Error("replicator: read action queue", "follower", hexID(followerID), "error", err)
			if !sleepCtx(ctx, drainPollInterval) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !sleepCtx(ctx, drainPollInterval) {
				return
			}
			continue
		}

		failed := false
		for _, row := range batch {
			if ctx.Err() != nil {
				return
			}
			if err := r.deliver(ctx, follower, row); err != nil {
				r.log.Warn("replicator: action delivery failed",
					"follower", hexID(followerID), "sequence", row.Sequence, "attempt", row.AttemptCount+1, "error", err)
				_ = r.actions.IncrementAttempt(row.Sequence)
				_ = r.followers.RecordFailure(followerID)
				r.metrics.ActionsFailed.Inc()
				failed = true
				break
			}
			if err := r.actions.Ack(row.Sequence); err != nil {
				r.log.Error("replicator: ack delivered action", "sequence", row.Sequence, "error", err)
				failed = true
				break
			}
			_ = r.followers.RecordSuccess(followerID)
			r.metrics.ActionsDelivered.Inc()
		}

		if failed {
			follower, err := r.followers.Get(followerID)
			if err != nil {
				return
			}
			if !sleepCtx(ctx, backoffDelay(follower.ConsecutiveFailures)) {
				return
			}
		}
	}
}

// deliver sends one action to the follower's callback endpoint and
// verifies the acknowledgment came from the network identity we believe
// we dialed.
func (r *Replicator) deliver(ctx context.Context, follower *storage.FollowerRow, row *storage.NeighborhoodActionRow) error {
	action := &wire.NeighborhoodAction{
		Sequence:         row.Sequence,
		Kind:             wire.NeighborhoodActionKind(row.Kind),
		TargetIdentityID: row.TargetIdentityID,
		SourceNetworkID:  r.network.Public,
	}
	if len(row.PayloadSnapshot) > 0 {
		var snapshot wire.ProfileSnapshot
		if err := snapshot.Unmarshal(row.PayloadSnapshot); err != nil {
			return fmt.Errorf("decode queued snapshot: %w", err)
		}
		action.Profile = &snapshot
	}
	action.Signature = r.network.Sign(action.SignedBytes())

	addr := net.JoinHostPort(follower.CallbackIP, strconv.Itoa(int(follower.CallbackPort)))
	conn, err := r.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial follower: %w", err)
	}
	pc := newPeerConn(conn)
	defer pc.Close()

	resp, err := pc.request(wire.FamilySingle, wire.MsgNeighborhoodAction, action.Marshal())
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("follower rejected action with status %d", resp.Status)
	}
	var ack wire.NeighborhoodActionResponse
	if err := ack.Unmarshal(resp.Payload); err != nil {
		return fmt.Errorf("decode action ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("follower declined action")
	}
	if string(ack.NetworkID) != string(follower.NetworkID) {
		return fmt.Errorf("ack from unexpected network identity %s", hexID(ack.NetworkID))
	}
	if !identity.Verify(ack.NetworkID, action.SignedBytes(), ack.Signature) {
		return fmt.Errorf("ack signature verification failed")
	}
	return nil
}
