package replicator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/wire"
)

// locOnlyDial restricts a test replicator to dialing the fake LOC, so
// neighbor-sharing goroutines fail fast instead of dialing test addresses.
func locOnlyDial(locAddr string) dialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		if addr == locAddr {
			return tcpDial(ctx, addr)
		}
		return nil, errors.New("peer dialing disabled in this test")
	}
}

// fakeLOC answers one LOC session: registration, the initial neighborhood,
// then a scripted change notification.
type fakeLOC struct {
	t        *testing.T
	ln       net.Listener
	initial  []*wire.NeighborInfo
	change   *wire.NeighbourhoodChangeNotification
	sessions chan struct{}
}

func newFakeLOC(t *testing.T, initial []*wire.NeighborInfo, change *wire.NeighbourhoodChangeNotification) *fakeLOC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeLOC{t: t, ln: ln, initial: initial, change: change, sessions: make(chan struct{}, 8)}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeLOC) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.session(conn)
	}
}

func (f *fakeLOC) session(conn net.Conn) {
	defer conn.Close()
	pc := newPeerConn(conn)

	respond := func(id uint32, typ wire.MessageType, payload []byte) bool {
		err := wire.WriteFrame(conn, &wire.Envelope{
			ID:   id,
			Kind: wire.KindResponse,
			Response: &wire.Response{
				Family:  wire.FamilyLocalService,
				Type:    typ,
				Status:  wire.StatusOK,
				Payload: payload,
			},
		})
		return err == nil
	}

	for {
		env, outcome, err := wire.ReadFrame(pc.r)
		if err != nil || outcome != wire.OutcomeMessage || env.Request == nil {
			return
		}
		switch env.Request.Type {
		case wire.MsgRegisterService:
			if !respond(env.ID, wire.MsgRegisterService, nil) {
				return
			}
		case wire.MsgGetNeighbourNodesByDistanceLocal:
			resp := &wire.GetNeighbourNodesByDistanceLocalResponse{Neighbors: f.initial}
			if !respond(env.ID, wire.MsgGetNeighbourNodesByDistanceLocal, resp.Marshal()) {
				return
			}
			f.sessions <- struct{}{}
			if f.change != nil {
				_ = wire.WriteFrame(conn, &wire.Envelope{
					ID:   9000,
					Kind: wire.KindRequest,
					Request: &wire.Request{
						Family:  wire.FamilyLocalService,
						Type:    wire.MsgNeighbourhoodChangeNotification,
						Payload: f.change.Marshal(),
					},
				})
			}
		case wire.MsgDeregisterService:
			return
		default:
			return
		}
	}
}

func TestLOCSessionTracksNeighborhood(t *testing.T) {
	r, _ := newTestReplicator(t)
	peer, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	initial := []*wire.NeighborInfo{{
		NetworkID:      peer.Public,
		IP:             "203.0.113.9",
		NeighborPort:   16987,
		DistanceMeters: 1200,
	}}
	change := &wire.NeighbourhoodChangeNotification{Removed: [][]byte{peer.Public}}
	loc := newFakeLOC(t, initial, change)
	r.cfg.LOCAddr = loc.ln.Addr().String()
	r.dial = locOnlyDial(r.cfg.LOCAddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.locLoop(ctx)
	}()

	<-loc.sessions
	require.Eventually(t, func() bool {
		n, err := r.neighbors.Get(peer.Public)
		return err == nil && n.IP == "203.0.113.9"
	}, 5*time.Second, 20*time.Millisecond)

	// The scripted removal marks the neighbor for cascade deletion.
	require.Eventually(t, func() bool {
		pending, err := r.neighbors.PendingDeletes()
		return err == nil && len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	r.wg.Wait()
	assert.False(t, r.LOCConnected())
}

func TestLOCReconnectKeepsSingleNeighborRow(t *testing.T) {
	r, _ := newTestReplicator(t)
	peer, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	initial := []*wire.NeighborInfo{{
		NetworkID:    peer.Public,
		IP:           "203.0.113.9",
		NeighborPort: 16987,
	}}
	loc := newFakeLOC(t, initial, nil)
	r.cfg.LOCAddr = loc.ln.Addr().String()
	r.dial = locOnlyDial(r.cfg.LOCAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two sequential sessions re-reading the same neighborhood must not
	// duplicate the Neighbor row.
	for i := 0; i < 2; i++ {
		sctx, scancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = r.runLOCSession(sctx)
		}()
		<-loc.sessions
		// The fake signals as soon as it has written the neighborhood
		// response; wait until the client has read it before cancelling.
		require.Eventually(t, r.LOCConnected, 5*time.Second, 10*time.Millisecond)
		scancel()
		<-done
		r.setLOCConnected(false)
	}
	r.wg.Wait()

	rows, err := r.neighbors.List()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
