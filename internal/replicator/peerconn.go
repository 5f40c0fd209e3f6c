package replicator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/shurlinet/profileserver/internal/wire"
)

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func tcpDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	d.Timeout = SendTimeout
	return d.DialContext(ctx, "tcp", addr)
}

// peerConn is a minimal request/response client over the length-prefixed
// envelope framing, used for neighbor-to-neighbor and LOC exchanges.
type peerConn struct {
	conn   net.Conn
	r      *bufio.Reader
	nextID uint32
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, r: bufio.NewReader(conn), nextID: 1}
}

func (p *peerConn) Close() error { return p.conn.Close() }

// request sends one request envelope and blocks for its matching response,
// bounded by SendTimeout.
func (p *peerConn) request(family wire.Family, msgType wire.MessageType, payload []byte) (*wire.Response, error) {
	id := p.nextID
	p.nextID++

	_ = p.conn.SetDeadline(time.Now().Add(SendTimeout))
	err := wire.WriteFrame(p.conn, &wire.Envelope{
		ID:   id,
		Kind: wire.KindRequest,
		Request: &wire.Request{
			Family:  family,
			Type:    msgType,
			Payload: payload,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send %d: %w", msgType, err)
	}

	for {
		env, outcome, err := wire.ReadFrame(p.r)
		if err != nil {
			return nil, fmt.Errorf("read response to %d: %w", msgType, err)
		}
		if outcome != wire.OutcomeMessage {
			return nil, fmt.Errorf("peer closed or sent malformed frame while awaiting response to %d", msgType)
		}
		if env.Kind != wire.KindResponse || env.Response == nil {
			continue // peers may interleave their own requests; skip them here
		}
		if env.ID != id {
			continue
		}
		return env.Response, nil
	}
}

// send writes one request envelope without waiting for a response, for
// streamed notifications.
func (p *peerConn) send(family wire.Family, msgType wire.MessageType, payload []byte) error {
	id := p.nextID
	p.nextID++
	_ = p.conn.SetDeadline(time.Now().Add(SendTimeout))
	return wire.WriteFrame(p.conn, &wire.Envelope{
		ID:   id,
		Kind: wire.KindRequest,
		Request: &wire.Request{
			Family:  family,
			Type:    msgType,
			Payload: payload,
		},
	})
}
