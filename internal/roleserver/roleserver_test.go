package roleserver

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingHandler struct {
	mu    sync.Mutex
	roles []Role
	done  chan struct{}
}

func newRecordingHandler(n int) *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, n)}
}

func (h *recordingHandler) HandleConnection(conn net.Conn, role Role) {
	h.mu.Lock()
	h.roles = append(h.roles, role)
	h.mu.Unlock()
	io.Copy(io.Discard, conn)
	h.done <- struct{}{}
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testConfig(t *testing.T) Config {
	return Config{
		PrimaryAddr:       freeAddr(t),
		ClientNonTLSAddr:  freeAddr(t),
		ClientTLSAddr:     freeAddr(t),
		AppServiceTLSAddr: freeAddr(t),
	}
}

func TestServeDispatchesPrimaryConnectionToHandler(t *testing.T) {
	cfg := testConfig(t)
	handler := newRecordingHandler(1)
	srv, err := New(cfg, handler, NewMetrics(), slog.Default())
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown()

	conn, err := net.DialTimeout("tcp", cfg.PrimaryAddr, time.Second)
	require.NoError(t, err)
	conn.Close()

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, []Role{RolePrimary}, handler.roles)
}

func TestConnectionCapRejectsExcessConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1

	block := make(chan struct{})
	handler := &blockingHandler{block: block}
	srv, err := New(cfg, handler, NewMetrics(), slog.Default())
	require.NoError(t, err)
	go srv.Serve()
	defer func() {
		close(block)
		srv.Shutdown()
	}()

	first, err := net.DialTimeout("tcp", cfg.ClientNonTLSAddr, time.Second)
	require.NoError(t, err)
	defer first.Close()

	time.Sleep(100 * time.Millisecond) // let the accept loop register conn 1

	second, err := net.DialTimeout("tcp", cfg.ClientNonTLSAddr, time.Second)
	require.NoError(t, err)
	defer second.Close()

	// The cap is enforced server-wide: the second dial is accepted at the
	// TCP level but immediately closed by the server without being handed
	// to the handler.
	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	require.Error(t, err) // EOF: server closed it without serving it
}

type blockingHandler struct {
	block chan struct{}
}

func (h *blockingHandler) HandleConnection(conn net.Conn, role Role) {
	<-h.block
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "primary", RolePrimary.String())
	require.Equal(t, "client-non-tls", RoleClientNonTLS.String())
	require.Equal(t, "client-tls", RoleClientTLS.String())
	require.Equal(t, "app-service-tls", RoleAppServiceTLS.String())
}

func TestNeighborListenerServesPrimaryRole(t *testing.T) {
	cfg := testConfig(t)
	cfg.NeighborAddr = freeAddr(t)

	handler := newRecordingHandler(1)
	srv, err := New(cfg, handler, NewMetrics(), slog.Default())
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown()

	conn, err := net.DialTimeout("tcp", cfg.NeighborAddr, time.Second)
	require.NoError(t, err)
	conn.Close()

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, []Role{RolePrimary}, handler.roles)
}

func TestShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, err := New(testConfig(t), newRecordingHandler(1), NewMetrics(), slog.Default())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve()
	}()

	time.Sleep(50 * time.Millisecond)
	srv.Shutdown()
	<-done
}
