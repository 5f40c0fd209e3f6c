package conversation

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// RelayIdleTimeout bounds how long a RELAYING pair may sit without either
// side writing anything.
const RelayIdleTimeout = 60 * time.Second

// Hub pairs two ApplicationService conversations on the same channel name
// so their connections can be relayed byte-for-byte, one-to-one, without
// the server inspecting payloads.
type Hub struct {
	mu      sync.Mutex
	waiting map[string]*Conversation
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{waiting: make(map[string]*Conversation)}
}

// Pair looks for another conversation already waiting on channelName. If
// none is waiting yet, c itself becomes the waiting side and Pair reports
// ok=false; the eventual partner's own Pair call will return c and ok=true.
func (h *Hub) Pair(channelName string, c *Conversation) (*Conversation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if peer, ok := h.waiting[channelName]; ok && peer != c {
		delete(h.waiting, channelName)
		return peer, true
	}
	h.waiting[channelName] = c
	return nil, false
}

// relay forwards raw bytes bidirectionally between two RELAYING
// conversations until either side closes or goes idle past
// RelayIdleTimeout.
func relay(a, b *Conversation) {
	defer a.conn.Close()
	defer b.conn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	copyDirection := func(dst, src *Conversation) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			_ = src.conn.SetDeadline(time.Now().Add(RelayIdleTimeout))
			n, err := src.r.Read(buf)
			if n > 0 {
				if _, werr := dst.conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					slog.Warn("conversation: relay copy error", "error", err)
				}
				return
			}
		}
	}

	go copyDirection(b, a)
	go copyDirection(a, b)
	wg.Wait()
}
