package hub

import (
	"net"
	"sync"
	"sync/atomic"
)

// connection is one live transport session (spec §3 Connection). Exactly
// one connection exists per user id at a time; the Hub enforces that via
// presence.Registry's attach/supersede semantics.
//
// currentRoom and displayName are touched only by this connection's own
// read pump goroutine, so they need no synchronization among themselves;
// they are read by other connections' broadcast paths only indirectly,
// through the values captured into outbound frames at send time.
type connection struct {
	hub *Hub

	conn   net.Conn
	userID string

	displayName string
	currentRoom string

	send         chan []byte
	pendingBytes int64
	maxBytes     int64

	closeOnce   sync.Once
	closedCh    chan struct{}
	closeCode   uint16
	closeReason string
}

func newConnection(h *Hub, c net.Conn, userID, displayName string) *connection {
	return &connection{
		hub:         h,
		conn:        c,
		userID:      userID,
		displayName: displayName,
		currentRoom: "",
		send:        make(chan []byte, h.cfg.OutboundQueueFrames),
		maxBytes:    int64(h.cfg.OutboundQueueBytes),
		closedCh:    make(chan struct{}),
	}
}

// TrySend implements presence.Sink. It enforces the bounded outbound queue
// of spec §5: a connection whose queue exceeds the configured frame count
// or byte high-water mark is treated as a failed delivery, so the caller
// tears it down with close code 4008 Policy.
func (c *connection) TrySend(frame []byte) bool {
	select {
	case <-c.closedCh:
		return false
	default:
	}

	if atomic.LoadInt64(&c.pendingBytes)+int64(len(frame)) > c.maxBytes {
		return false
	}

	select {
	case c.send <- frame:
		atomic.AddInt64(&c.pendingBytes, int64(len(frame)))
		return true
	default:
		return false
	}
}

// closeWithCode schedules a server-initiated close with the given
// WebSocket close code and reason. Safe to call multiple times or
// concurrently; only the first call has effect.
//
// This only closes closedCh, never send: TrySend's "<-closedCh then send"
// check has a window between the two where a concurrent closeWithCode call
// could otherwise close send out from under an in-flight producer, panicking
// on a send to a closed channel. writePump is the sole reader of send and
// notices closedCh itself once it's ready to drain and stop.
func (c *connection) closeWithCode(code uint16, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closedCh)
	})
}
