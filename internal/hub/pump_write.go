package hub

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writePump serializes every outbound write for one connection: frames
// queued on c.send are batched and flushed together, then a ping is sent
// on the keepalive ticker. This is the only goroutine that writes to
// c.conn.
//
// c.send is never closed (see connection.closeWithCode), so this loop
// watches closedCh directly rather than relying on a receive-ok signal;
// that keeps every producer's send to c.send panic-free regardless of what
// else is tearing the connection down concurrently.
func (h *Hub) writePump(c *connection) {
	defer monitoring.RecoverPanic(h.logger, "writePump", map[string]any{"user_id": c.userID})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.closedCh:
			h.drainAndClose(c, writer)
			return

		case msg := <-c.send:
			if !h.writeFrame(c, writer, msg) {
				return
			}

			// Drain whatever else is already queued before flushing, so a
			// burst of frames costs one syscall instead of one per frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !h.writeFrame(c, writer, <-c.send) {
					return
				}
			}

			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame writes one queued frame and releases its share of the
// connection's backpressure budget.
func (h *Hub) writeFrame(c *connection, writer *bufio.Writer, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
		return false
	}
	atomic.AddInt64(&c.pendingBytes, -int64(len(msg)))
	return true
}

// drainAndClose flushes anything already queued once closedCh fires, then
// sends the server-initiated close frame closeWithCode recorded.
func (h *Hub) drainAndClose(c *connection, writer *bufio.Writer) {
	for {
		select {
		case msg := <-c.send:
			h.writeFrame(c, writer, msg)
		default:
			writer.Flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.conn, ws.OpClose, wsCloseFrame(c.closeCode, c.closeReason))
			return
		}
	}
}
