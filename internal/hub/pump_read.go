package hub

import (
	"context"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/daikichidaze/simple-chatapp/internal/protocol"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	pongWait   = 30 * time.Second
	pingPeriod = 27 * time.Second
	writeWait  = 5 * time.Second
)

// readPump is the connection's inbound loop: read a frame, decode and
// validate it, dispatch into the Hub. Exactly one goroutine per connection
// runs this, so per-connection state (currentRoom, displayName) needs no
// locking against itself.
func (h *Hub) readPump(c *connection) {
	defer monitoring.RecoverPanic(h.logger, "readPump", map[string]any{"user_id": c.userID})
	defer h.teardown(c, "read_loop_exit")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	limits := protocol.Limits{MessageMaxChars: h.cfg.MessageMaxChars, DisplayNameMaxChars: h.cfg.DisplayNameMaxChars}

	for {
		select {
		case <-c.closedCh:
			return
		default:
		}

		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpClose {
			return
		}
		if op != ws.OpText {
			continue
		}

		in, decErr := protocol.DecodeInbound(data, limits)
		if decErr != nil {
			c.TrySend(protocol.EncodeError(protocol.CodeBadRequest, decErr.Error()))
			continue
		}

		h.dispatchSafely(c, in)
	}
}

// dispatchSafely recovers a panic from an individual frame handler so one
// malformed-but-decodable frame cannot take the connection's read loop
// down; it surfaces as SERVER_ERROR per spec §4.E.
func (h *Hub) dispatchSafely(c *connection, in *protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("user_id", c.userID).Msg("frame handler panic recovered")
			c.TrySend(protocol.EncodeError(protocol.CodeServerErr, "internal error"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.dispatch(ctx, c, in)
}
