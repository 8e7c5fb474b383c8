package hub

import (
	"context"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/presence"
	"github.com/daikichidaze/simple-chatapp/internal/protocol"
)

func wireMembers(members []presence.Member) []protocol.Member {
	out := make([]protocol.Member, 0, len(members))
	for _, m := range members {
		out = append(out, protocol.Member{ID: m.UserID, DisplayName: m.DisplayName})
	}
	return out
}

// dispatch routes one decoded inbound frame to its handler. It is called
// from the connection's own read pump, so handlers run serially for a
// given connection; cross-connection state is protected by the components
// they call into, not by this function.
func (h *Hub) dispatch(ctx context.Context, c *connection, in *protocol.Inbound) {
	switch in.Type {
	case protocol.TypeJoin:
		h.handleJoin(ctx, c, in.Join)
	case protocol.TypeMessage:
		h.handleMessage(ctx, c, in.Message)
	case protocol.TypeSetName:
		h.handleSetName(c, in.SetName)
	case protocol.TypeTypingStart:
		h.handleTypingStart(c, in.TypingStart)
	case protocol.TypeTypingStop:
		h.handleTypingStop(c, in.TypingStop)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *connection, f *protocol.JoinFrame) {
	members, changed := h.registry.Join(c.userID, f.RoomID)
	c.currentRoom = f.RoomID

	if changed {
		h.broadcastAndTeardown(f.RoomID, protocol.EncodePresence(f.RoomID, wireMembers(members)), "")
	}

	switch {
	case f.SinceTs != nil:
		msgs, err := h.store.Since(ctx, f.RoomID, *f.SinceTs)
		if err != nil {
			c.TrySend(protocol.EncodeError(protocol.CodeServerErr, "failed to load history"))
			h.logger.Error().Err(err).Msg("since() failed")
			return
		}
		var cursor *protocol.HistoryCursor
		if len(msgs) > 0 {
			cursor = &protocol.HistoryCursor{BeforeTs: msgs[0].Ts}
		}
		c.TrySend(protocol.EncodeHistory(f.RoomID, assembleHistoryPage(msgs), cursor))

	case f.BeforeID != nil:
		msgs, err := h.store.Before(ctx, f.RoomID, *f.BeforeID, h.cfg.InitialHistoryLimit)
		if err != nil {
			c.TrySend(protocol.EncodeError(protocol.CodeServerErr, "failed to load history"))
			h.logger.Error().Err(err).Msg("before() failed")
			return
		}
		var cursor *protocol.HistoryCursor
		if len(msgs) == h.cfg.InitialHistoryLimit {
			cursor = &protocol.HistoryCursor{BeforeID: msgs[0].ID}
		}
		c.TrySend(protocol.EncodeHistory(f.RoomID, assembleHistoryPage(msgs), cursor))

	default:
		h.deliverInitialHistory(ctx, c, f.RoomID)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *connection, f *protocol.MessageFrame) {
	if f.RoomID != c.currentRoom {
		c.TrySend(protocol.EncodeError(protocol.CodeBadRequest, "not joined to room "+f.RoomID))
		return
	}

	if !h.admission.TryAdmit(c.userID, time.Now()) {
		h.metrics.RateLimitRejected.Inc()
		h.stats.Mu.Lock()
		h.stats.RateLimitedTotal++
		h.stats.Mu.Unlock()
		c.TrySend(protocol.EncodeError(protocol.CodeRateLimit, "rate limit exceeded, slow down"))
		return
	}

	members := h.registry.Members(f.RoomID)
	mentions := resolveMentions(f.Text, members)

	msg, err := h.store.Append(ctx, f.RoomID, c.userID, c.displayName, f.Text, mentions)
	if err != nil {
		c.TrySend(protocol.EncodeError(protocol.CodeServerErr, "failed to persist message"))
		h.logger.Error().Err(err).Msg("append() failed")
		return
	}

	h.metrics.MessagesReceived.Inc()
	frame := protocol.EncodeMessage(protocol.HistoryMessage{
		ID: msg.ID, RoomID: msg.RoomID, UserID: msg.UserID, DisplayName: msg.DisplayName,
		Text: msg.Text, Mentions: msg.Mentions, Ts: msg.Ts,
	})
	// The sender receives the authoritative id/ts echo through the same
	// broadcast path as every other recipient.
	failed := h.registry.Broadcast(f.RoomID, frame, "")
	h.metrics.MessagesSent.Add(float64(len(members) - len(failed)))
	for _, sink := range failed {
		if fc, ok := sink.(*connection); ok {
			fc.closeWithCode(4008, "policy")
		}
	}
}

func (h *Hub) handleSetName(c *connection, f *protocol.SetNameFrame) {
	affected, ok := h.registry.SetName(c.userID, f.DisplayName)
	if !ok {
		return
	}
	c.displayName = f.DisplayName

	for _, roomID := range affected {
		members := h.registry.Members(roomID)
		h.broadcastAndTeardown(roomID, protocol.EncodePresence(roomID, wireMembers(members)), "")
	}
}

func (h *Hub) handleTypingStart(c *connection, f *protocol.TypingStartFrame) {
	h.registry.MarkTyping(f.RoomID, c.userID)
	frame := protocol.EncodeUserTyping(f.RoomID, c.userID, c.displayName)
	h.broadcastAndTeardown(f.RoomID, frame, c.userID)
}

func (h *Hub) handleTypingStop(c *connection, f *protocol.TypingStopFrame) {
	h.registry.ClearTyping(f.RoomID, c.userID)
	frame := protocol.EncodeUserTypingStop(f.RoomID, c.userID)
	h.broadcastAndTeardown(f.RoomID, frame, c.userID)
}
