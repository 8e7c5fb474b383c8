package hub

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/daikichidaze/simple-chatapp/internal/auth"
	"github.com/daikichidaze/simple-chatapp/internal/protocol"
	"github.com/gobwas/ws"
)

// ServeWS implements the upgrade-time state machine of spec §4.E's
// Upgrading state: connection-rate guard, Origin allow-list, authentication,
// attach-with-supersession, then handoff into the Active state's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !h.connLimiter.Allow(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	origin := r.Header.Get("Origin")
	if !auth.OriginAllowed(origin, h.cfg.OriginAllowListValues()) {
		h.metrics.AuthRejected.WithLabelValues("origin").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	identity, err := h.authenticateWithBudget(r)
	if err != nil {
		h.metrics.AuthRejected.WithLabelValues("unauthenticated").Inc()
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("websocket upgrade failed")
		return
	}

	c := newConnection(h, conn, identity.UserID, identity.DisplayName)

	prior := h.registry.Attach(identity.UserID, identity.DisplayName, c)
	if prior != nil {
		h.metrics.Superseded.Inc()
		h.stats.Mu.Lock()
		h.stats.SupersededTotal++
		h.stats.Mu.Unlock()
		if priorConn, ok := prior.(*connection); ok {
			priorConn.TrySend(protocol.EncodeError(protocol.CodeUnauth, "superseded by a newer connection"))
			priorConn.closeWithCode(4001, "superseded")
		}
	}

	members, _ := h.registry.Join(identity.UserID, defaultRoom)
	c.currentRoom = defaultRoom

	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Inc()
	h.stats.Mu.Lock()
	h.stats.TotalConnections++
	h.stats.CurrentConnections++
	h.stats.Mu.Unlock()

	c.TrySend(protocol.EncodeHello(identity.UserID, wireMembers(members)))
	h.broadcastAndTeardown(defaultRoom, protocol.EncodePresence(defaultRoom, wireMembers(members)), identity.UserID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readPump(c)
	}()

	h.logger.Info().Str("user_id", identity.UserID).Str("client_ip", ip).Msg("connection established")
}

// authenticateWithBudget enforces the spec §5 upgrade auth budget around an
// arbitrary Authenticator: the call runs in its own goroutine so a slow or
// wedged implementation can't hold the upgrade open past cfg.AuthBudget.
func (h *Hub) authenticateWithBudget(r *http.Request) (auth.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.AuthBudget)
	defer cancel()

	type result struct {
		identity auth.Identity
		err      error
	}
	resultCh := make(chan result, 1)
	go func() {
		identity, err := h.authenticator.Authenticate(ctx, r)
		resultCh <- result{identity, err}
	}()

	select {
	case res := <-resultCh:
		return res.identity, res.err
	case <-ctx.Done():
		return auth.Identity{}, auth.ErrReject
	}
}

// teardown runs the Closing state for one connection: it is invoked exactly
// once, from the read pump's defer, regardless of whether the loop ended
// because the peer closed, an error occurred, or the Hub forced a close via
// closeWithCode.
func (h *Hub) teardown(c *connection, reason string) {
	c.closeWithCode(uint16(ws.StatusNormalClosure), reason)

	affectedRooms, detached := h.registry.Detach(c.userID, c)

	// Detach reports false when c has already been superseded by a newer
	// connection for this user id; ClearAllTyping is keyed by user id alone,
	// so running it unconditionally here would wipe the superseding
	// connection's live typing state instead of just this stale one's.
	if detached {
		h.registry.ClearAllTyping(c.userID)
		for _, roomID := range affectedRooms {
			members := h.registry.Members(roomID)
			h.broadcastAndTeardown(roomID, protocol.EncodePresence(roomID, wireMembers(members)), "")
		}
	}

	h.metrics.ConnectionsActive.Dec()
	h.metrics.Disconnects.WithLabelValues(reason).Inc()
	h.stats.RecordDisconnect(reason)
	h.stats.Mu.Lock()
	h.stats.CurrentConnections--
	h.stats.Mu.Unlock()

	h.logger.Info().Str("user_id", c.userID).Str("reason", reason).Msg("connection closed")
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
