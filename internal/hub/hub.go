// Package hub implements the Hub (session engine) of spec §4.E: the
// per-connection state machine and the coordinator of the History Store,
// Admission Controller, Presence Registry, and Protocol Codec.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/auth"
	"github.com/daikichidaze/simple-chatapp/internal/config"
	"github.com/daikichidaze/simple-chatapp/internal/connlimit"
	"github.com/daikichidaze/simple-chatapp/internal/history"
	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/daikichidaze/simple-chatapp/internal/presence"
	"github.com/daikichidaze/simple-chatapp/internal/protocol"
	"github.com/daikichidaze/simple-chatapp/internal/ratelimit"
	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const defaultRoom = "default"

// Hub owns every component named in spec.md §4 and coordinates them on
// behalf of each connection's state machine.
type Hub struct {
	cfg    *config.Config
	logger zerolog.Logger

	metrics       *monitoring.Metrics
	registry      *presence.Registry
	admission     *ratelimit.Controller
	store         *history.Store
	authenticator auth.Authenticator
	connLimiter   *connlimit.Limiter
	stats         *config.Stats

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New wires every component the Hub coordinates.
func New(cfg *config.Config, logger zerolog.Logger, registerer prometheus.Registerer) (*Hub, error) {
	store, err := history.Open(cfg.DatabasePath, cfg.HistoryRetentionPerRoomCap, cfg.HistoryRetentionTTL)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	metrics := monitoring.NewMetrics(registerer)

	h := &Hub{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		admission:     ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefillPerSecond),
		store:         store,
		authenticator: auth.NewJWTCookieAuthenticator(cfg.JWTSecret, "chat_session"),
		stats:         config.NewStats(),
	}
	h.connLimiter = connlimit.New(connlimit.Config{
		IPBurst:     cfg.ConnRateLimitIPBurst,
		IPRate:      cfg.ConnRateLimitIPPerSec,
		IPTTL:       cfg.ConnRateLimitIPTTL,
		GlobalBurst: cfg.ConnRateLimitGlobalBurst,
		GlobalRate:  cfg.ConnRateLimitGlobalPerSec,
	}, metrics, logger)
	h.registry = presence.New(cfg.TypingIdleTimeout, h.onTypingExpired)

	return h, nil
}

// Close releases resources that outlive any individual connection.
func (h *Hub) Close() {
	h.connLimiter.Stop()
	h.store.Close()
}

// onTypingExpired is the presence.Registry callback fired when a typing
// mark's 3-second deadline elapses. It broadcasts the same frame an
// explicit typing_stop would produce.
func (h *Hub) onTypingExpired(roomID, userID string) {
	frame := protocol.EncodeUserTypingStop(roomID, userID)
	h.broadcastAndTeardown(roomID, frame, userID)
}

// broadcastAndTeardown delivers frame to roomID (excluding except) and
// schedules teardown for any recipient whose outbound queue rejected it,
// per spec §5's "drop the slow client, preserve global ordering" contract.
func (h *Hub) broadcastAndTeardown(roomID string, frame []byte, except string) {
	failed := h.registry.Broadcast(roomID, frame, except)
	for _, sink := range failed {
		if c, ok := sink.(*connection); ok {
			h.logger.Warn().Str("user_id", c.userID).Str("room_id", roomID).
				Msg("outbound queue exceeded backpressure limit, closing connection")
			c.closeWithCode(4008, "policy")
		}
	}
}

// assembleHistoryPage renders a history.Message slice into wire frames for
// the history frame's messages array.
func assembleHistoryPage(msgs []history.Message) []protocol.HistoryMessage {
	out := make([]protocol.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.HistoryMessage{
			ID:          m.ID,
			RoomID:      m.RoomID,
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Text:        m.Text,
			Mentions:    m.Mentions,
			Ts:          m.Ts,
		})
	}
	return out
}

// deliverInitialHistory sends the `recent` page used on first join.
func (h *Hub) deliverInitialHistory(ctx context.Context, c *connection, roomID string) {
	msgs, err := h.store.Recent(ctx, roomID, h.cfg.InitialHistoryLimit)
	if err != nil {
		c.TrySend(protocol.EncodeError(protocol.CodeServerErr, "failed to load history"))
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("recent() failed")
		return
	}

	var cursor *protocol.HistoryCursor
	if len(msgs) > 0 {
		cursor = &protocol.HistoryCursor{BeforeTs: msgs[0].Ts}
	}
	c.TrySend(protocol.EncodeHistory(roomID, assembleHistoryPage(msgs), cursor))
}

// sweepOnce runs one retention pass; errors are logged and swallowed, per
// spec §7's "the sweeper swallows errors and logs; it never affects live
// traffic."
func (h *Hub) sweepOnce(ctx context.Context) {
	start := time.Now()
	res, err := h.store.Sweep(ctx, start)
	h.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	h.metrics.SweepDeletedRows.WithLabelValues("ttl").Add(float64(res.TTLDeleted))
	h.metrics.SweepDeletedRows.WithLabelValues("cap").Add(float64(res.CapDeleted))
	if res.TTLDeleted > 0 || res.CapDeleted > 0 {
		h.logger.Info().Int64("ttl_deleted", res.TTLDeleted).Int64("cap_deleted", res.CapDeleted).Msg("retention sweep completed")
	}
}

// wsCloseFrame builds the payload of a server-initiated close frame with
// the given close code and reason.
func wsCloseFrame(code uint16, reason string) []byte {
	return ws.NewCloseFrameBody(ws.StatusCode(code), reason)
}
