package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server binds a Hub to an HTTP listener and owns process-level lifecycle:
// startup, the background retention sweeper, and graceful shutdown.
type Server struct {
	hub    *Hub
	http   *http.Server
	stopCh chan struct{}
}

// NewServer builds the HTTP surface named in the operational surface:
// /ws for the WebSocket upgrade, /healthz for liveness, /metrics for
// Prometheus scraping.
func NewServer(h *Hub) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h))
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		hub: h,
		http: &http.Server{
			Addr:         h.cfg.Addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// requestLogger emits one structured access log line per HTTP request,
// correlated by chi's request id, in the same zerolog shape used for
// connection lifecycle events.
func requestLogger(h *Hub) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			reqID := middleware.GetReqID(r.Context())
			if reqID == "" {
				reqID = uuid.NewString()
			}
			h.logger.Debug().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// handleHealthz reports liveness; it does not depend on the database or any
// connection being attached, so a degraded store does not flap the probe.
func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "shutting down")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Start begins serving HTTP and the background retention sweeper. It
// returns once the listener is up; Serve runs in its own goroutine.
func (s *Server) Start() error {
	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.sweepLoop()
	}()

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.hub.logger.Error().Err(err).Msg("http server error")
		}
	}()

	s.hub.logger.Info().Str("addr", s.hub.cfg.Addr).Msg("chat server listening")
	return nil
}

func (s *Server) sweepLoop() {
	defer monitoring.RecoverPanic(s.hub.logger, "sweepLoop", nil)

	ticker := time.NewTicker(s.hub.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.hub.cfg.SweepInterval)
			s.hub.sweepOnce(ctx)
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Shutdown stops new upgrades and the sweeper, waits up to the configured
// grace period for the Hub's goroutines to finish, then releases Hub
// resources. It does not close connections that are still open when the
// grace period expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.logger.Info().Msg("initiating graceful shutdown")
	s.hub.shuttingDown.Store(true)
	close(s.stopCh)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.hub.cfg.ShutdownGracePeriod)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.hub.logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	done := make(chan struct{})
	go func() {
		s.hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.hub.logger.Info().Msg("all connections drained")
	case <-shutdownCtx.Done():
		s.hub.logger.Warn().Msg("grace period expired, shutting down with connections still active")
	}

	s.hub.Close()
	return nil
}
