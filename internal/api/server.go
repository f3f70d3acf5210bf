// SPDX-License-Identifier: MIT

// Package api is the HTTP surface: the WebSocket upgrade endpoint, the
// health and readiness probes and the Prometheus metrics handler.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/config"
	"github.com/ensemble-live/baton/internal/coordinator"
	"github.com/ensemble-live/baton/internal/health"
	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/ws"
)

// Server hosts the coordinator's HTTP endpoints.
type Server struct {
	cfg      config.Config
	coord    *coordinator.Coordinator
	health   *health.Manager
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	httpSrv *http.Server
}

// NewServer builds the HTTP server around a running coordinator.
func NewServer(cfg config.Config, coord *coordinator.Coordinator, healthMgr *health.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		coord:  coord,
		health: healthMgr,
		logger: log.WithComponent("api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(httprate.Limit(
		s.cfg.Limits.HTTPJoinPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)).Get("/ws", s.serveWS)

	return r
}

// checkOrigin enforces the allow-list; an empty list admits any origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// serveWS upgrades the request and runs the connection until it dies.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str(log.FieldRemoteAddr, r.RemoteAddr).Msg("upgrade failed")
		return
	}

	id := coordinator.NewConnectionID()
	conn := ws.NewConn(id, wsConn, s.coord,
		s.cfg.Sync.HeartbeatInterval, s.cfg.Sync.HeartbeatTimeout)
	s.coord.Hub().Register(conn)
	s.coord.HandleConnect(conn)

	s.logger.Info().
		Str(log.FieldConnectionID, id).
		Str(log.FieldRemoteAddr, conn.RemoteAddr).
		Msg("connection accepted")

	conn.Run()
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
