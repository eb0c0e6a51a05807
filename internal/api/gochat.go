package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/config"
	"github.com/npezzotti/gochat-hub/internal/database"
	"github.com/npezzotti/gochat-hub/internal/server"
	"github.com/npezzotti/gochat-hub/internal/stats"
)

// RoomGate answers entitlement questions for the HTTP surface.
type RoomGate interface {
	Authorize(ctx context.Context, userID, room string) (bool, error)
	FixedRooms(ctx context.Context, userID string) ([]string, error)
	ResolveRoom(ctx context.Context, userID string) (string, error)
}

type GoChatApp struct {
	log            zerolog.Logger
	repo           database.ChatRepository
	hub            *server.Hub
	gate           RoomGate
	stats          stats.StatsProvider
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger zerolog.Logger, hub *server.Hub, repo database.ChatRepository,
	gate RoomGate, su stats.StatsProvider, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		repo:           repo,
		hub:            hub,
		gate:           gate,
		stats:          su,
		signingKey:     cfg.Auth.Key,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	if s.stats != nil {
		s.stats.RegisterMetric(stats.NumTelemetryEvents)
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.getRooms))
	mux.HandleFunc("GET /api/rooms/{room}/presence", s.authMiddleware(s.getPresence))
	mux.HandleFunc("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/telemetry", s.authMiddleware(s.postTelemetry))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("/api/", s.notFound)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	accessLog := logger.With().Str("component", "http").Logger()
	h = handlers.LoggingHandler(accessLog, h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
