package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/npezzotti/gochat-hub/internal/authz"
	"github.com/npezzotti/gochat-hub/internal/database"
	"github.com/npezzotti/gochat-hub/internal/presence"
	"github.com/npezzotti/gochat-hub/internal/server"
	"github.com/npezzotti/gochat-hub/internal/stats"
	"github.com/npezzotti/gochat-hub/internal/types"
)

const (
	maxTelemetryBody   = 64 << 10
	maxTelemetryEvents = 100
)

type SessionResponse struct {
	UserId string `json:"user_id"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

// storeError maps a collaborator failure to a response. Transient failures
// are reported as 503 so clients retry.
func storeError(err error) *ApiError {
	if database.IsTransient(err) || errors.Is(err, presence.ErrDegraded) {
		return NewServiceUnavailableError(err)
	}
	return NewInternalServerError(err)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, SessionResponse{UserId: userId})
}

// notFound answers unknown API paths with a JSON error instead of the
// mux's plain text 404.
func (s *GoChatApp) notFound(w http.ResponseWriter, r *http.Request) {
	errResp := NewNotFoundError()
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) getRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, err := s.gate.FixedRooms(r.Context(), userId)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userId).Msg("failed to get fixed rooms")
		errResp := storeError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	defaultRoom, err := s.gate.ResolveRoom(r.Context(), userId)
	if err != nil && !errors.Is(err, authz.ErrNoRoom) {
		s.log.Warn().Err(err).Str("user_id", userId).Msg("failed to resolve default room")
		errResp := storeError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if rooms == nil {
		rooms = []string{}
	}

	s.writeJson(w, http.StatusOK, types.Rooms{Rooms: rooms, Default: defaultRoom})
}

// authorizeRoom writes an error response and returns false unless the
// caller may see room.
func (s *GoChatApp) authorizeRoom(w http.ResponseWriter, r *http.Request, room string) bool {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}

	allowed, err := s.gate.Authorize(r.Context(), userId, room)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userId).Str("room", room).Msg("failed to check room entitlement")
		errResp := storeError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	if !allowed {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}

	return true
}

func (s *GoChatApp) getPresence(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !s.authorizeRoom(w, r, room) {
		return
	}

	entries, err := s.hub.SnapshotRoom(r.Context(), room)
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("presence snapshot unavailable")
		errResp := storeError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.RoomPresence{Room: room, Users: entries})
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	room := query.Get("room")
	if room == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		before int64
		limit  int
		err    error
	)
	if v := query.Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil || before < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}
	if v := query.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if !s.authorizeRoom(w, r, room) {
		return
	}

	messages, err := s.repo.GetMessages(r.Context(), room, before, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("failed to get messages")
		errResp := storeError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) postTelemetry(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var batch types.TelemetryBatch
	r.Body = http.MaxBytesReader(w, r.Body, maxTelemetryBody)
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if len(batch.Events) == 0 || len(batch.Events) > maxTelemetryEvents {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	for _, ev := range batch.Events {
		if ev.Name == "" {
			continue
		}

		s.log.Info().
			Str("user_id", userId).
			Str("event", ev.Name).
			Time("at", ev.At).
			Interface("attributes", ev.Attributes).
			Msg("client telemetry")
		if s.stats != nil {
			s.stats.Incr(stats.NumTelemetryEvents)
		}
	}

	s.writeJson(w, http.StatusAccepted, nil)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(types.User{
		Id:     userId,
		Device: r.URL.Query().Get("device"),
	}, conn, s.hub, s.log)

	if err := s.hub.Register(client); err != nil {
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
