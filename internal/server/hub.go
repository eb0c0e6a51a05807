package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/authz"
	"github.com/npezzotti/gochat-hub/internal/backplane"
	"github.com/npezzotti/gochat-hub/internal/database"
	"github.com/npezzotti/gochat-hub/internal/presence"
	"github.com/npezzotti/gochat-hub/internal/stats"
	"github.com/npezzotti/gochat-hub/internal/types"
)

type PresenceTracker interface {
	Join(ctx context.Context, room, userID, device string) error
	Leave(ctx context.Context, room, userID, device string) error
	SnapshotRoom(ctx context.Context, room string) ([]types.PresenceEntry, error)
	Events(ctx context.Context) <-chan presence.Event
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, room string) (bool, error)
	ResolveRoom(ctx context.Context, userID string) (string, error)
}

type Sanitizer interface {
	Sanitize(raw string) (string, error)
}

type RateLimiter interface {
	TryAcquire(ctx context.Context, userID string) (bool, error)
}

type Config struct {
	InstanceID     string
	SendQueueSize  int
	MaxMessageSize int64
	OpTimeout      time.Duration
	PublishRetries int
}

type Dependencies struct {
	Tracker   PresenceTracker
	Gate      Authorizer
	Repo      database.ChatRepository
	Sanitizer Sanitizer
	Limiter   RateLimiter
	Backplane backplane.Backplane
	Stats     stats.StatsProvider
}

type Hub struct {
	cfg       Config
	log       zerolog.Logger
	registry  *Registry
	tracker   PresenceTracker
	gate      Authorizer
	repo      database.ChatRepository
	sanitizer Sanitizer
	limiter   RateLimiter
	backplane backplane.Backplane
	stats     stats.StatsProvider

	clientsLock sync.RWMutex
	clients     map[string]*Client
	groups      map[string]map[string]*Client
}

func NewHub(logger zerolog.Logger, cfg Config, deps Dependencies) *Hub {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.PublishRetries < 0 {
		cfg.PublishRetries = 0
	}

	h := &Hub{
		cfg:       cfg,
		log:       logger,
		registry:  NewRegistry(),
		tracker:   deps.Tracker,
		gate:      deps.Gate,
		repo:      deps.Repo,
		sanitizer: deps.Sanitizer,
		limiter:   deps.Limiter,
		backplane: deps.Backplane,
		stats:     deps.Stats,
		clients:   make(map[string]*Client),
		groups:    make(map[string]map[string]*Client),
	}

	h.stats.RegisterMetric(stats.NumActiveConnections)
	h.stats.RegisterMetric(stats.NumMessagesSent)
	h.stats.RegisterMetric(stats.NumRoomsJoined)

	return h
}

func (h *Hub) InstanceID() string {
	return h.cfg.InstanceID
}

// Register admits a new connection. ErrBindingMismatch means the
// connection id is already in use by another user and the connection must
// be closed.
func (h *Hub) Register(c *Client) error {
	if _, err := h.registry.Register(c.id, c.user.Id, c.user.Device); err != nil {
		c.log.Error().Err(err).Msg("connection registry mismatch")
		return err
	}

	h.clientsLock.Lock()
	h.clients[c.id] = c
	h.clientsLock.Unlock()

	h.stats.Incr(stats.NumActiveConnections)
	c.log.Info().Str("device", c.user.Device).Msg("connection registered")
	return nil
}

func (h *Hub) Dispatch(ctx context.Context, c *Client, msg *types.ClientMessage) {
	switch {
	case msg.Join != nil:
		h.handleJoin(ctx, c, msg)
	case msg.Leave != nil:
		h.handleLeave(ctx, c, msg)
	case msg.Publish != nil:
		h.handleSend(ctx, c, msg)
	case msg.Read != nil:
		h.handleMarkRead(ctx, c, msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (h *Hub) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.OpTimeout)
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg *types.ClientMessage) {
	ctx, cancel := h.opContext(ctx)
	defer cancel()

	binding, ok := h.registry.Get(c.id)
	if !ok {
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	room := msg.Join.Room
	if room == "" {
		resolved, err := h.gate.ResolveRoom(ctx, c.user.Id)
		if errors.Is(err, authz.ErrNoRoom) {
			c.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to resolve default room")
			c.queueMessage(ErrServiceUnavailable(msg.Id))
			return
		}
		room = resolved
	}

	allowed, err := h.gate.Authorize(ctx, c.user.Id, room)
	if err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("failed to check room entitlement")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}
	if !allowed {
		c.log.Info().Str("room", room).Msg("join rejected")
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	if binding.Room != room {
		if binding.Room != "" {
			h.leaveRoom(ctx, c, binding)
		}

		device := msg.Join.Device
		if device == "" {
			device = binding.Device
		}
		if device == "" {
			device = presence.DefaultDevice
		}

		if err := h.registry.SetDevice(c.id, device); err != nil {
			c.queueMessage(ErrInternalError(msg.Id))
			return
		}

		// presence is counted before the room is bound, so a Disconnect
		// racing this join either sees the room and leaves it or leaves the
		// cleanup to us
		if err := h.tracker.Join(ctx, room, c.user.Id, device); err != nil {
			c.log.Warn().Err(err).Str("room", room).Msg("presence join degraded")
		}
		if err := h.registry.SetRoom(c.id, room); err != nil {
			c.log.Info().Str("room", room).Msg("connection closed while joining")
			h.releasePresence(ctx, c, room, device)
			return
		}

		h.addToGroup(room, c)
		if _, ok := h.registry.Get(c.id); !ok {
			h.removeFromGroup(room, c.id)
			return
		}

		h.stats.Incr(stats.NumRoomsJoined)
		c.log.Info().Str("room", room).Str("device", device).Msg("joined room")
	}

	entries, err := h.tracker.SnapshotRoom(ctx, room)
	if err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("presence snapshot unavailable")
		entries = []types.PresenceEntry{}
	}

	c.queueMessage(NoErrOK(msg.Id, types.JoinResult{Room: room, Presence: entries}))
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, msg *types.ClientMessage) {
	ctx, cancel := h.opContext(ctx)
	defer cancel()

	binding, ok := h.registry.Get(c.id)
	if !ok || binding.Room == "" || (msg.Leave.Room != "" && msg.Leave.Room != binding.Room) {
		c.queueMessage(ErrNotInRoom(msg.Id))
		return
	}

	h.leaveRoom(ctx, c, binding)
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (h *Hub) leaveRoom(ctx context.Context, c *Client, binding Binding) {
	h.removeFromGroup(binding.Room, c.id)

	// a concurrent Disconnect may already have released this room
	if !h.registry.ClearRoom(c.id, binding.Room) {
		return
	}
	if err := h.tracker.Leave(ctx, binding.Room, binding.UserId, binding.Device); err != nil {
		c.log.Warn().Err(err).Str("room", binding.Room).Msg("presence leave degraded")
	}

	c.log.Info().Str("room", binding.Room).Msg("left room")
}

func (h *Hub) handleSend(ctx context.Context, c *Client, msg *types.ClientMessage) {
	ctx, cancel := h.opContext(ctx)
	defer cancel()

	binding, ok := h.registry.Get(c.id)
	if !ok || binding.Room == "" {
		c.queueMessage(ErrNoRoomBound(msg.Id))
		return
	}

	content, err := h.sanitizer.Sanitize(msg.Publish.Content)
	if err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	correlationID := msg.Publish.CorrelationId
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	saved, err := h.repo.CreateMessage(ctx, database.CreateMessageParams{
		CorrelationId: correlationID,
		Room:          binding.Room,
		Sender:        c.user.Id,
		Content:       content,
		CreatedAt:     msg.Timestamp,
	})
	if err != nil {
		logEvt := c.log.Error()
		resp := ErrInternalError(msg.Id)
		if database.IsTransient(err) {
			logEvt = c.log.Warn()
			resp = ErrServiceUnavailable(msg.Id)
		}
		logEvt.Err(err).Str("room", binding.Room).Str("correlation_id", correlationID).Msg("failed to persist message")
		c.queueMessage(resp)
		return
	}

	h.stats.Incr(stats.NumMessagesSent)
	c.queueMessage(NoErrAccepted(msg.Id, saved))

	h.broadcast(ctx, binding.Room, MessageReceived(saved))
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg *types.ClientMessage) {
	ctx, cancel := h.opContext(ctx)
	defer cancel()

	binding, ok := h.registry.Get(c.id)
	if !ok || binding.Room == "" {
		c.queueMessage(ErrNoRoomBound(msg.Id))
		return
	}

	allowed, err := h.limiter.TryAcquire(ctx, c.user.Id)
	if err != nil {
		c.log.Warn().Err(err).Msg("rate limiter error")
	}
	if !allowed {
		c.queueMessage(ErrRateLimited(msg.Id))
		return
	}

	res, err := h.repo.MarkRead(ctx, msg.Read.MessageId, c.user.Id, binding.Room)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			c.queueMessage(ErrMessageNotFound(msg.Id))
		case database.IsTransient(err):
			c.log.Warn().Err(err).Int64("message_id", msg.Read.MessageId).Msg("failed to mark message read")
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		default:
			c.log.Error().Err(err).Int64("message_id", msg.Read.MessageId).Msg("failed to mark message read")
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	state := types.ReadState{
		MessageId: res.MessageId,
		Room:      res.Room,
		ReadBy:    res.ReadBy,
	}
	c.queueMessage(NoErrOK(msg.Id, state))

	if res.Changed {
		h.broadcast(ctx, binding.Room, ReadStateChanged(state))
	}
}

// Disconnect releases everything held by c. It is safe to call more than
// once.
func (h *Hub) Disconnect(ctx context.Context, c *Client) {
	binding, found := h.registry.Unregister(c.id)
	if !found {
		return
	}

	h.clientsLock.Lock()
	delete(h.clients, c.id)
	h.clientsLock.Unlock()

	if binding.Room != "" {
		h.removeFromGroup(binding.Room, c.id)
		h.releasePresence(ctx, c, binding.Room, binding.Device)
	}

	h.stats.Decr(stats.NumActiveConnections)
	c.log.Info().Str("room", binding.Room).Msg("connection closed")
}

func (h *Hub) releasePresence(ctx context.Context, c *Client, room, device string) {
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.OpTimeout)
	defer cancel()

	if err := h.tracker.Leave(leaveCtx, room, c.user.Id, device); err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("presence leave degraded")
	}
}

func (h *Hub) addToGroup(room string, c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	group, ok := h.groups[room]
	if !ok {
		group = make(map[string]*Client)
		h.groups[room] = group
	}
	group[c.id] = c
}

func (h *Hub) removeFromGroup(room, connID string) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if group, ok := h.groups[room]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(h.groups, room)
		}
	}
}

func (h *Hub) members(room string) []*Client {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	group := h.groups[room]
	members := make([]*Client, 0, len(group))
	for _, c := range group {
		members = append(members, c)
	}
	return members
}

// deliverLocal queues msg on every connection in room on this process.
func (h *Hub) deliverLocal(room string, msg *types.ServerMessage) {
	for _, c := range h.members(room) {
		c.queueMessage(msg)
	}
}

// broadcast delivers msg to room on every process. Local delivery happens
// first; publishing to the backplane is retried since the message is
// already persisted.
func (h *Hub) broadcast(ctx context.Context, room string, msg *types.ServerMessage) {
	h.deliverLocal(room, msg)

	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to marshal broadcast")
		return
	}

	env := backplane.Envelope{Origin: h.cfg.InstanceID, Room: room, Payload: payload}
	delay := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = h.backplane.Publish(ctx, env)
		if err == nil {
			return
		}
		if attempt >= h.cfg.PublishRetries || ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(delay):
			delay *= 2
		}
	}

	h.log.Error().Err(err).Str("room", room).Msg("failed to publish broadcast to other instances")
}

// Run relays broadcasts from other processes and presence changes to local
// connections until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	envelopes := h.backplane.Subscribe(ctx)
	events := h.tracker.Events(ctx)

	for envelopes != nil || events != nil {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-envelopes:
			if !ok {
				envelopes = nil
				continue
			}
			if env.Origin == h.cfg.InstanceID {
				continue
			}

			var msg types.ServerMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				h.log.Warn().Err(err).Str("origin", env.Origin).Msg("dropping malformed broadcast")
				continue
			}
			h.deliverLocal(env.Room, &msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.deliverLocal(ev.Room, PresenceChanged(ev))
		}
	}

	return nil
}

// Shutdown closes every local connection and releases its presence. Each
// connection's read loop releases its own presence so that a request still
// being dispatched finishes first. Connections that have not released by
// the time ctx is done are released here.
func (h *Hub) Shutdown(ctx context.Context) {
	h.clientsLock.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsLock.RUnlock()

	h.log.Info().Int("connections", len(clients)).Msg("shutting down hub")
	for _, c := range clients {
		c.stopClient()
	}

	for _, c := range clients {
		if c.reading.Load() {
			select {
			case <-c.released:
				continue
			case <-ctx.Done():
			}
		}
		h.Disconnect(ctx, c)
	}
}

// SnapshotRoom returns the current presence of room.
func (h *Hub) SnapshotRoom(ctx context.Context, room string) ([]types.PresenceEntry, error) {
	return h.tracker.SnapshotRoom(ctx, room)
}
