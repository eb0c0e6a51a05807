package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/types"
)

var (
	ErrClosed       = errors.New("engine closed")
	ErrNotConnected = errors.New("not connected")
	ErrNotRetryable = errors.New("message is not abandoned")
	ErrEmptyContent = errors.New("message content is empty")
)

const (
	defaultAckTimeout   = 10 * time.Second
	defaultGraceWindow  = 3 * time.Second
	defaultHistoryLimit = 50
)

type State int

const (
	Connecting State = iota
	Connected
	Reconnecting
	Offline
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Offline:
		return "offline"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the connection state as it should be shown to the user.
type Status struct {
	State   State
	Attempt int
}

// Conn is one established push channel.
type Conn interface {
	Send(msg *types.ClientMessage) error
	// Receive blocks until the next frame arrives or the connection fails.
	Receive() (*types.ServerMessage, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// History fetches persisted messages, newest first.
type History interface {
	Messages(ctx context.Context, room string, before int64, limit int) ([]types.Message, error)
}

// Reporter receives client telemetry. Report must not block.
type Reporter interface {
	Report(ev types.TelemetryEvent)
}

// Hooks are invoked from the engine loop. They must not call back into
// the engine synchronously.
type Hooks struct {
	OnStatus   func(Status)
	OnTimeline func([]Item)
	OnJoined   func(types.JoinResult)
	OnPresence func(types.Presence)
	OnError    func(code int, message string)
}

type Config struct {
	UserId string
	// Room to join on every connect. Empty lets the server pick.
	Room         string
	AckTimeout   time.Duration
	GraceWindow  time.Duration
	HistoryLimit int
	Backoff      Backoff
	Clock        Clock
	History      History
	Telemetry    Reporter
	NewId        func() string
}

// Snapshot is a copy of the engine state.
type Snapshot struct {
	Status   Status
	State    State
	Room     string
	Timeline []Item
	Outbox   []Entry
	Timers   int
}

type requestKind int

const (
	reqJoin requestKind = iota
	reqPublish
	reqRead
)

type request struct {
	kind   requestKind
	tempId int64
}

type submitCmd struct {
	content string
	reply   chan submitReply
}

type submitReply struct {
	tempId int64
	err    error
}

type retryCmd struct {
	tempId int64
	reply  chan error
}

type markReadCmd struct {
	messageId int64
	reply     chan error
}

type snapshotCmd struct {
	reply chan Snapshot
}

type dialedEvent struct {
	gen  int
	conn Conn
	err  error
}

type frameEvent struct {
	gen int
	msg *types.ServerMessage
}

type connLostEvent struct {
	gen int
	err error
}

type ackTimeoutEvent struct {
	tempId        int64
	correlationId string
}

type reconnectEvent struct {
	seq int
}

type graceEvent struct {
	seq int
}

type historyEvent struct {
	gen      int
	messages []types.Message
	err      error
}

// Engine reconciles optimistic outbound messages with server confirmations
// and keeps a push channel connected. All state is owned by the goroutine
// running Run; every transition happens there, one event at a time.
type Engine struct {
	cfg    Config
	dialer Dialer
	hooks  Hooks
	log    zerolog.Logger

	events    chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc

	outbox         *Outbox
	timeline       *Timeline
	ackTimers      map[int64]Timer
	conn           Conn
	gen            int
	state          State
	shown          Status
	attempt        int
	inGrace        bool
	graceSeq       int
	graceTimer     Timer
	reconnectSeq   int
	reconnectTimer Timer
	nextReqId      int
	requests       map[int]request
	room           string
}

func NewEngine(dialer Dialer, cfg Config, hooks Hooks, logger zerolog.Logger) *Engine {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = 0
	} else if cfg.GraceWindow == 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.NewId == nil {
		cfg.NewId = uuid.NewString
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	return &Engine{
		cfg:       cfg,
		dialer:    dialer,
		hooks:     hooks,
		log:       logger.With().Str("user_id", cfg.UserId).Logger(),
		events:    make(chan any, 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		outbox:    NewOutbox(cfg.NewId),
		timeline:  &Timeline{},
		ackTimers: make(map[int64]Timer),
		requests:  make(map[int]request),
		room:      cfg.Room,
		state:     Connecting,
		shown:     Status{State: Connecting},
	}
}

// Run connects and processes events until ctx is done or Close is called.
// Run must be called at most once.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(e.stopped)

	e.runCtx, e.runCancel = ctx, cancel
	e.dial()

	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return ctx.Err()
		case <-e.done:
			e.teardown()
			return nil
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

// Close stops the engine. Pending timers are cancelled, in-flight dials are
// aborted and the connection is closed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// post hands ev to the loop. It returns false once the engine has stopped.
func (e *Engine) post(ev any) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	case <-e.stopped:
		return false
	}
}

// Submit renders content optimistically and sends it when connected. It
// returns the temp id of the new entry.
func (e *Engine) Submit(content string) (int64, error) {
	if content == "" {
		return 0, ErrEmptyContent
	}

	reply := make(chan submitReply, 1)
	if !e.post(submitCmd{content: content, reply: reply}) {
		return 0, ErrClosed
	}
	select {
	case r := <-reply:
		return r.tempId, r.err
	case <-e.stopped:
		return 0, ErrClosed
	}
}

// Retry resubmits an abandoned message under a new correlation id.
func (e *Engine) Retry(tempId int64) error {
	reply := make(chan error, 1)
	if !e.post(retryCmd{tempId: tempId, reply: reply}) {
		return ErrClosed
	}
	return e.wait(reply)
}

func (e *Engine) MarkRead(messageId int64) error {
	reply := make(chan error, 1)
	if !e.post(markReadCmd{messageId: messageId, reply: reply}) {
		return ErrClosed
	}
	return e.wait(reply)
}

func (e *Engine) wait(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-e.stopped:
		return ErrClosed
	}
}

func (e *Engine) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !e.post(snapshotCmd{reply: reply}) {
		return Snapshot{}, ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-e.stopped:
		return Snapshot{}, ErrClosed
	}
}

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case submitCmd:
		tempId, err := e.submit(ev.content)
		ev.reply <- submitReply{tempId: tempId, err: err}
	case retryCmd:
		ev.reply <- e.retry(ev.tempId)
	case markReadCmd:
		ev.reply <- e.markRead(ev.messageId)
	case snapshotCmd:
		ev.reply <- e.snapshot()
	case dialedEvent:
		e.handleDialed(ev)
	case frameEvent:
		if ev.gen == e.gen && e.conn != nil {
			e.handleFrame(ev.msg)
		}
	case connLostEvent:
		if ev.gen == e.gen && e.conn != nil {
			e.connectionLost(ev.err)
		}
	case ackTimeoutEvent:
		e.handleAckTimeout(ev)
	case reconnectEvent:
		if ev.seq == e.reconnectSeq && e.reconnectTimer != nil {
			e.reconnectTimer = nil
			e.dial()
		}
	case graceEvent:
		if ev.seq == e.graceSeq && e.inGrace {
			e.inGrace = false
			e.graceTimer = nil
			e.notifyStatus()
		}
	case historyEvent:
		e.handleHistory(ev)
	}
}

func (e *Engine) snapshot() Snapshot {
	timers := len(e.ackTimers)
	if e.reconnectTimer != nil {
		timers++
	}
	if e.graceTimer != nil {
		timers++
	}

	return Snapshot{
		Status:   e.status(),
		State:    e.state,
		Room:     e.room,
		Timeline: e.timeline.Items(),
		Outbox:   e.outbox.Entries(),
		Timers:   timers,
	}
}

// status is the state shown to the user. Drops inside the grace window keep
// reporting connected.
func (e *Engine) status() Status {
	if e.inGrace && (e.state == Reconnecting || e.state == Offline) {
		return Status{State: Connected}
	}
	return Status{State: e.state, Attempt: e.attempt}
}

func (e *Engine) setState(s State) {
	e.state = s
	e.notifyStatus()
}

func (e *Engine) notifyStatus() {
	st := e.status()
	if st == e.shown {
		return
	}
	e.shown = st
	if e.hooks.OnStatus != nil {
		e.hooks.OnStatus(st)
	}
}

func (e *Engine) notifyTimeline() {
	if e.hooks.OnTimeline != nil {
		e.hooks.OnTimeline(e.timeline.Items())
	}
}

func (e *Engine) notifyError(code int, message string) {
	if e.hooks.OnError != nil {
		e.hooks.OnError(code, message)
	}
}

func (e *Engine) report(name string, attrs map[string]any) {
	if e.cfg.Telemetry == nil {
		return
	}
	e.cfg.Telemetry.Report(types.TelemetryEvent{
		Name:       name,
		Attributes: attrs,
		At:         e.cfg.Clock.Now(),
	})
}

func (e *Engine) dial() {
	e.gen++
	gen := e.gen
	ctx := e.runCtx

	go func() {
		conn, err := e.dialer.Dial(ctx)
		if err == nil && ctx.Err() != nil {
			conn.Close()
			return
		}
		posted := e.post(dialedEvent{gen: gen, conn: conn, err: err})
		// teardown cancels ctx before draining events, so a post that lands
		// after the drain is caught here
		if conn != nil && (!posted || ctx.Err() != nil) {
			conn.Close()
		}
	}()
}

func (e *Engine) handleDialed(ev dialedEvent) {
	if ev.gen != e.gen || e.state == Closed {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	if ev.err != nil {
		e.log.Debug().Err(ev.err).Int("attempt", e.attempt).Msg("dial failed")
		e.scheduleReconnect()
		return
	}

	wasReconnect := e.attempt > 0
	e.conn = ev.conn
	e.attempt = 0
	e.stopGrace()
	e.setState(Connected)
	e.log.Info().Msg("connected")
	if wasReconnect {
		e.report("reconnected", nil)
	}

	go e.readLoop(e.gen, ev.conn)

	e.sendJoin()
	e.flush()
}

func (e *Engine) readLoop(gen int, conn Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			e.post(connLostEvent{gen: gen, err: err})
			return
		}
		if !e.post(frameEvent{gen: gen, msg: msg}) {
			return
		}
	}
}

func (e *Engine) connectionLost(err error) {
	e.log.Warn().Err(err).Msg("connection lost")

	e.conn.Close()
	e.conn = nil
	clear(e.requests)

	e.outbox.Requeue()
	for _, entry := range e.outbox.Unsent() {
		e.timeline.SetState(entry)
	}
	e.notifyTimeline()

	if e.cfg.GraceWindow > 0 && !e.inGrace {
		e.inGrace = true
		e.graceSeq++
		seq := e.graceSeq
		e.graceTimer = e.cfg.Clock.AfterFunc(e.cfg.GraceWindow, func() {
			e.post(graceEvent{seq: seq})
		})
	}

	e.scheduleReconnect()
}

func (e *Engine) scheduleReconnect() {
	delay := e.cfg.Backoff.Delay(e.attempt)
	exhausted := e.cfg.Backoff.Exhausted(e.attempt)
	e.attempt++

	if exhausted {
		e.setState(Offline)
	} else if e.state != Offline {
		e.setState(Reconnecting)
	}

	e.reconnectSeq++
	seq := e.reconnectSeq
	e.reconnectTimer = e.cfg.Clock.AfterFunc(delay, func() {
		e.post(reconnectEvent{seq: seq})
	})

	e.log.Debug().Int("attempt", e.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	e.report("reconnect_attempt", map[string]any{
		"attempt":  e.attempt,
		"delay_ms": delay.Milliseconds(),
	})
}

func (e *Engine) stopGrace() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.graceSeq++
	e.inGrace = false
}

func (e *Engine) teardown() {
	if e.runCancel != nil {
		e.runCancel()
	}
	for tempId, t := range e.ackTimers {
		t.Stop()
		delete(e.ackTimers, tempId)
	}
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.reconnectSeq++
	e.stopGrace()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.gen++
	e.setState(Closed)

	// connections dialed while shutting down would otherwise leak
	for {
		select {
		case ev := <-e.events:
			if d, ok := ev.(dialedEvent); ok && d.conn != nil {
				d.conn.Close()
			}
		default:
			e.log.Debug().Msg("engine stopped")
			return
		}
	}
}

func (e *Engine) send(kind requestKind, tempId int64, msg *types.ClientMessage) bool {
	if e.conn == nil {
		return false
	}

	e.nextReqId++
	msg.Id = e.nextReqId
	msg.Timestamp = e.cfg.Clock.Now()
	e.requests[msg.Id] = request{kind: kind, tempId: tempId}

	if err := e.conn.Send(msg); err != nil {
		delete(e.requests, msg.Id)
		e.connectionLost(err)
		return false
	}
	return true
}

func (e *Engine) sendJoin() {
	e.send(reqJoin, 0, &types.ClientMessage{Join: &types.Join{Room: e.cfg.Room}})
}

func (e *Engine) sendPublish(entry *Entry) {
	ok := e.send(reqPublish, entry.TempId, &types.ClientMessage{
		Publish: &types.Publish{
			Content:       entry.Content,
			CorrelationId: entry.CorrelationId,
		},
	})
	if ok {
		entry.State = AwaitingAck
		e.timeline.SetState(entry)
	}
}

// flush sends every entry that has not been put on the current connection.
// Resending under the same correlation id is safe; the server stores one
// message per correlation id.
func (e *Engine) flush() {
	for _, entry := range e.outbox.Unsent() {
		if e.conn == nil {
			return
		}
		e.sendPublish(entry)
	}
	e.notifyTimeline()
}

func (e *Engine) startAckTimer(entry *Entry) {
	if t, ok := e.ackTimers[entry.TempId]; ok {
		t.Stop()
	}

	tempId, correlationId := entry.TempId, entry.CorrelationId
	e.ackTimers[tempId] = e.cfg.Clock.AfterFunc(e.cfg.AckTimeout, func() {
		e.post(ackTimeoutEvent{tempId: tempId, correlationId: correlationId})
	})
}

func (e *Engine) stopAckTimer(tempId int64) {
	if t, ok := e.ackTimers[tempId]; ok {
		t.Stop()
		delete(e.ackTimers, tempId)
	}
}

func (e *Engine) submit(content string) (int64, error) {
	if e.state == Closed {
		return 0, ErrClosed
	}

	entry := e.outbox.Add(e.room, content, e.cfg.Clock.Now())
	e.timeline.AddPending(entry, e.cfg.UserId)
	e.startAckTimer(entry)
	e.sendPublish(entry)
	e.notifyTimeline()

	return entry.TempId, nil
}

func (e *Engine) retry(tempId int64) error {
	entry, ok := e.outbox.Retry(tempId, e.cfg.Clock.Now())
	if !ok {
		return ErrNotRetryable
	}

	e.timeline.SetState(entry)
	e.startAckTimer(entry)
	e.sendPublish(entry)
	e.notifyTimeline()
	e.report("message_retry", map[string]any{"attempts": entry.Attempts})

	return nil
}

func (e *Engine) markRead(messageId int64) error {
	if !e.send(reqRead, 0, &types.ClientMessage{Read: &types.Read{MessageId: messageId}}) {
		return ErrNotConnected
	}
	return nil
}

func (e *Engine) handleAckTimeout(ev ackTimeoutEvent) {
	entry, ok := e.outbox.Get(ev.tempId)
	if !ok || entry.CorrelationId != ev.correlationId || entry.State == Abandoned {
		return
	}

	delete(e.ackTimers, ev.tempId)
	e.abandon(entry.TempId, "ack_timeout")
}

func (e *Engine) abandon(tempId int64, reason string) {
	e.stopAckTimer(tempId)
	entry, ok := e.outbox.Abandon(tempId)
	if !ok {
		return
	}

	e.timeline.SetState(entry)
	e.notifyTimeline()
	e.log.Info().Int64("temp_id", tempId).Str("correlation_id", entry.CorrelationId).Str("reason", reason).Msg("message abandoned")
	e.report("message_abandoned", map[string]any{"reason": reason})
}

func (e *Engine) handleFrame(msg *types.ServerMessage) {
	switch {
	case msg.Response != nil:
		e.handleResponse(msg)
	case msg.Message != nil:
		if e.confirm(*msg.Message) {
			e.notifyTimeline()
		}
	case msg.Notification != nil:
		if p := msg.Notification.Presence; p != nil && e.hooks.OnPresence != nil {
			e.hooks.OnPresence(*p)
		}
		if rs := msg.Notification.ReadState; rs != nil && e.timeline.SetReadBy(rs.MessageId, rs.ReadBy) {
			e.notifyTimeline()
		}
	}
}

func (e *Engine) handleResponse(msg *types.ServerMessage) {
	resp := msg.Response
	req, ok := e.requests[msg.Id]
	if !ok {
		if !resp.IsSuccess() {
			e.notifyError(resp.ResponseCode, resp.Error)
		}
		return
	}
	delete(e.requests, msg.Id)

	switch req.kind {
	case reqJoin:
		if !resp.IsSuccess() {
			e.notifyError(resp.ResponseCode, resp.Error)
			return
		}

		var res types.JoinResult
		if err := json.Unmarshal(resp.Data, &res); err != nil {
			e.log.Warn().Err(err).Msg("malformed join response")
			return
		}
		e.room = res.Room
		if e.hooks.OnJoined != nil {
			e.hooks.OnJoined(res)
		}
		e.fetchHistory()
	case reqPublish:
		if !resp.IsSuccess() {
			reason := "rejected"
			if resp.ResponseCode == http.StatusServiceUnavailable {
				reason = "unavailable"
			}
			e.notifyError(resp.ResponseCode, resp.Error)
			e.abandon(req.tempId, reason)
			return
		}

		var saved types.Message
		if err := json.Unmarshal(resp.Data, &saved); err != nil {
			e.log.Warn().Err(err).Msg("malformed publish response")
			return
		}
		if e.confirm(saved) {
			e.notifyTimeline()
		}
	case reqRead:
		if !resp.IsSuccess() {
			e.notifyError(resp.ResponseCode, resp.Error)
		}
	}
}

// confirm applies a server-confirmed message to the outbox and timeline.
func (e *Engine) confirm(msg types.Message) bool {
	entry, ok := e.outbox.Reconcile(msg, msg.Sender == e.cfg.UserId)
	if !ok {
		return e.timeline.Upsert(msg)
	}

	e.stopAckTimer(entry.TempId)
	return e.timeline.Confirm(entry.TempId, msg)
}

func (e *Engine) fetchHistory() {
	if e.cfg.History == nil || e.room == "" {
		return
	}

	gen, room, ctx := e.gen, e.room, e.runCtx
	go func() {
		messages, err := e.cfg.History.Messages(ctx, room, 0, e.cfg.HistoryLimit)
		e.post(historyEvent{gen: gen, messages: messages, err: err})
	}()
}

func (e *Engine) handleHistory(ev historyEvent) {
	if ev.gen != e.gen {
		return
	}
	if ev.err != nil {
		e.log.Warn().Err(ev.err).Msg("failed to fetch history")
		return
	}

	changed := false
	for _, msg := range ev.messages {
		if e.confirm(msg) {
			changed = true
		}
	}
	if changed {
		e.notifyTimeline()
	}
}
