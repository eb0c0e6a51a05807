package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/types"
)

// ErrDegraded is returned when the presence store could not be updated.
// The operation has been queued and will be retried in the background.
var ErrDegraded = errors.New("presence degraded")

const DefaultDevice = "web"

type Options struct {
	RetryBase time.Duration
	RetryMax  time.Duration
	QueueSize int
	OpTimeout time.Duration
}

type opKind int

const (
	opJoin opKind = iota
	opLeave
)

func (k opKind) String() string {
	if k == opJoin {
		return "join"
	}
	return "leave"
}

type op struct {
	kind   opKind
	room   string
	userID string
	device string
}

// Tracker maintains cross-process presence per room. Store failures never
// fail the caller's connection: the operation is queued and replayed in
// order by Run.
type Tracker struct {
	store Store
	log   zerolog.Logger
	opts  Options

	mu      sync.Mutex
	pending []op
	wake    chan struct{}
}

func NewTracker(store Store, opts Options, logger zerolog.Logger) *Tracker {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}

	return &Tracker{
		store: store,
		log:   logger,
		opts:  opts,
		wake:  make(chan struct{}, 1),
	}
}

// Join records one more connection for userID in room.
func (t *Tracker) Join(ctx context.Context, room, userID, device string) error {
	return t.submit(ctx, op{kind: opJoin, room: room, userID: userID, device: normalizeDevice(device)})
}

// Leave records one less connection for userID in room.
func (t *Tracker) Leave(ctx context.Context, room, userID, device string) error {
	return t.submit(ctx, op{kind: opLeave, room: room, userID: userID, device: normalizeDevice(device)})
}

// SnapshotRoom returns the users currently visible in room.
func (t *Tracker) SnapshotRoom(ctx context.Context, room string) ([]types.PresenceEntry, error) {
	entries, err := t.store.Snapshot(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegraded, err)
	}
	return entries, nil
}

// Events streams presence changes published by every hub process.
func (t *Tracker) Events(ctx context.Context) <-chan Event {
	return t.store.Subscribe(ctx)
}

// Degraded reports whether operations are waiting to be replayed.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Pending returns the number of queued operations.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) submit(ctx context.Context, o op) error {
	// while operations are queued, new ones queue behind them to keep order
	if t.enqueueIfPending(o) {
		return ErrDegraded
	}

	if err := t.apply(ctx, o); err != nil {
		t.log.Warn().
			Err(err).
			Str("op", o.kind.String()).
			Str("room", o.room).
			Str("user_id", o.userID).
			Msg("presence store unavailable, queueing operation")
		t.enqueue(o)
		return fmt.Errorf("%w: %v", ErrDegraded, err)
	}

	return nil
}

func (t *Tracker) apply(ctx context.Context, o op) error {
	switch o.kind {
	case opJoin:
		res, err := t.store.IncrPresence(ctx, o.room, o.userID, o.device)
		if err != nil {
			return err
		}
		if res.Previous > 0 {
			return nil
		}
		t.publish(ctx, Event{
			Room:    o.room,
			UserId:  o.userID,
			Device:  o.device,
			Online:  true,
			Devices: res.Devices,
		})
	case opLeave:
		res, err := t.store.DecrPresence(ctx, o.room, o.userID, o.device)
		if err != nil {
			return err
		}
		if res.Clamped {
			t.log.Error().
				Str("room", o.room).
				Str("user_id", o.userID).
				Msg("presence count would go negative, clamped to zero")
			return nil
		}
		if res.Remaining > 0 {
			return nil
		}
		t.publish(ctx, Event{
			Room:   o.room,
			UserId: o.userID,
			Device: o.device,
			Online: false,
		})
	}

	return nil
}

// publish failures are logged only; the count change is already durable and
// replaying it would double count.
func (t *Tracker) publish(ctx context.Context, ev Event) {
	if err := t.store.Publish(ctx, ev); err != nil {
		t.log.Warn().
			Err(err).
			Str("room", ev.Room).
			Str("user_id", ev.UserId).
			Msg("failed to publish presence event")
	}
}

func (t *Tracker) enqueueIfPending(o op) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return false
	}
	t.pushLocked(o)
	return true
}

func (t *Tracker) enqueue(o op) {
	t.mu.Lock()
	t.pushLocked(o)
	t.mu.Unlock()
}

func (t *Tracker) pushLocked(o op) {
	if len(t.pending) >= t.opts.QueueSize {
		t.log.Error().
			Str("op", o.kind.String()).
			Str("room", o.room).
			Str("user_id", o.userID).
			Int("queue_size", t.opts.QueueSize).
			Msg("presence retry queue full, dropping operation")
		return
	}

	t.pending = append(t.pending, o)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) head() (op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return op{}, false
	}
	return t.pending[0], true
}

// pop removes the head. Only Run removes entries, so the head cannot change
// between head and pop.
func (t *Tracker) pop() {
	t.mu.Lock()
	t.pending[0] = op{}
	t.pending = t.pending[1:]
	t.mu.Unlock()
}

// Run replays queued operations until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
		}

		if err := t.drain(ctx); err != nil {
			return nil
		}
	}
}

// Flush replays queued operations until the queue is empty or ctx is done.
// It must not be called while Run is running.
func (t *Tracker) Flush(ctx context.Context) error {
	if err := t.drain(ctx); err != nil {
		return fmt.Errorf("flush presence queue: %d operations left: %w", t.Pending(), err)
	}
	return nil
}

func (t *Tracker) drain(ctx context.Context) error {
	attempt := 0
	for {
		o, ok := t.head()
		if !ok {
			return nil
		}

		opCtx, cancel := context.WithTimeout(ctx, t.opts.OpTimeout)
		err := t.apply(opCtx, o)
		cancel()

		if err == nil {
			t.pop()
			if attempt > 0 {
				t.log.Info().
					Str("op", o.kind.String()).
					Str("room", o.room).
					Str("user_id", o.userID).
					Int("attempts", attempt+1).
					Msg("replayed queued presence operation")
			}
			attempt = 0
			continue
		}

		attempt++
		delay := t.backoff(attempt)
		t.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("pending", t.Pending()).
			Dur("retry_in", delay).
			Msg("presence replay failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (t *Tracker) backoff(attempt int) time.Duration {
	d := t.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.opts.RetryMax {
			return t.opts.RetryMax
		}
	}
	return d
}

func normalizeDevice(device string) string {
	if device == "" {
		return DefaultDevice
	}
	return device
}
