package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npezzotti/gochat-hub/internal/testutil"
	"github.com/npezzotti/gochat-hub/internal/types"
)

var errConnClosed = errors.New("connection closed")

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that became due, in
// deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Active counts timers that are neither stopped nor fired.
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeConn struct {
	sent      chan *types.ClientMessage
	recv      chan *types.ServerMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan *types.ClientMessage, 64),
		recv:   make(chan *types.ServerMessage, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg *types.ClientMessage) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	cp := *msg
	c.sent <- &cp
	return nil
}

func (c *fakeConn) Receive() (*types.ServerMessage, error) {
	select {
	case msg := <-c.recv:
		return msg, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) respond(t *testing.T, id, code int, data any) {
	t.Helper()

	resp := &types.Response{ResponseCode: code}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		resp.Data = raw
	}
	if code >= 300 {
		resp.Error = fmt.Sprintf("error %d", code)
	}
	c.recv <- &types.ServerMessage{BaseMessage: types.BaseMessage{Id: id}, Response: resp}
}

func (c *fakeConn) broadcast(msg types.Message) {
	c.recv <- &types.ServerMessage{Message: &msg}
}

func (c *fakeConn) expectSent(t *testing.T) *types.ClientMessage {
	t.Helper()

	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame to be sent")
	}
	return nil
}

func (c *fakeConn) expectNothingSent(t *testing.T) {
	t.Helper()

	select {
	case msg := <-c.sent:
		t.Fatalf("expected nothing to be sent, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer blocks each Dial until the test supplies a result.
type fakeDialer struct {
	results chan dialResult
	aborted chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		results: make(chan dialResult),
		aborted: make(chan struct{}, 8),
	}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		d.aborted <- struct{}{}
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) accept(t *testing.T) *fakeConn {
	t.Helper()

	conn := newFakeConn()
	select {
	case d.results <- dialResult{conn: conn}:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a dial")
	}
	return conn
}

func (d *fakeDialer) fail(t *testing.T) {
	t.Helper()

	select {
	case d.results <- dialResult{err: errors.New("connection refused")}:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a dial")
	}
}

type hookRecorder struct {
	mu       sync.Mutex
	statuses []Status
	errors   []int
	presence []types.Presence
	joined   []types.JoinResult
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnStatus: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnError: func(code int, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, code)
		},
		OnPresence: func(p types.Presence) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.presence = append(r.presence, p)
		},
		OnJoined: func(res types.JoinResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.joined = append(r.joined, res)
		},
	}
}

func (r *hookRecorder) shownStates() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]State, 0, len(r.statuses))
	for _, s := range r.statuses {
		states = append(states, s.State)
	}
	return states
}

func (r *hookRecorder) errorCodes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.errors...)
}

// sequentialIds returns c1, c2, ... as correlation ids.
func sequentialIds() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("c%d", n)
	}
}

type testEngine struct {
	*Engine
	clock  *fakeClock
	dialer *fakeDialer
	hooks  *hookRecorder
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()

	clock := newFakeClock()
	dialer := newFakeDialer()
	rec := &hookRecorder{}

	if cfg.UserId == "" {
		cfg.UserId = "alice"
	}
	if cfg.Room == "" {
		cfg.Room = "general"
	}
	if cfg.NewId == nil {
		cfg.NewId = sequentialIds()
	}
	if cfg.Backoff.Jitter == 0 {
		cfg.Backoff.Jitter = -1
	}
	cfg.Clock = clock

	e := NewEngine(dialer, cfg, rec.hooks(), testutil.TestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})

	return &testEngine{Engine: e, clock: clock, dialer: dialer, hooks: rec}
}

// connect accepts the pending dial and answers the join request.
func (te *testEngine) connect(t *testing.T) *fakeConn {
	t.Helper()

	conn := te.dialer.accept(t)
	join := conn.expectSent(t)
	require.NotNil(t, join.Join, "expected a join request first")
	conn.respond(t, join.Id, 200, types.JoinResult{Room: "general", Presence: []types.PresenceEntry{}})

	te.eventually(t, func(s Snapshot) bool { return s.State == Connected && s.Room == "general" }, "engine did not connect")
	return conn
}

func (te *testEngine) snapshot(t *testing.T) Snapshot {
	t.Helper()

	s, err := te.Snapshot()
	require.NoError(t, err)
	return s
}

func (te *testEngine) eventually(t *testing.T, cond func(Snapshot) bool, msg string) {
	t.Helper()

	require.Eventually(t, func() bool {
		s, err := te.Snapshot()
		return err == nil && cond(s)
	}, time.Second, 5*time.Millisecond, msg)
}
