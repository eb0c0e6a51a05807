package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/gochat-hub/internal/testutil"
	"github.com/npezzotti/gochat-hub/internal/types"
)

func newTestStore(t *testing.T) (*RedisStore, func(string)) {
	srv, client := testutil.TestRedis(t)
	store := NewRedisStore(client, RedisConfig{Channel: "test:presence"}, testutil.TestLogger(t))
	return store, srv.SetError
}

func TestRedisStore_IncrPresence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.IncrPresence(ctx, "general", "alice", "phone")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Previous)
	assert.Equal(t, []string{"phone"}, res.Devices)

	res, err = store.IncrPresence(ctx, "general", "alice", "laptop")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Previous)
	assert.Equal(t, []string{"laptop", "phone"}, res.Devices)

	entries, err := store.Snapshot(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []types.PresenceEntry{
		{UserId: "alice", Devices: []string{"laptop", "phone"}},
	}, entries)
}

func TestRedisStore_DecrPresence(t *testing.T) {
	tcases := []struct {
		name      string
		joins     []string
		leaves    []string
		remaining int64
		clamped   bool
		snapshot  []types.PresenceEntry
	}{
		{
			name:      "last connection removes user",
			joins:     []string{"web"},
			leaves:    []string{"web"},
			remaining: 0,
			snapshot:  []types.PresenceEntry{},
		},
		{
			name:      "one of two devices leaves",
			joins:     []string{"phone", "laptop"},
			leaves:    []string{"phone"},
			remaining: 1,
			snapshot:  []types.PresenceEntry{{UserId: "alice", Devices: []string{"laptop"}}},
		},
		{
			name:      "same device twice keeps device until both leave",
			joins:     []string{"web", "web"},
			leaves:    []string{"web"},
			remaining: 1,
			snapshot:  []types.PresenceEntry{{UserId: "alice", Devices: []string{"web"}}},
		},
		{
			name:      "leave without join is clamped",
			leaves:    []string{"web"},
			remaining: 0,
			clamped:   true,
			snapshot:  []types.PresenceEntry{},
		},
		{
			name:      "extra leave after count reached zero is clamped",
			joins:     []string{"web"},
			leaves:    []string{"web", "web"},
			remaining: 0,
			clamped:   true,
			snapshot:  []types.PresenceEntry{},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			ctx := context.Background()

			for _, d := range tc.joins {
				_, err := store.IncrPresence(ctx, "general", "alice", d)
				require.NoError(t, err)
			}

			var res LeaveResult
			for _, d := range tc.leaves {
				var err error
				res, err = store.DecrPresence(ctx, "general", "alice", d)
				require.NoError(t, err)
			}

			assert.Equal(t, tc.remaining, res.Remaining, "unexpected remaining count")
			assert.Equal(t, tc.clamped, res.Clamped, "unexpected clamp result")

			entries, err := store.Snapshot(ctx, "general")
			require.NoError(t, err)
			assert.Equal(t, tc.snapshot, entries)
		})
	}
}

func TestRedisStore_RejoinAfterLeave(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.IncrPresence(ctx, "general", "alice", "phone")
	require.NoError(t, err)
	_, err = store.DecrPresence(ctx, "general", "alice", "phone")
	require.NoError(t, err)

	res, err := store.IncrPresence(ctx, "general", "alice", "laptop")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Previous, "expected a fresh visibility transition")
	assert.Equal(t, []string{"laptop"}, res.Devices, "expected no stale devices")
}

func TestRedisStore_RoomsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.IncrPresence(ctx, "general", "alice", "web")
	require.NoError(t, err)
	_, err = store.IncrPresence(ctx, "ops", "bob", "web")
	require.NoError(t, err)

	general, err := store.Snapshot(ctx, "general")
	require.NoError(t, err)
	random, err := store.Snapshot(ctx, "random")
	require.NoError(t, err)

	assert.Equal(t, []types.PresenceEntry{{UserId: "alice", Devices: []string{"web"}}}, general)
	assert.Empty(t, random)
}

func TestRedisStore_StoreError(t *testing.T) {
	store, setError := newTestStore(t)
	setError("connection refused")

	_, err := store.IncrPresence(context.Background(), "general", "alice", "web")
	assert.Error(t, err)

	_, err = store.Snapshot(context.Background(), "general")
	assert.Error(t, err)
}

func TestRedisStore_PublishSubscribe(t *testing.T) {
	srv, client := testutil.TestRedis(t)
	store := NewRedisStore(client, RedisConfig{Channel: "test:presence"}, testutil.TestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := store.Subscribe(ctx)
	require.Eventually(t, func() bool {
		return srv.PubSubNumSub("test:presence")["test:presence"] == 1
	}, time.Second, 10*time.Millisecond, "subscription was not established")

	expected := Event{Room: "general", UserId: "alice", Device: "web", Online: true, Devices: []string{"web"}}
	require.NoError(t, store.Publish(ctx, expected))

	select {
	case ev := <-events:
		assert.Equal(t, expected, ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, time.Second, 10*time.Millisecond, "expected events channel to close")
}
