package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/gochat-hub/internal/types"
)

func TestOutbox_Add(t *testing.T) {
	o := NewOutbox(sequentialIds())
	now := time.Now()

	first := o.Add("general", "one", now)
	second := o.Add("general", "two", now)

	assert.Equal(t, int64(-1), first.TempId)
	assert.Equal(t, int64(-2), second.TempId, "expected temp ids to decrease")
	assert.Equal(t, "c1", first.CorrelationId)
	assert.Equal(t, "c2", second.CorrelationId)
	assert.Equal(t, Pending, first.State)
	assert.Equal(t, 2, o.Len())
}

func TestOutbox_Reconcile(t *testing.T) {
	tcases := []struct {
		name     string
		msg      types.Message
		fromSelf bool
		matched  int64
	}{
		{
			name:     "correlation id",
			msg:      types.Message{Id: 1, CorrelationId: "c2", Room: "general", Content: "hi"},
			fromSelf: true,
			matched:  -2,
		},
		{
			name:     "correlation id wins over content",
			msg:      types.Message{Id: 1, CorrelationId: "c3", Room: "general", Content: "hi"},
			fromSelf: true,
			matched:  -3,
		},
		{
			name:     "content fallback prefers the oldest entry",
			msg:      types.Message{Id: 1, Room: "general", Content: " hi "},
			fromSelf: true,
			matched:  -1,
		},
		{
			name:    "content fallback needs own message",
			msg:     types.Message{Id: 1, Room: "general", Content: "hi"},
			matched: 0,
		},
		{
			name:     "content fallback needs same room",
			msg:      types.Message{Id: 1, Room: "ops", Content: "hi"},
			fromSelf: true,
			matched:  0,
		},
		{
			name:     "unknown correlation id never matches",
			msg:      types.Message{Id: 1, CorrelationId: "elsewhere", Room: "general", Content: "hi"},
			fromSelf: true,
			matched:  0,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			o := NewOutbox(sequentialIds())
			now := time.Now()
			o.Add("general", "hi", now)
			o.Add("general", "hi", now)
			o.Add("general", "bye", now)

			entry, ok := o.Reconcile(tc.msg, tc.fromSelf)
			if tc.matched == 0 {
				assert.False(t, ok, "expected no match")
				assert.Equal(t, 3, o.Len())
				return
			}

			require.True(t, ok, "expected a match")
			assert.Equal(t, tc.matched, entry.TempId)
			assert.Equal(t, Acked, entry.State)
			assert.Equal(t, 2, o.Len(), "expected matched entry to leave the outbox")
			_, found := o.Get(tc.matched)
			assert.False(t, found)
		})
	}
}

func TestOutbox_AbandonAndRetry(t *testing.T) {
	o := NewOutbox(sequentialIds())
	e := o.Add("general", "hi", time.Now())

	_, ok := o.Retry(e.TempId, time.Now())
	assert.False(t, ok, "expected pending entry not to be retryable")

	abandoned, ok := o.Abandon(e.TempId)
	require.True(t, ok)
	assert.Equal(t, Abandoned, abandoned.State)

	retried, ok := o.Retry(e.TempId, time.Now())
	require.True(t, ok)
	assert.Equal(t, Pending, retried.State)
	assert.Equal(t, "c2", retried.CorrelationId, "expected a new correlation id")
	assert.Equal(t, 1, retried.Attempts)

	_, ok = o.Abandon(-99)
	assert.False(t, ok)
}

func TestOutbox_RequeueAndUnsent(t *testing.T) {
	o := NewOutbox(sequentialIds())
	now := time.Now()
	a := o.Add("general", "a", now)
	b := o.Add("general", "b", now)
	c := o.Add("general", "c", now)

	a.State = AwaitingAck
	c.State = AwaitingAck
	o.Abandon(b.TempId)

	assert.Empty(t, o.Unsent())

	o.Requeue()
	unsent := o.Unsent()
	require.Len(t, unsent, 2)
	assert.Equal(t, a.TempId, unsent[0].TempId, "expected submission order")
	assert.Equal(t, c.TempId, unsent[1].TempId)
	assert.Equal(t, Abandoned, b.State, "expected abandoned entries to stay abandoned")
}
