package backplane

import (
	"context"
	"encoding/json"
	"sync"
)

// Envelope carries a room broadcast between hub processes.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Backplane fans room broadcasts out to every hub process. Subscribers
// receive their own publications too and are expected to skip them by Origin.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe streams envelopes until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) <-chan Envelope
}

// Local is an in-process Backplane. Hubs sharing one Local behave like
// separate processes sharing a Redis channel.
type Local struct {
	mu   sync.RWMutex
	subs map[chan Envelope]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan Envelope]struct{})}
}

func (l *Local) Publish(ctx context.Context, env Envelope) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for ch := range l.subs {
		select {
		case ch <- env:
		default:
			// subscriber full, skip it
		}
	}
	return ctx.Err()
}

func (l *Local) Subscribe(ctx context.Context) <-chan Envelope {
	ch := make(chan Envelope, 256)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
		close(ch)
	}()

	return ch
}
