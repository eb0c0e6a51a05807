package presence

import (
	"context"

	"github.com/npezzotti/gochat-hub/internal/types"
)

// Store is the shared presence state. Every mutation is a single atomic
// operation at the store so several hub processes can update the same keys.
type Store interface {
	// IncrPresence increments the connection count for (room, userID) and
	// records device. The user becomes visible in the room when the
	// previous count was zero.
	IncrPresence(ctx context.Context, room, userID, device string) (JoinResult, error)

	// DecrPresence decrements the connection count for (room, userID). The
	// user is removed from the room when the count reaches zero. A count
	// that is already zero is clamped and reported.
	DecrPresence(ctx context.Context, room, userID, device string) (LeaveResult, error)

	// Snapshot lists the users currently visible in room.
	Snapshot(ctx context.Context, room string) ([]types.PresenceEntry, error)

	// Publish announces an availability change to every hub process.
	Publish(ctx context.Context, ev Event) error

	// Subscribe streams availability changes published by any process. The
	// channel is closed when ctx is done.
	Subscribe(ctx context.Context) <-chan Event
}

type JoinResult struct {
	Previous int64
	Devices  []string
}

type LeaveResult struct {
	Remaining int64
	Clamped   bool
	Devices   []string
}

// Event is an availability change for a user in a room.
type Event struct {
	Room    string   `json:"room"`
	UserId  string   `json:"user_id"`
	Device  string   `json:"device"`
	Online  bool     `json:"online"`
	Devices []string `json:"devices"`
}
