package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrNoRoom is returned when a user has no room they are entitled to join.
var ErrNoRoom = errors.New("no room available")

// EntitlementSource resolves a user's static room entitlements.
type EntitlementSource interface {
	GetFixedRooms(ctx context.Context, userID string) ([]string, error)
	// GetDefaultRoom returns the user's explicitly configured default room.
	// ok is false when none is configured.
	GetDefaultRoom(ctx context.Context, userID string) (room string, ok bool, err error)
}

// CanJoin reports whether room is one of fixedRooms. Rooms are matched
// exactly; an empty list permits nothing.
func CanJoin(fixedRooms []string, room string) bool {
	if room == "" {
		return false
	}
	return slices.Contains(fixedRooms, room)
}

// Gate enforces room entitlements for join attempts.
type Gate struct {
	source EntitlementSource
}

func NewGate(source EntitlementSource) *Gate {
	return &Gate{source: source}
}

// Authorize reports whether userID may join room. A lookup failure is
// returned as an error and never treated as permission.
func (g *Gate) Authorize(ctx context.Context, userID, room string) (bool, error) {
	rooms, err := g.source.GetFixedRooms(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get fixed rooms: %w", err)
	}
	return CanJoin(rooms, room), nil
}

// FixedRooms returns a sorted copy of the rooms userID is entitled to.
func (g *Gate) FixedRooms(ctx context.Context, userID string) ([]string, error) {
	rooms, err := g.source.GetFixedRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get fixed rooms: %w", err)
	}
	rooms = slices.Clone(rooms)
	slices.Sort(rooms)
	return slices.Compact(rooms), nil
}

// ResolveRoom picks the room a user lands in when none was requested: the
// configured default if it is still an entitled room, otherwise the first
// entitled room in lexical order.
func (g *Gate) ResolveRoom(ctx context.Context, userID string) (string, error) {
	rooms, err := g.FixedRooms(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(rooms) == 0 {
		return "", ErrNoRoom
	}

	def, ok, err := g.source.GetDefaultRoom(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get default room: %w", err)
	}
	if ok && CanJoin(rooms, def) {
		return def, nil
	}

	return rooms[0], nil
}
