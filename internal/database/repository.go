package database

import (
	"context"

	"github.com/npezzotti/gochat-hub/internal/types"
)

type ChatRepository interface {
	Ping(ctx context.Context) error
	// CreateMessage persists a message. Repeating a (sender, correlation id)
	// pair returns the message stored by the first call.
	CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	// MarkRead adds userID to the readers of a message in room.
	MarkRead(ctx context.Context, messageID int64, userID, room string) (ReadResult, error)
	GetMessages(ctx context.Context, room string, before int64, limit int) ([]types.Message, error)
	GetFixedRooms(ctx context.Context, userID string) ([]string, error)
	GetDefaultRoom(ctx context.Context, userID string) (string, bool, error)
	GrantRooms(ctx context.Context, userID string, rooms []string, defaultRoom string) error
}
