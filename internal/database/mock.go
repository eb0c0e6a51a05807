package database

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/npezzotti/gochat-hub/internal/types"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) MarkRead(ctx context.Context, messageID int64, userID, room string) (ReadResult, error) {
	args := m.Called(ctx, messageID, userID, room)
	return args.Get(0).(ReadResult), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, room string, before int64, limit int) ([]types.Message, error) {
	args := m.Called(ctx, room, before, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetFixedRooms(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if rooms, ok := args.Get(0).([]string); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetDefaultRoom(ctx context.Context, userID string) (string, bool, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) GrantRooms(ctx context.Context, userID string, rooms []string, defaultRoom string) error {
	args := m.Called(ctx, userID, rooms, defaultRoom)
	return args.Error(0)
}
