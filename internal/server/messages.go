package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/gochat-hub/internal/presence"
	"github.com/npezzotti/gochat-hub/internal/types"
)

func response(id, code int, errMsg string, data any) *types.ServerMessage {
	msg := &types.ServerMessage{
		BaseMessage: types.BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &types.Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			msg.Response.Data = raw
		}
	}

	return msg
}

func NoErrOK(id int, data any) *types.ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *types.ServerMessage {
	return response(id, http.StatusAccepted, "", data)
}

func ErrInvalidMessage(id int) *types.ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrBadRequest(id int, reason string) *types.ServerMessage {
	return response(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int) *types.ServerMessage {
	return response(id, http.StatusForbidden, "not authorized to join room", nil)
}

func ErrRoomNotFound(id int) *types.ServerMessage {
	return response(id, http.StatusNotFound, "room not found", nil)
}

func ErrNotInRoom(id int) *types.ServerMessage {
	return response(id, http.StatusNotFound, "not in room", nil)
}

func ErrMessageNotFound(id int) *types.ServerMessage {
	return response(id, http.StatusNotFound, "message not found", nil)
}

func ErrNoRoomBound(id int) *types.ServerMessage {
	return response(id, http.StatusConflict, "join a room first", nil)
}

func ErrRateLimited(id int) *types.ServerMessage {
	return response(id, http.StatusTooManyRequests, "rate limit exceeded", nil)
}

func ErrInternalError(id int) *types.ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *types.ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func MessageReceived(msg types.Message) *types.ServerMessage {
	return &types.ServerMessage{
		BaseMessage: types.BaseMessage{Timestamp: Now()},
		Message:     &msg,
	}
}

func PresenceChanged(ev presence.Event) *types.ServerMessage {
	devices := ev.Devices
	if devices == nil {
		devices = []string{}
	}

	return &types.ServerMessage{
		BaseMessage: types.BaseMessage{Timestamp: Now()},
		Notification: &types.Notification{
			Presence: &types.Presence{
				UserId:  ev.UserId,
				Room:    ev.Room,
				Online:  ev.Online,
				Devices: devices,
			},
		},
	}
}

func ReadStateChanged(state types.ReadState) *types.ServerMessage {
	return &types.ServerMessage{
		BaseMessage: types.BaseMessage{Timestamp: Now()},
		Notification: &types.Notification{
			ReadState: &state,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
