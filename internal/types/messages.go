package types

import (
	"encoding/json"
	"time"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request sent by a client over the push channel.
// Exactly one of the request fields is set.
type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
	Read    *Read    `json:"read,omitempty"`
}

type Join struct {
	Room   string `json:"room,omitempty"`
	Device string `json:"device,omitempty"`
}

type Leave struct {
	Room string `json:"room"`
}

type Publish struct {
	Content       string `json:"content"`
	CorrelationId string `json:"correlation_id"`
}

type Read struct {
	MessageId int64 `json:"message_id"`
}

// ServerMessage is an event pushed from the hub to a client.
type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Message      *Message      `json:"message,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Notification struct {
	Presence  *Presence  `json:"presence,omitempty"`
	ReadState *ReadState `json:"read_state,omitempty"`
}

type Presence struct {
	UserId  string   `json:"user_id"`
	Room    string   `json:"room"`
	Online  bool     `json:"online"`
	Devices []string `json:"devices"`
}

type ReadState struct {
	MessageId int64    `json:"message_id"`
	Room      string   `json:"room"`
	ReadBy    []string `json:"read_by"`
}

// JoinResult is the data payload of a successful join response.
type JoinResult struct {
	Room     string          `json:"room"`
	Presence []PresenceEntry `json:"presence"`
}

// IsSuccess reports whether the response code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}
