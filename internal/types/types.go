package types

import (
	"time"
)

type User struct {
	Id     string `json:"id"`
	Device string `json:"device,omitempty"`
}

// Message is a persisted chat message as carried over the wire.
type Message struct {
	Id            int64     `json:"id"`
	CorrelationId string    `json:"correlation_id"`
	Room          string    `json:"room"`
	Sender        string    `json:"sender"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	ReadBy        []string  `json:"read_by"`
}

type PresenceEntry struct {
	UserId  string   `json:"user_id"`
	Devices []string `json:"devices"`
}

type RoomPresence struct {
	Room  string          `json:"room"`
	Users []PresenceEntry `json:"users"`
}

type Rooms struct {
	Rooms   []string `json:"rooms"`
	Default string   `json:"default,omitempty"`
}

type TelemetryEvent struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	At         time.Time      `json:"at"`
}

type TelemetryBatch struct {
	Events []TelemetryEvent `json:"events"`
}
