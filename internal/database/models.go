package database

import "time"

type CreateMessageParams struct {
	CorrelationId string
	Room          string
	Sender        string
	Content       string
	CreatedAt     time.Time
}

type ReadResult struct {
	MessageId int64
	Room      string
	ReadBy    []string
	// Changed is false when the user had already read the message.
	Changed bool
}
