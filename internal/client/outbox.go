package client

import (
	"strings"
	"time"

	"github.com/npezzotti/gochat-hub/internal/types"
)

type EntryState int

const (
	// Pending entries are rendered locally but not yet on the wire.
	Pending EntryState = iota
	AwaitingAck
	Acked
	Abandoned
)

func (s EntryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case AwaitingAck:
		return "awaiting_ack"
	case Acked:
		return "acked"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Entry is one optimistic outbound message.
type Entry struct {
	TempId        int64
	CorrelationId string
	Room          string
	Content       string
	State         EntryState
	SubmittedAt   time.Time
	// Attempts counts explicit user retries.
	Attempts int
}

// Outbox holds outbound messages until the server confirms them. Entries
// are kept in submission order.
type Outbox struct {
	nextTempId int64
	newId      func() string
	entries    []*Entry
}

func NewOutbox(newId func() string) *Outbox {
	return &Outbox{newId: newId}
}

// Add records a new optimistic message with the next temp id and a fresh
// correlation id.
func (o *Outbox) Add(room, content string, now time.Time) *Entry {
	o.nextTempId--
	e := &Entry{
		TempId:        o.nextTempId,
		CorrelationId: o.newId(),
		Room:          room,
		Content:       content,
		State:         Pending,
		SubmittedAt:   now,
	}
	o.entries = append(o.entries, e)
	return e
}

func (o *Outbox) Get(tempId int64) (*Entry, bool) {
	for _, e := range o.entries {
		if e.TempId == tempId {
			return e, true
		}
	}
	return nil, false
}

func (o *Outbox) Len() int {
	return len(o.entries)
}

// Entries returns the entries in submission order.
func (o *Outbox) Entries() []Entry {
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	return out
}

// Unsent returns entries that must go on the wire on the next connection.
func (o *Outbox) Unsent() []*Entry {
	var out []*Entry
	for _, e := range o.entries {
		if e.State == Pending {
			out = append(out, e)
		}
	}
	return out
}

// Requeue moves every entry awaiting an ack back to Pending. Used when the
// connection drops with requests in flight.
func (o *Outbox) Requeue() {
	for _, e := range o.entries {
		if e.State == AwaitingAck {
			e.State = Pending
		}
	}
}

// Reconcile resolves the entry confirmed by msg and removes it from the
// outbox. Correlation id is authoritative. A message from this user that
// carries no correlation id falls back to the oldest unconfirmed entry with
// the same room and content. A message with an unknown correlation id never
// matches, since it was sent from another session.
func (o *Outbox) Reconcile(msg types.Message, fromSelf bool) (*Entry, bool) {
	idx := -1
	if msg.CorrelationId != "" {
		for i, e := range o.entries {
			if e.CorrelationId == msg.CorrelationId {
				idx = i
				break
			}
		}
	}

	if msg.CorrelationId == "" && fromSelf {
		content := strings.TrimSpace(msg.Content)
		for i, e := range o.entries {
			if e.State != Abandoned && e.Room == msg.Room && strings.TrimSpace(e.Content) == content {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		return nil, false
	}

	e := o.entries[idx]
	e.State = Acked
	o.entries = append(o.entries[:idx], o.entries[idx+1:]...)
	return e, true
}

// Abandon gives up on an entry. It stays in the outbox so a late
// confirmation still resolves it, and so the user can retry it.
func (o *Outbox) Abandon(tempId int64) (*Entry, bool) {
	e, ok := o.Get(tempId)
	if !ok || e.State == Acked {
		return nil, false
	}
	e.State = Abandoned
	return e, true
}

// Retry resubmits an abandoned entry under a new correlation id.
func (o *Outbox) Retry(tempId int64, now time.Time) (*Entry, bool) {
	e, ok := o.Get(tempId)
	if !ok || e.State != Abandoned {
		return nil, false
	}
	e.CorrelationId = o.newId()
	e.State = Pending
	e.SubmittedAt = now
	e.Attempts++
	return e, true
}
