package client

import (
	"slices"

	"github.com/npezzotti/gochat-hub/internal/types"
)

// Item is one rendered message. TempId is set while the message is still
// optimistic and zero once the server has confirmed it.
type Item struct {
	TempId  int64
	Message types.Message
	State   EntryState
}

// Timeline is the rendered message list. A confirmed message appears at
// most once, keyed by its server id.
type Timeline struct {
	items []Item
}

func (t *Timeline) Items() []Item {
	return slices.Clone(t.items)
}

func (t *Timeline) Len() int {
	return len(t.items)
}

func (t *Timeline) indexOfTemp(tempId int64) int {
	return slices.IndexFunc(t.items, func(it Item) bool { return it.TempId != 0 && it.TempId == tempId })
}

func (t *Timeline) indexOfId(id int64) int {
	return slices.IndexFunc(t.items, func(it Item) bool { return it.TempId == 0 && it.Message.Id == id })
}

func (t *Timeline) AddPending(e *Entry, sender string) {
	t.items = append(t.items, Item{
		TempId: e.TempId,
		Message: types.Message{
			CorrelationId: e.CorrelationId,
			Room:          e.Room,
			Sender:        sender,
			Content:       e.Content,
			Timestamp:     e.SubmittedAt,
		},
		State: e.State,
	})
}

// SetState updates the optimistic item for e.
func (t *Timeline) SetState(e *Entry) bool {
	i := t.indexOfTemp(e.TempId)
	if i < 0 {
		return false
	}
	t.items[i].State = e.State
	t.items[i].Message.CorrelationId = e.CorrelationId
	return true
}

// Confirm replaces the optimistic item tempId with msg in place. If msg is
// already rendered the optimistic item is dropped instead.
func (t *Timeline) Confirm(tempId int64, msg types.Message) bool {
	i := t.indexOfTemp(tempId)
	if t.indexOfId(msg.Id) >= 0 {
		if i >= 0 {
			t.items = slices.Delete(t.items, i, i+1)
		}
		return t.Upsert(msg) || i >= 0
	}
	if i < 0 {
		return t.Upsert(msg)
	}

	t.items[i] = Item{Message: msg, State: Acked}
	return true
}

// Upsert renders msg, keeping confirmed messages in id order. Redelivery of
// a message already rendered only refreshes it.
func (t *Timeline) Upsert(msg types.Message) bool {
	if i := t.indexOfId(msg.Id); i >= 0 {
		if t.items[i].Message.Content == msg.Content && slices.Equal(t.items[i].Message.ReadBy, msg.ReadBy) {
			return false
		}
		t.items[i].Message = msg
		return true
	}

	pos := slices.IndexFunc(t.items, func(it Item) bool { return it.TempId == 0 && it.Message.Id > msg.Id })
	if pos < 0 {
		pos = len(t.items)
	}
	t.items = slices.Insert(t.items, pos, Item{Message: msg, State: Acked})
	return true
}

func (t *Timeline) SetReadBy(messageId int64, readBy []string) bool {
	i := t.indexOfId(messageId)
	if i < 0 || slices.Equal(t.items[i].Message.ReadBy, readBy) {
		return false
	}
	t.items[i].Message.ReadBy = slices.Clone(readBy)
	return true
}
