package server

import (
	"errors"
	"sync"
)

var (
	ErrNotRegistered   = errors.New("connection not registered")
	ErrBindingMismatch = errors.New("connection id already bound to another user")
)

// Binding is what the hub knows about a live connection.
type Binding struct {
	ConnId string
	UserId string
	Device string
	// Room is empty while the connection is not in a room.
	Room string
}

// Registry maps process-local connection ids to their user and room.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Binding
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Binding)}
}

// Register binds connID to userID. Registering the same pair again is a
// no-op that returns the existing binding.
func (r *Registry) Register(connID, userID, device string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.conns[connID]; ok {
		if b.UserId != userID {
			return *b, ErrBindingMismatch
		}
		return *b, nil
	}

	b := &Binding{ConnId: connID, UserId: userID, Device: device}
	r.conns[connID] = b
	return *b, nil
}

// SetRoom updates the room of a registered connection. An empty room
// clears it.
func (r *Registry) SetRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	b.Room = room
	return nil
}

// ClearRoom unbinds connID from room. It reports false if the connection
// is gone or bound elsewhere, in which case the caller must not release room.
func (r *Registry) ClearRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok || b.Room != room {
		return false
	}
	b.Room = ""
	return true
}

func (r *Registry) SetDevice(connID, device string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	b.Device = device
	return nil
}

func (r *Registry) Get(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Unregister removes connID and returns its last binding. found is false
// if the connection was not registered.
func (r *Registry) Unregister(connID string) (b Binding, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, connID)
	return *cur, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
