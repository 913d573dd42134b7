// Package room groups connections under a key so one message can reach all
// of them.
package room

import "sync"

// Member is a connection that can be placed in a room.
type Member interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
}

// Name returns the room key of a document.
func Name(workspaceID, path string) string {
	return workspaceID + ":" + path
}

// Rooms maintains the set of members per room.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

func New() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]Member)}
}

// Join adds m to room. Joining twice is a no-op.
func (r *Rooms) Join(room string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]Member)
		r.rooms[room] = members
	}
	members[m.ID()] = m
}

// Leave removes the member with id from room; empty rooms are dropped.
func (r *Rooms) Leave(room, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast sends msg to every member of room except the one with id except.
// Members that could not accept the message are returned so the caller can
// drop them.
func (r *Rooms) Broadcast(room string, msg []byte, except string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var slow []Member
	for id, m := range r.rooms[room] {
		if id == except {
			continue
		}
		if !m.Send(msg) {
			slow = append(slow, m)
		}
	}
	return slow
}
