package room

import (
	"strings"
	"sync"
)

// UserKey builds the room key of a user's personal room.
func UserKey(userID string) string {
	return "user:" + userID
}

// SessionKey builds the room key of a shared session room.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// Directory tracks which connections belong to which rooms. Connections
// are referenced by ID only; their lifecycle is owned by the supervisor.
type Directory struct {
	sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

func NewDirectory() *Directory {
	return &Directory{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a room. Joining a room twice is a no-op.
func (d *Directory) Join(roomKey, connID string) {
	d.Lock()
	defer d.Unlock()

	members, ok := d.rooms[roomKey]
	if !ok {
		members = make(map[string]struct{})
		d.rooms[roomKey] = members
	}
	members[connID] = struct{}{}

	joined, ok := d.conns[connID]
	if !ok {
		joined = make(map[string]struct{})
		d.conns[connID] = joined
	}
	joined[roomKey] = struct{}{}
}

// Leave removes a connection from a room. Leaving a room the connection
// is not a member of is a no-op. Rooms are deleted once empty so the
// directory cannot leak.
func (d *Directory) Leave(roomKey, connID string) {
	d.Lock()
	defer d.Unlock()
	d.leave(roomKey, connID)
}

func (d *Directory) leave(roomKey, connID string) {
	if members, ok := d.rooms[roomKey]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(d.rooms, roomKey)
		}
	}
	if joined, ok := d.conns[connID]; ok {
		delete(joined, roomKey)
		if len(joined) == 0 {
			delete(d.conns, connID)
		}
	}
}

// RemoveConnection drops the connection from every room it belongs to and
// returns the keys of the rooms it left.
func (d *Directory) RemoveConnection(connID string) []string {
	d.Lock()
	defer d.Unlock()

	joined, ok := d.conns[connID]
	if !ok {
		return nil
	}

	left := make([]string, 0, len(joined))
	for roomKey := range joined {
		left = append(left, roomKey)
		d.leave(roomKey, connID)
	}
	return left
}

// MembersOf returns a snapshot of the room's membership. The snapshot is
// safe to iterate while connections concurrently join and leave.
func (d *Directory) MembersOf(roomKey string) []string {
	d.RLock()
	defer d.RUnlock()

	members, ok := d.rooms[roomKey]
	if !ok {
		return nil
	}

	snapshot := make([]string, 0, len(members))
	for connID := range members {
		snapshot = append(snapshot, connID)
	}
	return snapshot
}

// RoomsOf returns a snapshot of the rooms a connection has joined.
func (d *Directory) RoomsOf(connID string) []string {
	d.RLock()
	defer d.RUnlock()

	joined, ok := d.conns[connID]
	if !ok {
		return nil
	}

	snapshot := make([]string, 0, len(joined))
	for roomKey := range joined {
		snapshot = append(snapshot, roomKey)
	}
	return snapshot
}

// ActiveRooms returns the keys of all rooms with at least one member.
func (d *Directory) ActiveRooms() []string {
	d.RLock()
	defer d.RUnlock()

	keys := make([]string, 0, len(d.rooms))
	for roomKey := range d.rooms {
		keys = append(keys, roomKey)
	}
	return keys
}

// ActiveUsers returns the IDs of users with at least one open connection.
func (d *Directory) ActiveUsers() []string {
	d.RLock()
	defer d.RUnlock()

	users := make([]string, 0)
	for roomKey := range d.rooms {
		if strings.HasPrefix(roomKey, "user:") {
			users = append(users, strings.TrimPrefix(roomKey, "user:"))
		}
	}
	return users
}
