package realtime

import (
	"sync"

	"github.com/Rrens/codex-chat/internal/domain"
)

// Member is a connection that can be addressed by rooms
type Member interface {
	ID() string
	// Send queues an event without blocking. It reports false if the
	// connection is gone or cannot keep up.
	Send(ev Outbound) bool
}

// RoomRegistry tracks which connections are joined to which conversations.
// Rooms exist only while they have members.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Member
	byConn map[string]map[string]struct{}
}

// NewRoomRegistry creates an empty registry
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]map[string]Member),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds m to a conversation room and returns the sanitized room key.
// An empty key means the id was unusable and nothing changed.
func (r *RoomRegistry) Join(m Member, conversationID string) string {
	key := domain.SanitizeConversationID(conversationID)
	if key == "" {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]Member)
		r.rooms[key] = members
	}
	members[m.ID()] = m

	joined, ok := r.byConn[m.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[m.ID()] = joined
	}
	joined[key] = struct{}{}
	return key
}

// Leave removes m from a conversation room
func (r *RoomRegistry) Leave(m Member, conversationID string) {
	key := domain.SanitizeConversationID(conversationID)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(m.ID(), key)
}

// LeaveAll removes a connection from every room it joined
func (r *RoomRegistry) LeaveAll(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.byConn[m.ID()] {
		r.leaveLocked(m.ID(), key)
	}
	delete(r.byConn, m.ID())
}

func (r *RoomRegistry) leaveLocked(connID, key string) {
	if members, ok := r.rooms[key]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, key)
		}
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Broadcast delivers ev to every current member of a room and returns how
// many accepted it. Departed or slow members are skipped.
func (r *RoomRegistry) Broadcast(conversationID string, ev Outbound) int {
	key := domain.SanitizeConversationID(conversationID)
	if key == "" {
		return 0
	}

	r.mu.RLock()
	members := make([]Member, 0, len(r.rooms[key]))
	for _, m := range r.rooms[key] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range members {
		if m.Send(ev) {
			delivered++
		}
	}
	return delivered
}

// Members returns the connection ids joined to a room
func (r *RoomRegistry) Members(conversationID string) []string {
	key := domain.SanitizeConversationID(conversationID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[key]))
	for id := range r.rooms[key] {
		ids = append(ids, id)
	}
	return ids
}

// RoomsOf returns the rooms a connection belongs to
func (r *RoomRegistry) RoomsOf(m Member) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.byConn[m.ID()]))
	for key := range r.byConn[m.ID()] {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of non-empty rooms
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
