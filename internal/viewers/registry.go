// Package viewers tracks which users currently have a room open. This is
// ephemeral, connection-bound state, unlike room membership.
package viewers

import (
	"sort"
	"sync"
)

type set map[int]struct{}

// Registry holds (room, user) viewer entries. Both indexes are updated under
// one lock so operations for a given user are linearized.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int]set // roomID -> viewers
	users map[int]set // userID -> rooms being viewed
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[int]set),
		users: make(map[int]set),
	}
}

// JoinRoom marks userID as viewing roomID. It reports whether the entry is new.
func (r *Registry) JoinRoom(roomID, userID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewers, ok := r.rooms[roomID]
	if !ok {
		viewers = make(set)
		r.rooms[roomID] = viewers
	}
	if _, already := viewers[userID]; already {
		return false
	}
	viewers[userID] = struct{}{}

	rooms, ok := r.users[userID]
	if !ok {
		rooms = make(set)
		r.users[userID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes the entry; a missing entry is a no-op. It reports whether
// anything was removed.
func (r *Registry) LeaveRoom(roomID, userID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(roomID, userID)
}

// EvictUser removes userID from every room and returns the rooms it left, sorted.
func (r *Registry) EvictUser(userID int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.users[userID]
	left := make([]int, 0, len(rooms))
	for roomID := range rooms {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.removeLocked(roomID, userID)
	}
	sort.Ints(left)
	return left
}

func (r *Registry) removeLocked(roomID, userID int) bool {
	viewers, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := viewers[userID]; !ok {
		return false
	}
	delete(viewers, userID)
	if len(viewers) == 0 {
		delete(r.rooms, roomID)
	}
	if rooms, ok := r.users[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.users, userID)
		}
	}
	return true
}

// ViewersOf returns a copy of the users viewing roomID.
func (r *Registry) ViewersOf(roomID int) map[int]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.rooms[roomID]
	out := make(map[int]struct{}, len(src))
	for id := range src {
		out[id] = struct{}{}
	}
	return out
}

func (r *Registry) IsViewing(roomID, userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][userID]
	return ok
}

// RoomsOf returns the rooms userID is viewing, sorted.
func (r *Registry) RoomsOf(userID int) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int, 0, len(r.users[userID]))
	for roomID := range r.users[userID] {
		out = append(out, roomID)
	}
	sort.Ints(out)
	return out
}
