package presence

import (
	"sort"
	"sync"
	"time"
)

// SessionRegistry keeps the set of open sessions of every user.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]time.Time
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]time.Time)}
}

// Add registers a session opened at openedAt and returns the user's session
// count afterwards. added is false when the session was already registered.
func (r *SessionRegistry) Add(userID, sessionID string, openedAt time.Time) (count int, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]time.Time)
		r.sessions[userID] = set
	}
	if _, exists := set[sessionID]; !exists {
		set[sessionID] = openedAt
		added = true
	}
	return len(set), added
}

// Remove drops a session. Removing an unknown pair is a no-op.
func (r *SessionRegistry) Remove(userID, sessionID string) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		return 0, false
	}
	if _, exists := set[sessionID]; exists {
		delete(set, sessionID)
		removed = true
	}
	if len(set) == 0 {
		delete(r.sessions, userID)
	}
	return len(set), removed
}

func (r *SessionRegistry) IsOnline(userID string) bool {
	return r.SessionCount(userID) > 0
}

func (r *SessionRegistry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

// CountOnline returns how many of the given users hold at least one session.
func (r *SessionRegistry) CountOnline(userIDs []string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, id := range userIDs {
		if len(r.sessions[id]) > 0 {
			n++
		}
	}
	return n
}

// OnlineUsers returns the number of users with at least one session.
func (r *SessionRegistry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the user's session ids, oldest first.
func (r *SessionRegistry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := set[ids[i]], set[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}
