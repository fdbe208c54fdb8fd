package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds the sessions served by one viewer process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	limit    int
}

// NewRegistry creates a registry holding at most limit open sessions;
// limit <= 0 means unbounded.
func NewRegistry(limit int) *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session), limit: limit}
}

// Create registers a new Connecting session with a fresh id.
func (r *Registry) Create(now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return nil, ErrFull
	}
	s := New(uuid.New(), now)
	r.sessions[s.ID] = s
	return s, nil
}

// Remove forgets a session.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns every session's snapshot, oldest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
