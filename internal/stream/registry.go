package stream

import (
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/sensor.replay/internal/monitoring"
)

// Registry maps session tokens to live sessions. A session is removed as
// soon as it stops.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s under its id.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("session %s already registered", s.id)
	}
	r.sessions[s.id] = s
	monitoring.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Unregister stops the session registered under id with reason and reports
// whether one was found. The session leaves the registry as it stops, so
// no cadence loop outlives its entry.
func (r *Registry) Unregister(id, reason string) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	s.Stop(reason)
	// A session whose stop hook is not the registry is removed here.
	r.remove(s)
	return true
}

// remove unregisters s only if it is still the session held under its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	monitoring.ActiveSessions.Set(float64(len(r.sessions)))
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered sessions ordered by id.
func (r *Registry) List() []*Session {
	return r.Select(nil)
}

// Select returns the registered sessions matching pred, ordered by id. A
// nil predicate matches every session.
func (r *Registry) Select(pred func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if pred == nil || pred(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Broadcast applies cmd to every session matching pred and returns the
// number of sessions visited. cmd runs without the registry lock held, so
// it may stop the session.
func (r *Registry) Broadcast(pred func(*Session) bool, cmd func(*Session)) int {
	matched := r.Select(pred)
	for _, s := range matched {
		cmd(s)
	}
	return len(matched)
}

// StopAll stops every registered session with reason.
func (r *Registry) StopAll(reason string) int {
	return r.Broadcast(nil, func(s *Session) { s.Stop(reason) })
}

// ByClient matches sessions opened with the given client key.
func ByClient(client string) func(*Session) bool {
	return func(s *Session) bool { return s.client == client }
}

// ByID matches the session with the given token.
func ByID(id string) func(*Session) bool {
	return func(s *Session) bool { return s.id == id }
}
