package session

import "sync"

// Registry maps work item ids to their live Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Set stores s as the session for id, replacing any previous record.
func (r *Registry) Set(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// DeleteIf removes the session for id only if it is still s.
func (r *Registry) DeleteIf(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != s {
		return false
	}
	delete(r.sessions, id)
	return true
}

// All returns a copy of the current sessions.
func (r *Registry) All() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s
	}
	return out
}

// SinkRegistry maps work item ids to the attached client sink.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewSinkRegistry creates an empty sink registry.
func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: make(map[string]Sink)}
}

// Has reports whether a sink is attached for id.
func (r *SinkRegistry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Get returns the sink attached for id.
func (r *SinkRegistry) Get(id string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// Register attaches sink for id, replacing any previous sink.
func (r *SinkRegistry) Register(id string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[id] = sink
}

// Unregister detaches the sink for id. When sink is non-nil, only that sink
// is removed, so a stale connection cannot detach its replacement.
func (r *SinkRegistry) Unregister(id string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sinks[id]
	if !ok || (sink != nil && cur != sink) {
		return false
	}
	delete(r.sinks, id)
	return true
}
