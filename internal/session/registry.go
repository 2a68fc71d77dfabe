package session

import "sync"

// Registry is the mutex-guarded session table a Server owns (spec.md §3):
// "a session is present in exactly one server's registry between Opening
// and Closed." Capacity is enforced by the caller (see portalserver);
// Registry itself just tracks membership and derives IsNewest.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s to the registry.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister removes s from the registry.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions. The server's capacity guard
// does not use it; portalserver counts admitted connections itself.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListActive returns a snapshot of every live session's Info, with
// IsNewest set on the session with the greatest CreatedAt — ties broken
// by the lexicographically greatest id (spec.md §9 open question).
func (r *Registry) ListActive() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	var newestID string
	var newestCreated int64

	for _, s := range r.sessions {
		info := s.Info()
		infos = append(infos, info)

		created := info.CreatedAt.UnixNano()
		if created > newestCreated || (created == newestCreated && info.ID > newestID) {
			newestCreated = created
			newestID = info.ID
		}
	}

	for i := range infos {
		infos[i].IsNewest = infos[i].ID == newestID
	}
	return infos
}
