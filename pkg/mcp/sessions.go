package mcp

import "sync"

// SessionRegistry maps run ids to the MCP session following them.
// Populated when a run or resume call asks to follow its run.
type SessionRegistry struct {
	mu   sync.RWMutex
	runs map[string]string // runID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{runs: make(map[string]string)}
}

// Register routes a run's notifications to a session.
// A second registration for the same run wins (reconnect).
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = sessionID
}

// SessionFor returns the session following the given run, if any.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.runs[runID]
	return sid, ok
}

// Release drops a single run mapping once its run finishes.
func (r *SessionRegistry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Remove deletes all run mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rid, sid := range r.runs {
		if sid == sessionID {
			delete(r.runs, rid)
		}
	}
}
