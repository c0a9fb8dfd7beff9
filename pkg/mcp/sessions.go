package mcp

import "sync"

// SessionRegistry tracks which MCP session each agent is speaking through,
// so gate notifications can be pushed back to the agent that owns a node.
// Agents are bound lazily: any tool call carrying agent_id refreshes the
// binding, and a reconnect simply overwrites the old session.
type SessionRegistry struct {
	mu        sync.RWMutex
	byAgent   map[string]string              // agentID -> sessionID
	bySession map[string]map[string]struct{} // sessionID -> agentIDs
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAgent:   make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register binds an agent to a session, replacing any previous binding.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byAgent[agentID]; ok && old != sessionID {
		r.unbindLocked(agentID, old)
	}
	r.byAgent[agentID] = sessionID
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.bySession[sessionID][agentID] = struct{}{}
}

// SessionFor returns the session the agent is currently bound to.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Remove unbinds every agent attached to a disconnected session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agentID := range r.bySession[sessionID] {
		delete(r.byAgent, agentID)
	}
	delete(r.bySession, sessionID)
}

func (r *SessionRegistry) unbindLocked(agentID, sessionID string) {
	if agents, ok := r.bySession[sessionID]; ok {
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}
