// Package presence tracks which live connection belongs to which agent.
// It is transport state only; the durable presence flag lives in the agent store.
package presence

import (
	"sort"
	"sync"
)

// Tracker is the view the inbox service needs. Registry implements it; tests may fake it.
type Tracker interface {
	Register(agentID int64, connID string)
	Unregister(connID string) (agentID int64, ok bool)
	ConnFor(agentID int64) (string, bool)
	AgentFor(connID string) (int64, bool)
	LiveConnections() []string
}

// Registry is a concurrency-safe agentID <-> connection map.
// An agent has at most one current connection; a newer registration replaces the older one.
type Registry struct {
	mu      sync.RWMutex
	byAgent map[int64]string
	byConn  map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		byAgent: make(map[int64]string),
		byConn:  make(map[string]int64),
	}
}

func (r *Registry) Register(agentID int64, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byAgent[agentID]; ok && prev != connID {
		delete(r.byConn, prev)
	}
	if prevAgent, ok := r.byConn[connID]; ok && prevAgent != agentID {
		delete(r.byAgent, prevAgent)
	}
	r.byAgent[agentID] = connID
	r.byConn[connID] = agentID
}

// Unregister drops connID and reports the agent it belonged to.
func (r *Registry) Unregister(connID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agentID, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	delete(r.byConn, connID)
	if r.byAgent[agentID] == connID {
		delete(r.byAgent, agentID)
	}
	return agentID, true
}

func (r *Registry) ConnFor(agentID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAgent[agentID]
	return c, ok
}

func (r *Registry) AgentFor(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byConn[connID]
	return a, ok
}

// LiveConnections returns the registered connection ids, sorted.
func (r *Registry) LiveConnections() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byConn))
	for c := range r.byConn {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
