// Package session owns the server side of every agent connection: the
// handshake state machine, the connected-agents registry and the liveness
// sweeper that turns transport silence into observable offline status.
package session

import (
	"sync"
	"time"

	proto "github.com/nodenexus/nodenexus/api/proto"
)

// Sender is the write half of an agent connection held by the registry.
// The registry owns the sender; the stream goroutine only borrows it.
type Sender interface {
	Send(*proto.MessageToAgent) error
	// Close tears down the connection. Idempotent.
	Close() error
}

// Agent is one registered connection.
type Agent struct {
	HostID      int64
	Sender      Sender
	ConnectedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// Touch records activity on the session.
func (a *Agent) Touch(now time.Time) {
	a.mu.Lock()
	a.lastSeen = now
	a.mu.Unlock()
}

// LastSeen returns the time of the last inbound message.
func (a *Agent) LastSeen() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

// Registry maps host ids to their single active session.
type Registry struct {
	mu     sync.RWMutex
	agents map[int64]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[int64]*Agent)}
}

// Register installs the agent as the host's active session and returns
// the evicted previous session, if any. The caller closes the evicted
// sender asynchronously.
func (r *Registry) Register(a *Agent) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.agents[a.HostID]
	r.agents[a.HostID] = a
	return old
}

// Get returns the host's active session, or nil.
func (r *Registry) Get(hostID int64) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[hostID]
}

// Remove drops the entry only when it still points at a. A session that
// was already replaced by a newer handshake must not evict its successor.
func (r *Registry) Remove(hostID int64, a *Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[hostID] != a {
		return false
	}
	delete(r.agents, hostID)
	return true
}

// SweepStale removes and returns every session whose last activity is
// before cutoff.
func (r *Registry) SweepStale(cutoff time.Time) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*Agent
	for id, a := range r.agents {
		if a.LastSeen().Before(cutoff) {
			delete(r.agents, id)
			stale = append(stale, a)
		}
	}
	return stale
}

// ConnectedIDs returns the host ids with an active session.
func (r *Registry) ConnectedIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
