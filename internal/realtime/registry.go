package realtime

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// registryShardCount must be a power of 2.
const registryShardCount = 32

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection
}

// Registry maps user IDs to their open connections. A user has an entry
// iff at least one connection is registered for them.
//
// Users are spread over shards so that unrelated users never contend on the
// same lock. Reads return copies, so a caller iterating a user's handles
// never observes a half-updated set.
type Registry struct {
	shards [registryShardCount]*registryShard
	seed   maphash.Seed
	open   atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{seed: maphash.MakeSeed()}
	for i := range registryShardCount {
		r.shards[i] = &registryShard{users: make(map[string]map[string]*Connection)}
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := maphash.String(r.seed, userID)
	return r.shards[h&(registryShardCount-1)]
}

// Add inserts conn into its user's set. Adding the same handle twice is a
// no-op; the return value reports whether the handle was new.
func (r *Registry) Add(conn *Connection) bool {
	s := r.shard(conn.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[conn.UserID]
	if !ok {
		conns = make(map[string]*Connection)
		s.users[conn.UserID] = conns
	}
	if _, exists := conns[conn.ID]; exists {
		return false
	}
	conns[conn.ID] = conn
	r.open.Add(1)
	return true
}

// Remove deletes conn from its user's set, dropping the user's entry when
// the set becomes empty. Unknown users or handles are a no-op. It reports
// whether the handle was removed and how many handles the user has left.
func (r *Registry) Remove(conn *Connection) (removed bool, remaining int) {
	s := r.shard(conn.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[conn.UserID]
	if !ok {
		return false, 0
	}
	if current, exists := conns[conn.ID]; !exists || current != conn {
		return false, len(conns)
	}
	delete(conns, conn.ID)
	r.open.Add(-1)
	if len(conns) == 0 {
		delete(s.users, conn.UserID)
		return true, 0
	}
	return true, len(conns)
}

// IsConnected reports whether userID has at least one open connection.
func (r *Registry) IsConnected(userID string) bool {
	return r.Count(userID) > 0
}

// Count returns the number of open connections for userID.
func (r *Registry) Count(userID string) int {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// HandlesFor returns a snapshot of userID's connections (possibly empty).
func (r *Registry) HandlesFor(userID string) []*Connection {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// ConnectedUserIDs returns every user with at least one open connection.
func (r *Registry) ConnectedUserIDs() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.users {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}

// Size returns the total number of open connections.
func (r *Registry) Size() int64 {
	return r.open.Load()
}

// ForEach calls fn for a snapshot of every registered connection. No lock is
// held while fn runs.
func (r *Registry) ForEach(fn func(*Connection)) {
	var all []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for _, c := range conns {
				all = append(all, c)
			}
		}
		s.mu.RUnlock()
	}
	for _, c := range all {
		fn(c)
	}
}
