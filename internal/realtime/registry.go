package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const DefaultShards = 64

// Registry maps a user to the set of that user's live connections.
//
// Users are spread over independently locked shards so connects and
// disconnects of different users do not contend. Operations on one user are
// serialized by that user's shard lock. Nothing inside a shard lock blocks.
type Registry struct {
	shards []*shard
	users  atomic.Int64
	conns  atomic.Int64
}

type shard struct {
	mu    sync.RWMutex
	users map[uuid.UUID]map[string]Conn
}

func NewRegistry(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	r := &Registry{shards: make([]*shard, shardCount)}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[uuid.UUID]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID uuid.UUID) *shard {
	return r.shards[xxhash.Sum64(userID[:])%uint64(len(r.shards))]
}

// Register adds conn to the user's set, creating the set if needed.
// It reports false when the handle was already registered.
func (r *Registry) Register(userID uuid.UUID, conn Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]Conn, 1)
		s.users[userID] = set
		r.users.Add(1)
	}
	if _, dup := set[conn.ID()]; dup {
		return false
	}
	set[conn.ID()] = conn
	r.conns.Add(1)
	return true
}

// Unregister removes conn and drops the user entry once its set is empty.
// It reports false when the handle was not registered.
func (r *Registry) Unregister(userID uuid.UUID, conn Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[conn.ID()]; !ok {
		return false
	}
	delete(set, conn.ID())
	r.conns.Add(-1)
	if len(set) == 0 {
		delete(s.users, userID)
		r.users.Add(-1)
	}
	return true
}

// Resolve returns a copy of the user's live set at the instant of the call.
func (r *Registry) Resolve(userID uuid.UUID) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

func (r *Registry) OnlineUserCount() int {
	return int(r.users.Load())
}

func (r *Registry) ConnectionCount() int {
	return int(r.conns.Load())
}

// Snapshot returns every registered connection. Each shard is copied under
// its own lock; connections added after a shard was copied are not included.
func (r *Registry) Snapshot() []Conn {
	out := make([]Conn, 0, r.ConnectionCount())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			for _, c := range set {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
