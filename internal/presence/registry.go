// Package presence tracks which users hold a live, authenticated connection.
//
// The registry is split into shards, each guarded by its own RWMutex, so presence
// changes for unrelated users never contend on one lock. Every operation on a given
// user id takes that id's shard lock for its whole duration, which makes operations
// on one id linearizable: once Remove returns, no Lookup observes the old connection.
package presence

import (
	"errors"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
)

var ErrAlreadyOnline = errors.New("user is already online")

// Conn is the registry's view of a transport connection. The registry never closes
// or otherwise manages it.
type Conn interface {
	ID() string
	Deliver(env *protocol.Envelope) error
}

type Entry struct {
	UserID int64
	Conn   Conn
}

type shard struct {
	mu      sync.RWMutex
	entries map[int64]Conn
}

type Registry struct {
	shards []*shard
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = 1
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[int64]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	return r.shards[uint64(userID)%uint64(len(r.shards))]
}

// Add binds userID to conn. It fails with ErrAlreadyOnline, leaving the existing
// entry untouched, when userID is already bound.
func (r *Registry) Add(userID int64, conn Conn) error {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[userID]; ok {
		return ErrAlreadyOnline
	}
	s.entries[userID] = conn
	return nil
}

// Remove drops userID's entry. Removing an absent user is a no-op.
func (r *Registry) Remove(userID int64) {
	s := r.shardFor(userID)
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
}

// RemoveIf drops userID's entry only while it still points at conn.
func (r *Registry) RemoveIf(userID int64, conn Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[userID]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(s.entries, userID)
	return true
}

// Lookup returns the live connection for userID. Callers must not hold on to it
// across Store I/O expecting it to stay registered.
func (r *Registry) Lookup(userID int64) (Conn, bool) {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.entries[userID]
	return conn, ok
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot copies out every entry. Shards are visited one at a time, so the result is
// not a point-in-time view across users.
func (r *Registry) Snapshot() []Entry {
	var entries []Entry
	for _, s := range r.shards {
		s.mu.RLock()
		for id, conn := range s.entries {
			entries = append(entries, Entry{UserID: id, Conn: conn})
		}
		s.mu.RUnlock()
	}
	return entries
}

// Clear empties the registry and returns how many entries were dropped.
func (r *Registry) Clear() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.entries = make(map[int64]Conn)
		s.mu.Unlock()
	}
	return n
}
