// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/ews/store"
)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string][]*store.Expansion // key -> snapshots, oldest first
	connected int32
}

// Compile-time check
var (
	_ store.Store       = (*Store)(nil)
	_ store.MemberIndex = (*Store)(nil)
)

// New creates a new in-memory store.
func New() *Store {
	return &Store{snapshots: make(map[string][]*store.Expansion)}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Save stores a copy of e.
func (s *Store) Save(_ context.Context, e *store.Expansion) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	if err := e.Validate(); err != nil {
		return err
	}

	key := store.Key(e.Address)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.snapshots[key], clone(e))
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ResolvedAt.Before(list[j].ResolvedAt)
	})
	s.snapshots[key] = list
	return nil
}

// Latest returns the newest snapshot for address.
func (s *Store) Latest(_ context.Context, address string) (*store.Expansion, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[store.Key(address)]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return clone(list[len(list)-1]), nil
}

// History returns up to limit snapshots for address, newest first.
func (s *Store) History(_ context.Context, address string, limit int) ([]*store.Expansion, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}
	limit = store.ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[store.Key(address)]
	out := make([]*store.Expansion, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(list[i]))
	}
	return out, nil
}

// ContainingMember returns the addresses whose newest snapshot lists member.
func (s *Store) ContainingMember(_ context.Context, member string) ([]string, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, list := range s.snapshots {
		if len(list) == 0 {
			continue
		}
		latest := list[len(list)-1]
		for _, m := range latest.Members {
			if m.Address == member {
				out = append(out, latest.Address)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func clone(e *store.Expansion) *store.Expansion {
	c := *e
	c.Members = append([]store.Member(nil), e.Members...)
	return &c
}
