// Package directory provides Directory implementations that do not talk
// to a remote service.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rbaliyan/ews"
	"github.com/rbaliyan/ews/store"
)

// Static is a map-based ews.Directory for testing and offline runs.
// Entries are added up front; lookups are safe for concurrent use.
// Static counts the lookups it serves per address so callers can check
// how often an address was queried.
type Static struct {
	mu      sync.Mutex
	entries map[string]*ews.Mailbox
	members map[string][]string
	faults  map[string]error

	resolveCalls map[string]int
	expandCalls  map[string]int
}

// Ensure Static implements ews.Directory.
var _ ews.Directory = (*Static)(nil)

// NewStatic creates an empty Static directory.
func NewStatic() *Static {
	return &Static{
		entries:      make(map[string]*ews.Mailbox),
		members:      make(map[string][]string),
		faults:       make(map[string]error),
		resolveCalls: make(map[string]int),
		expandCalls:  make(map[string]int),
	}
}

// Add registers an entry. members lists the direct member addresses of a
// list or group; members that were never added are returned by
// ExpandList as Unrecognized entries. The mailbox is copied.
func (s *Static) Add(m ews.Mailbox, members ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := store.Key(m.Address)
	s.entries[key] = &m
	if len(members) > 0 {
		s.members[key] = append([]string(nil), members...)
	}
	return s
}

// Mailbox adds a plain mailbox.
func (s *Static) Mailbox(address string) *Static {
	return s.Add(ews.Mailbox{Address: address, RoutingType: "SMTP", Type: ews.PlainMailbox})
}

// List adds a public distribution list.
func (s *Static) List(address string, members ...string) *Static {
	return s.Add(ews.Mailbox{Address: address, RoutingType: "SMTP", Type: ews.PublicDistributionList}, members...)
}

// Group adds a group mailbox.
func (s *Static) Group(address string, members ...string) *Static {
	return s.Add(ews.Mailbox{Address: address, RoutingType: "SMTP", Type: ews.GroupMailbox}, members...)
}

// Fail makes every lookup of address return err.
func (s *Static) Fail(address string, err error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[store.Key(address)] = err
	return s
}

// ResolveName returns a copy of the entry for address, or nil.
func (s *Static) ResolveName(ctx context.Context, address string) (*ews.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := store.Key(address)
	if key == "" {
		return nil, ews.ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls[key]++
	if err := s.faults[key]; err != nil {
		return nil, err
	}
	m, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

// ExpandList returns the members of mailbox in the order they were added.
func (s *Static) ExpandList(ctx context.Context, mailbox *ews.Mailbox) ([]*ews.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if mailbox == nil || mailbox.Address == "" {
		return nil, ews.ErrInvalidAddress
	}
	key := store.Key(mailbox.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expandCalls[key]++
	if _, ok := s.entries[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ews.ErrNonExistentMailbox, mailbox.Address)
	}

	var group *ews.Mailbox
	if mailbox.Type == ews.GroupMailbox {
		group = mailbox
	}
	addrs := s.members[key]
	out := make([]*ews.Mailbox, 0, len(addrs))
	for _, addr := range addrs {
		m := ews.Mailbox{Address: addr, Type: ews.Unrecognized}
		if e, ok := s.entries[store.Key(addr)]; ok {
			m = *e
		}
		m.Group = group
		out = append(out, &m)
	}
	return out, nil
}

// ResolveCalls returns how many times address was resolved.
func (s *Static) ResolveCalls(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveCalls[store.Key(address)]
}

// ExpandCalls returns how many times address was expanded.
func (s *Static) ExpandCalls(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expandCalls[store.Key(address)]
}

// Reset clears the call counters.
func (s *Static) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls = make(map[string]int)
	s.expandCalls = make(map[string]int)
}
