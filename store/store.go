// Package store provides interfaces and types for expansion snapshots.
// Implementations are in store/memory, store/redis, store/postgres and
// store/mongo. Write-only archives live under archive/.
//
// A snapshot records the flattened membership of one address as it was at
// resolution time. Snapshots form an audit trail: they are written after a
// resolution completes and are never consulted to answer a resolution.
package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 1000
)

// Member is one resolved mailbox inside a snapshot.
type Member struct {
	Address     string `json:"address" bson:"address"`
	Name        string `json:"name,omitempty" bson:"name,omitempty"`
	Type        string `json:"type" bson:"type"`
	RoutingType string `json:"routing_type,omitempty" bson:"routing_type,omitempty"`
	// Group is the address of the group mailbox the member was expanded from.
	Group string `json:"group,omitempty" bson:"group,omitempty"`
}

// Expansion is a snapshot of one completed top-level resolution.
type Expansion struct {
	ID         string        `json:"id" bson:"_id"`
	Address    string        `json:"address" bson:"address"`
	Members    []Member      `json:"members" bson:"members"`
	Queried    int           `json:"queried" bson:"queried"`
	ResolvedAt time.Time     `json:"resolved_at" bson:"resolved_at"`
	Duration   time.Duration `json:"duration" bson:"duration"`
}

// Addresses returns the member addresses in sorted order.
func (e *Expansion) Addresses() []string {
	out := make([]string, 0, len(e.Members))
	for _, m := range e.Members {
		out = append(out, m.Address)
	}
	sort.Strings(out)
	return out
}

// Validate checks the fields every backend relies on.
func (e *Expansion) Validate() error {
	if e == nil || e.ID == "" || Key(e.Address) == "" || e.ResolvedAt.IsZero() {
		return ErrInvalidExpansion
	}
	return nil
}

// Key normalizes an address for use as a lookup key.
func Key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ClampLimit applies DefaultHistoryLimit and MaxHistoryLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Sink receives completed expansions.
// Implementations must be safe for concurrent use.
type Sink interface {
	Save(ctx context.Context, e *Expansion) error
}

// Store is a queryable Sink.
type Store interface {
	Sink

	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Latest returns the newest snapshot for address or ErrNotFound.
	Latest(ctx context.Context, address string) (*Expansion, error)

	// History returns up to limit snapshots for address, newest first.
	// A limit of zero or less means DefaultHistoryLimit.
	History(ctx context.Context, address string, limit int) ([]*Expansion, error)
}

// MemberIndex is implemented by stores that answer reverse lookups.
type MemberIndex interface {
	// ContainingMember returns, sorted, the addresses whose newest snapshot
	// lists member. Member addresses are matched exactly as recorded.
	ContainingMember(ctx context.Context, member string) ([]string, error)
}

// Change is the membership difference between two snapshots.
type Change struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Diff compares the member addresses of prev and cur. Either may be nil.
// Addresses are compared case-insensitively and reported as found in the
// snapshot they come from, sorted.
func Diff(prev, cur *Expansion) Change {
	before := memberSet(prev)
	after := memberSet(cur)

	var c Change
	for k, addr := range after {
		if _, ok := before[k]; !ok {
			c.Added = append(c.Added, addr)
		}
	}
	for k, addr := range before {
		if _, ok := after[k]; !ok {
			c.Removed = append(c.Removed, addr)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	return c
}

func memberSet(e *Expansion) map[string]string {
	set := make(map[string]string)
	if e == nil {
		return set
	}
	for _, m := range e.Members {
		set[Key(m.Address)] = m.Address
	}
	return set
}
