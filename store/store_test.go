package store

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func expansion(members ...string) *Expansion {
	e := &Expansion{ID: "id", Address: "team@x.com", ResolvedAt: time.Now()}
	for _, m := range members {
		e.Members = append(e.Members, Member{Address: m})
	}
	return e
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name        string
		prev, cur   *Expansion
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name:      "first snapshot adds everything",
			cur:       expansion("b@x.com", "a@x.com"),
			wantAdded: []string{"a@x.com", "b@x.com"},
		},
		{
			name:        "member swapped",
			prev:        expansion("a@x.com", "b@x.com"),
			cur:         expansion("a@x.com", "c@x.com"),
			wantAdded:   []string{"c@x.com"},
			wantRemoved: []string{"b@x.com"},
		},
		{
			name: "case changes are not changes",
			prev: expansion("Alice@X.com"),
			cur:  expansion("alice@x.com"),
		},
		{
			name:        "everything removed",
			prev:        expansion("a@x.com"),
			cur:         expansion(),
			wantRemoved: []string{"a@x.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Diff(tt.prev, tt.cur)
			if !reflect.DeepEqual(c.Added, tt.wantAdded) {
				t.Errorf("added = %v, want %v", c.Added, tt.wantAdded)
			}
			if !reflect.DeepEqual(c.Removed, tt.wantRemoved) {
				t.Errorf("removed = %v, want %v", c.Removed, tt.wantRemoved)
			}
			if c.Empty() != (len(tt.wantAdded) == 0 && len(tt.wantRemoved) == 0) {
				t.Errorf("Empty() = %v", c.Empty())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := expansion().Validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	bad := []*Expansion{
		nil,
		{Address: "a@x.com", ResolvedAt: time.Now()},
		{ID: "1", Address: "  ", ResolvedAt: time.Now()},
		{ID: "1", Address: "a@x.com"},
	}
	for i, e := range bad {
		if err := e.Validate(); !errors.Is(err, ErrInvalidExpansion) {
			t.Errorf("case %d: expected ErrInvalidExpansion, got %v", i, err)
		}
	}
}

func TestClampLimit(t *testing.T) {
	if got := ClampLimit(0); got != DefaultHistoryLimit {
		t.Errorf("ClampLimit(0) = %d", got)
	}
	if got := ClampLimit(MaxHistoryLimit + 1); got != MaxHistoryLimit {
		t.Errorf("ClampLimit(max+1) = %d", got)
	}
	if got := ClampLimit(7); got != 7 {
		t.Errorf("ClampLimit(7) = %d", got)
	}
}

func TestAddresses(t *testing.T) {
	got := expansion("c@x.com", "a@x.com", "b@x.com").Addresses()
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Addresses() = %v, want %v", got, want)
	}
}
