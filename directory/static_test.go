package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/ews"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()

	dir := NewStatic().
		Mailbox("alice@example.com").
		Mailbox("bob@example.com").
		List("team@example.com", "alice@example.com", "ghost@example.com").
		Group("crew@example.com", "bob@example.com", "team@example.com")

	t.Run("resolves known entries case-insensitively", func(t *testing.T) {
		m, err := dir.ResolveName(ctx, "Alice@Example.com")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if m == nil || m.Type != ews.PlainMailbox || m.Address != "alice@example.com" {
			t.Errorf("unexpected mailbox %+v", m)
		}
	})

	t.Run("miss is not an error", func(t *testing.T) {
		m, err := dir.ResolveName(ctx, "nobody@example.com")
		if err != nil || m != nil {
			t.Errorf("expected nil, nil; got %v, %v", m, err)
		}
	})

	t.Run("list members keep order", func(t *testing.T) {
		team, _ := dir.ResolveName(ctx, "team@example.com")
		members, err := dir.ExpandList(ctx, team)
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(members) != 2 {
			t.Fatalf("expected 2 members, got %d", len(members))
		}
		if members[0].Address != "alice@example.com" || members[0].Type != ews.PlainMailbox {
			t.Errorf("unexpected first member %+v", members[0])
		}
		if members[1].Type != ews.Unrecognized {
			t.Errorf("unknown member should be Unrecognized, got %v", members[1].Type)
		}
		if members[0].Group != nil {
			t.Error("list members must not carry a group")
		}
	})

	t.Run("group members carry the group", func(t *testing.T) {
		crew, _ := dir.ResolveName(ctx, "crew@example.com")
		members, err := dir.ExpandList(ctx, crew)
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		for _, m := range members {
			if m.Group == nil || m.Group.Address != "crew@example.com" {
				t.Errorf("member %s missing group", m.Address)
			}
		}
	})

	t.Run("counts calls", func(t *testing.T) {
		dir.Reset()
		_, _ = dir.ResolveName(ctx, "bob@example.com")
		_, _ = dir.ResolveName(ctx, "BOB@example.com")
		if got := dir.ResolveCalls("bob@example.com"); got != 2 {
			t.Errorf("expected 2 calls, got %d", got)
		}
		if got := dir.ExpandCalls("bob@example.com"); got != 0 {
			t.Errorf("expected 0 expand calls, got %d", got)
		}
	})

	t.Run("injected faults", func(t *testing.T) {
		fault := &ews.ServiceError{Code: "ErrorServerBusy", Class: "Error"}
		d := NewStatic().Mailbox("x@example.com").Fail("x@example.com", fault)
		_, err := d.ResolveName(ctx, "x@example.com")
		if !errors.Is(err, ews.ErrServerBusy) {
			t.Errorf("expected ErrServerBusy, got %v", err)
		}
	})

	t.Run("empty address", func(t *testing.T) {
		if _, err := dir.ResolveName(ctx, " "); !errors.Is(err, ews.ErrInvalidAddress) {
			t.Errorf("expected ErrInvalidAddress, got %v", err)
		}
	})
}
