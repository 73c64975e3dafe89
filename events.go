package ews

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for resolver events.
const (
	EventNameExpansionCompleted = "ews.expansion.completed"
	EventNameResolutionFailed   = "ews.resolution.failed"
)

// ExpansionCompletedEvent is published after a top-level resolution succeeds.
type ExpansionCompletedEvent struct {
	SnapshotID  string        `json:"snapshot_id"`
	Address     string        `json:"address"`
	Members     []string      `json:"members"`
	Queried     int           `json:"queried"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ResolutionFailedEvent is published when a top-level resolution returns an error.
type ResolutionFailedEvent struct {
	Address  string    `json:"address"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// ResolverEvents provides access to per-resolver event instances.
// Each resolver binds its own events to its own bus.
//
// Subscribe to events:
//
//	r.Events().ExpansionCompleted.Subscribe(ctx, handler)
type ResolverEvents struct {
	// ExpansionCompleted is published after every successful resolution.
	ExpansionCompleted event.Event[ExpansionCompletedEvent]

	// ResolutionFailed is published when a resolution fails.
	ResolutionFailed event.Event[ResolutionFailedEvent]
}

// newResolverEvents creates per-resolver event instances with a unique name prefix.
func newResolverEvents(namePrefix string) *ResolverEvents {
	return &ResolverEvents{
		ExpansionCompleted: event.New[ExpansionCompletedEvent](namePrefix + "." + EventNameExpansionCompleted),
		ResolutionFailed:   event.New[ResolutionFailedEvent](namePrefix + "." + EventNameResolutionFailed),
	}
}

// registerResolverEvents registers per-resolver events with the given bus.
func registerResolverEvents(ctx context.Context, bus *event.Bus, events *ResolverEvents) error {
	if err := event.Register(ctx, bus, events.ExpansionCompleted); err != nil {
		return fmt.Errorf("register ExpansionCompleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.ResolutionFailed); err != nil {
		return fmt.Errorf("register ResolutionFailed: %w", err)
	}
	return nil
}
