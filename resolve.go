package ews

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/ews/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Resolver states.
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
)

// Resolution maps each resolved address to its mailbox.
// Addresses that were not found never appear.
type Resolution map[string]*Mailbox

// Addresses returns the keys in sorted order.
func (r Resolution) Addresses() []string {
	out := make([]string, 0, len(r))
	for addr := range r {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// union copies entries of other that r does not have yet.
func (r Resolution) union(other Resolution) {
	for addr, m := range other {
		if _, ok := r[addr]; !ok {
			r[addr] = m
		}
	}
}

// lifecycle is implemented by sinks that hold connections.
type lifecycle interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Resolver flattens addresses into the individual mailboxes behind them.
//
// Public distribution lists are expanded transitively. Group mailboxes are
// expanded one level and only their plain members are kept. Every
// top-level call starts from an empty visited set, so an address is
// queried at most once per call and calls never influence each other.
type Resolver struct {
	dir    Directory
	opts   *options
	logger *slog.Logger
	otel   *otelInstrumentation

	state    int32
	eventBus *event.Bus
	events   *ResolverEvents
	sinks    []store.Sink

	// Bounds in-flight resolutions; Close drains it.
	sem *semaphore.Weighted
}

// NewResolver creates a resolver over dir. Call Connect before use.
func NewResolver(dir Directory, opts ...Option) (*Resolver, error) {
	if dir == nil {
		return nil, ErrDirectoryRequired
	}
	o := newOptions(opts...)

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &Resolver{
		dir:    dir,
		opts:   o,
		logger: o.logger,
		otel:   otelInstr,
		sinks:  o.sinks,
		sem:    semaphore.NewWeighted(int64(o.maxConcurrentResolves)),
	}, nil
}

// Connect opens sinks that hold connections and sets up the event bus.
func (r *Resolver) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&r.state, stateConnected)
		} else {
			atomic.StoreInt32(&r.state, stateDisconnected)
		}
	}()

	var opened []lifecycle
	for _, s := range r.sinks {
		lc, ok := s.(lifecycle)
		if !ok {
			continue
		}
		if err := lc.Connect(ctx); err != nil && !errors.Is(err, store.ErrAlreadyConnected) {
			for _, o := range opened {
				o.Close(ctx)
			}
			return fmt.Errorf("connect sink: %w", err)
		}
		opened = append(opened, lc)
	}

	if err := r.initEventBus(ctx); err != nil {
		for _, o := range opened {
			o.Close(ctx)
		}
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	r.logger.Info("resolver connected", "sinks", len(r.sinks))
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

func (r *Resolver) initEventBus(ctx context.Context) error {
	serviceName := r.opts.serviceName
	if serviceName == "" {
		serviceName = "ews"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case r.opts.eventTransport != nil:
		r.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(r.opts.eventTransport))
	case r.opts.redisClient != nil:
		r.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(r.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		r.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}

	events := newResolverEvents(busName)
	if err := registerResolverEvents(ctx, bus, events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register resolver events: %w", err)
	}
	r.eventBus = bus
	r.events = events
	return nil
}

// Close waits for in-flight resolutions, then closes the event bus and
// any sinks opened by Connect. Closing a resolver that is not connected
// is a no-op.
func (r *Resolver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(ctx, r.opts.shutdownTimeout)
	defer cancel()
	n := int64(r.opts.maxConcurrentResolves)
	if err := r.sem.Acquire(shutdownCtx, n); err != nil {
		r.logger.Warn("timeout waiting for in-flight resolutions, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		r.sem.Release(n)
	}

	if r.eventBus != nil {
		if err := r.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	for _, s := range r.sinks {
		if lc, ok := s.(lifecycle); ok {
			if err := lc.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close sink: %w", err))
			}
		}
	}

	r.logger.Info("resolver closed")
	return errors.Join(errs...)
}

// IsConnected reports whether Connect has completed.
func (r *Resolver) IsConnected() bool {
	return atomic.LoadInt32(&r.state) == stateConnected
}

// Events returns the resolver's events. Nil before Connect.
func (r *Resolver) Events() *ResolverEvents {
	return r.events
}

// walk is the state of one top-level resolution.
type walk struct {
	visited map[string]struct{}
	queried int
}

// Resolve flattens address into the mailboxes behind it.
//
// An unknown address yields an empty Resolution and no error. Any
// transport error, service fault or limit error aborts the whole call and
// no partial result is returned.
func (r *Resolver) Resolve(ctx context.Context, address string) (_ Resolution, err error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	// Close may have run while this call waited for the semaphore.
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	address = strings.TrimSpace(address)

	ctx, endSpan := r.otel.startSpan(ctx, "ews.Resolve", trace.SpanKindInternal,
		attribute.String("ews.address", address),
	)
	defer func() { endSpan(err) }()

	start := time.Now()
	w := &walk{visited: make(map[string]struct{})}
	result, err := r.resolve(ctx, address, w, 0)
	elapsed := time.Since(start)
	r.otel.recordResolve(ctx, elapsed, w.queried, len(result), err)

	if err != nil {
		r.logger.Warn("resolution failed", "address", address, "queried", w.queried, "error", err)
		r.publishFailure(ctx, address, err)
		return nil, err
	}

	r.logger.Debug("resolution completed",
		"address", address,
		"members", len(result),
		"queried", w.queried,
		"duration", elapsed,
	)

	snap := newExpansion(address, result, w.queried, start, elapsed)
	r.save(ctx, snap)
	return result, r.publishCompleted(ctx, snap)
}

func (r *Resolver) resolve(ctx context.Context, address string, w *walk, depth int) (Resolution, error) {
	key := store.Key(address)
	if _, seen := w.visited[key]; seen {
		return Resolution{}, nil
	}
	if depth > r.opts.maxDepth {
		return nil, &LimitError{Limit: "depth", Max: r.opts.maxDepth, Address: address}
	}
	if len(w.visited) >= r.opts.maxAddresses {
		return nil, &LimitError{Limit: "addresses", Max: r.opts.maxAddresses, Address: address}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.visited[key] = struct{}{}
	w.queried++

	mailbox, err := r.dir.ResolveName(ctx, address)
	if err != nil {
		return nil, err
	}
	if mailbox == nil {
		return Resolution{}, nil
	}

	switch mailbox.Type {
	case PublicDistributionList:
		members, err := r.dir.ExpandList(ctx, mailbox)
		if err != nil {
			return nil, err
		}
		result := Resolution{}
		for _, m := range members {
			if m.Address == "" {
				continue
			}
			sub, err := r.resolve(ctx, m.Address, w, depth+1)
			if err != nil {
				return nil, err
			}
			result.union(sub)
		}
		return result, nil

	case GroupMailbox:
		members, err := r.dir.ExpandList(ctx, mailbox)
		if err != nil {
			return nil, err
		}
		result := Resolution{}
		for _, m := range members {
			if m.Type != PlainMailbox || m.Address == "" {
				continue
			}
			if _, ok := result[m.Address]; !ok {
				result[m.Address] = m
			}
		}
		return result, nil

	case PlainMailbox, Unrecognized:
		return Resolution{address: mailbox}, nil

	default:
		return nil, fmt.Errorf("%w: %s at %s", ErrUnknownMailboxType, mailbox.Type, address)
	}
}

// ResolveAll resolves each address independently, at most
// WithMaxConcurrentResolves at a time. Each address gets its own visited
// set. The first resolution error cancels the remaining work and is
// returned alone. Duplicate addresses are resolved once.
//
// With WithEventErrorsFatal, a failed completion event does not cancel
// other resolutions: every address is resolved and the first
// *EventPublishError is returned together with the full result.
func (r *Resolver) ResolveAll(ctx context.Context, addresses []string) (map[string]Resolution, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}

	var (
		mu      sync.Mutex
		results = make(map[string]Resolution, len(addresses))
		seen    = make(map[string]struct{}, len(addresses))
		pubErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.maxConcurrentResolves)
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		key := store.Key(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		g.Go(func() error {
			res, err := r.Resolve(gctx, addr)
			var pe *EventPublishError
			if err != nil && !errors.As(err, &pe) {
				return fmt.Errorf("resolve %s: %w", addr, err)
			}
			mu.Lock()
			defer mu.Unlock()
			results[addr] = res
			if pe != nil && pubErr == nil {
				pubErr = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, pubErr
}

func newExpansion(address string, result Resolution, queried int, start time.Time, elapsed time.Duration) *store.Expansion {
	e := &store.Expansion{
		ID:         uuid.NewString(),
		Address:    address,
		Members:    make([]store.Member, 0, len(result)),
		Queried:    queried,
		ResolvedAt: start.UTC(),
		Duration:   elapsed,
	}
	for _, addr := range result.Addresses() {
		m := result[addr]
		member := store.Member{
			Address:     addr,
			Name:        m.Name,
			Type:        m.Type.String(),
			RoutingType: m.RoutingType,
		}
		if m.Group != nil {
			member.Group = m.Group.Address
		}
		e.Members = append(e.Members, member)
	}
	return e
}

// save hands the snapshot to every sink. Failures are logged only.
func (r *Resolver) save(ctx context.Context, e *store.Expansion) {
	for _, s := range r.sinks {
		if err := s.Save(ctx, e); err != nil {
			r.logger.Error("failed to save expansion snapshot",
				"address", e.Address,
				"snapshot_id", e.ID,
				"sink", fmt.Sprintf("%T", s),
				"error", err,
			)
		}
	}
}

func (r *Resolver) publishCompleted(ctx context.Context, e *store.Expansion) error {
	err := r.events.ExpansionCompleted.Publish(ctx, ExpansionCompletedEvent{
		SnapshotID:  e.ID,
		Address:     e.Address,
		Members:     e.Addresses(),
		Queried:     e.Queried,
		Duration:    e.Duration,
		CompletedAt: time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	if r.opts.eventErrorsFatal {
		return &EventPublishError{Event: EventNameExpansionCompleted, Address: e.Address, Err: err}
	}
	r.opts.safeEventPublishFailure("ExpansionCompleted", err)
	return nil
}

// publishFailure is best-effort regardless of WithEventErrorsFatal.
func (r *Resolver) publishFailure(ctx context.Context, address string, cause error) {
	err := r.events.ResolutionFailed.Publish(ctx, ResolutionFailedEvent{
		Address:  address,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		r.opts.safeEventPublishFailure("ResolutionFailed", err)
	}
}
