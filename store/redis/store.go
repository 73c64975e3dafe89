// Package redis provides a Redis implementation of store.Store.
//
// Each snapshot is a JSON string under <prefix>:expansion:<id>. A sorted
// set per address, scored by resolution time, indexes the snapshots.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/ews/store"
	"github.com/redis/go-redis/v9"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new Redis store with the provided client.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect pings the server.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("redis: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("redis ping: %w", err)
	}

	s.logger.Info("connected to Redis", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the Redis client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) snapshotKey(id string) string {
	return s.opts.prefix + ":expansion:" + id
}

func (s *Store) historyKey(address string) string {
	return s.opts.prefix + ":history:" + store.Key(address)
}

// Save writes the snapshot and indexes it under its address. Snapshots
// beyond the history limit are dropped, oldest first.
func (s *Store) Save(ctx context.Context, e *store.Expansion) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal expansion: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	hkey := s.historyKey(e.Address)
	score := float64(e.ResolvedAt.UnixNano())

	// Trimmed entries are found before the write so their bodies can be
	// deleted in the same transaction.
	var evicted []string
	if n := s.opts.maxHistory; n > 0 {
		count, err := s.client.ZCard(ctx, hkey).Result()
		if err != nil {
			return fmt.Errorf("count history: %w", err)
		}
		if excess := count + 1 - int64(n); excess > 0 {
			oldest, err := s.client.ZRangeByScore(ctx, hkey, &redis.ZRangeBy{
				Min: "-inf", Max: "+inf", Offset: 0, Count: excess,
			}).Result()
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			evicted = oldest
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(e.ID), data, s.opts.ttl)
		pipe.ZAdd(ctx, hkey, redis.Z{Score: score, Member: e.ID})
		for _, id := range evicted {
			pipe.ZRem(ctx, hkey, id)
			pipe.Del(ctx, s.snapshotKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save expansion: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for address.
func (s *Store) Latest(ctx context.Context, address string) (*store.Expansion, error) {
	list, err := s.History(ctx, address, store.DefaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

// History returns up to limit snapshots for address, newest first.
// Index entries whose snapshot expired are skipped and removed.
func (s *Store) History(ctx context.Context, address string, limit int) ([]*store.Expansion, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	hkey := s.historyKey(address)
	ids, err := s.client.ZRevRange(ctx, hkey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.snapshotKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read expansions: %w", err)
	}

	out := make([]*store.Expansion, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var e store.Expansion
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("unmarshal expansion %s: %w", ids[i], err)
		}
		out = append(out, &e)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, hkey, stale...).Err(); err != nil {
			s.logger.Warn("failed to prune expired snapshots", "address", address, "error", err)
		}
	}
	return out, nil
}
