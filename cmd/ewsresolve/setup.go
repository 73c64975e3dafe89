package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rbaliyan/ews"
	filearchive "github.com/rbaliyan/ews/archive/file"
	gcsarchive "github.com/rbaliyan/ews/archive/gcs"
	s3archive "github.com/rbaliyan/ews/archive/s3"
	"github.com/rbaliyan/ews/store"
	"github.com/rbaliyan/ews/store/memory"
	"github.com/rbaliyan/ews/store/mongo"
	storeotel "github.com/rbaliyan/ews/store/otel"
	"github.com/rbaliyan/ews/store/postgres"
	redisstore "github.com/rbaliyan/ews/store/redis"
	"github.com/redis/go-redis/v9"
)

// cleanup releases what a constructor opened.
type cleanup func()

func noCleanup() {}

// newDirectory returns the static directory when entries are configured,
// otherwise a session against the configured server.
func newDirectory(cfg *Config, logger *slog.Logger) (ews.Directory, error) {
	if dir := cfg.staticDirectory(); dir != nil {
		logger.Info("using static directory", "entries", len(cfg.Directory.Entries))
		return dir, nil
	}
	opts := append(cfg.sessionOptions(), ews.WithLogger(logger))
	s, err := ews.NewSession(opts...)
	if err != nil {
		return nil, err
	}
	logger.Debug("using directory session", "url", s.URL())
	return s, nil
}

// newStore opens the configured snapshot store. It returns nil for "none".
// The store is not connected.
func newStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, cleanup, error) {
	s, done, err := openBackend(ctx, cfg, logger)
	if err != nil || s == nil || !cfg.Resolver.Telemetry {
		return s, done, err
	}
	wrapped, err := storeotel.New(s)
	if err != nil {
		done()
		return nil, noCleanup, fmt.Errorf("instrument store: %w", err)
	}
	return wrapped, done, nil
}

func openBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, cleanup, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "", "none":
		return nil, noCleanup, nil

	case "memory":
		return memory.New(), noCleanup, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		s := redisstore.New(client,
			redisstore.WithPrefix(cfg.Store.RedisPrefix),
			redisstore.WithLogger(logger),
		)
		return s, func() { client.Close() }, nil

	case "postgres":
		s, db, err := postgres.Open(cfg.Store.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, noCleanup, err
		}
		return s, func() { db.Close() }, nil

	case "mongo":
		s, client, err := mongo.Open(cfg.Store.MongoURI,
			mongo.WithDatabase(cfg.Store.MongoDB),
			mongo.WithLogger(logger),
		)
		if err != nil {
			return nil, noCleanup, err
		}
		return s, func() { client.Disconnect(ctx) }, nil
	}
	return nil, noCleanup, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// newArchives creates the configured archive sinks.
func newArchives(ctx context.Context, cfg *Config, logger *slog.Logger) ([]store.Sink, error) {
	var sinks []store.Sink

	if c := cfg.Archive.S3; c.Bucket != "" {
		opts := []s3archive.Option{
			s3archive.WithBucket(c.Bucket),
			s3archive.WithPrefix(c.Prefix),
			s3archive.WithRegion(c.Region),
			s3archive.WithCompression(c.Compress),
			s3archive.WithLogger(logger),
		}
		if c.Endpoint != "" {
			opts = append(opts, s3archive.WithEndpoint(c.Endpoint), s3archive.WithPathStyle(c.PathStyle))
		}
		if c.RoleARN != "" {
			opts = append(opts, s3archive.WithAssumeRole(c.RoleARN, "", ""))
		}
		a, err := s3archive.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		sinks = append(sinks, a)
	}

	if c := cfg.Archive.GCS; c.Bucket != "" {
		opts := []gcsarchive.Option{
			gcsarchive.WithBucket(c.Bucket),
			gcsarchive.WithPrefix(c.Prefix),
			gcsarchive.WithCompression(c.Compress),
			gcsarchive.WithLogger(logger),
		}
		if c.CredentialsFile != "" {
			opts = append(opts, gcsarchive.WithCredentialsFile(c.CredentialsFile))
		}
		a, err := gcsarchive.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		sinks = append(sinks, a)
	}

	if c := cfg.Archive.File; c.Dir != "" {
		a, err := filearchive.New(
			filearchive.WithDir(c.Dir),
			filearchive.WithPrefix(c.Prefix),
			filearchive.WithCompression(c.Compress),
			filearchive.WithMaxSize(c.MaxSize),
			filearchive.WithRetention(c.Retention),
			filearchive.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("file archive: %w", err)
		}
		sinks = append(sinks, a)
	}

	return sinks, nil
}

// eventOptions publishes completion events to Redis when configured.
func eventOptions(cfg *Config) ([]ews.Option, cleanup) {
	if cfg.Events.RedisAddr == "" {
		return nil, noCleanup
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
	return []ews.Option{ews.WithRedisClient(client)}, func() { client.Close() }
}
