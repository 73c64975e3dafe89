package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rbaliyan/ews"
	"github.com/rbaliyan/ews/directory"
	"github.com/rbaliyan/ews/retry"
)

// Config is the TOML configuration file layout.
type Config struct {
	EWS       EWSConfig       `toml:"ews"`
	Resolver  ResolverConfig  `toml:"resolver"`
	Retry     RetryConfig     `toml:"retry"`
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Archive   ArchiveConfig   `toml:"archive"`
	Events    EventsConfig    `toml:"events"`
	Directory DirectoryConfig `toml:"directory"`
}

// EWSConfig configures the directory session.
type EWSConfig struct {
	Server      string        `toml:"server"`
	Endpoint    string        `toml:"endpoint"`
	Username    string        `toml:"username"`
	Password    string        `toml:"password"`
	Version     string        `toml:"version"`
	TimeZone    string        `toml:"time_zone"`
	Impersonate string        `toml:"impersonate"`
	Timeout     time.Duration `toml:"timeout"`
}

// ResolverConfig holds recursion limits.
type ResolverConfig struct {
	MaxAddresses int  `toml:"max_addresses"`
	MaxDepth     int  `toml:"max_depth"`
	Concurrency  int  `toml:"concurrency"`
	Telemetry    bool `toml:"telemetry"` // spans and metrics on the global providers
}

// RetryConfig wraps requests in a retry policy when MaxRetries > 0.
type RetryConfig struct {
	MaxRetries     int           `toml:"max_retries"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// StoreConfig selects the snapshot store used by history and diff.
type StoreConfig struct {
	Backend     string `toml:"backend"` // none, memory, redis, postgres, mongo
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
	PostgresDSN string `toml:"postgres_dsn"`
	MongoURI    string `toml:"mongo_uri"`
	MongoDB     string `toml:"mongo_database"`
}

// ArchiveConfig enables write-only snapshot archives.
type ArchiveConfig struct {
	S3   S3Config   `toml:"s3"`
	GCS  GCSConfig  `toml:"gcs"`
	File FileConfig `toml:"file"`
}

// S3Config configures the S3 archive. Empty bucket disables it.
type S3Config struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	PathStyle bool   `toml:"path_style"`
	RoleARN   string `toml:"role_arn"`
	Compress  bool   `toml:"compress"`
}

// GCSConfig configures the GCS archive. Empty bucket disables it.
type GCSConfig struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	CredentialsFile string `toml:"credentials_file"`
	Compress        bool   `toml:"compress"`
}

// FileConfig configures the local directory archive. Empty dir disables it.
type FileConfig struct {
	Dir       string        `toml:"dir"`
	Prefix    string        `toml:"prefix"`
	Compress  bool          `toml:"compress"`
	MaxSize   int64         `toml:"max_size"`
	Retention time.Duration `toml:"retention"`
}

// EventsConfig publishes completion events to Redis Streams when set.
type EventsConfig struct {
	RedisAddr string `toml:"redis_addr"`
}

// DirectoryConfig replaces the remote directory with static entries.
// Useful for dry runs and for testing list layouts.
type DirectoryConfig struct {
	Entries []EntryConfig `toml:"entries"`
}

// EntryConfig is one static directory entry.
type EntryConfig struct {
	Address string   `toml:"address"`
	Name    string   `toml:"name"`
	Type    string   `toml:"type"` // Mailbox, PublicDL, GroupMailbox
	Members []string `toml:"members"`
}

func newDefaultConfig() Config {
	return Config{
		EWS: EWSConfig{
			Server:   ews.DefaultServer,
			Version:  ews.DefaultVersion,
			TimeZone: ews.DefaultTimeZone,
			Timeout:  ews.DefaultTimeout,
		},
		Resolver: ResolverConfig{
			MaxAddresses: ews.DefaultMaxAddresses,
			MaxDepth:     ews.DefaultMaxDepth,
			Concurrency:  ews.DefaultMaxConcurrentResolves,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend: "none",
		},
	}
}

// loadConfig reads path over the defaults. A missing file is only an
// error when required is set. The password may come from EWS_PASSWORD.
func loadConfig(path string, required bool) (Config, error) {
	cfg := newDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || required {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if pw := os.Getenv("EWS_PASSWORD"); pw != "" {
		cfg.EWS.Password = pw
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.Directory.Entries) == 0 && c.EWS.Username == "" {
		return errors.New("config: ews.username is required unless directory entries are given")
	}
	switch strings.ToLower(c.Store.Backend) {
	case "", "none", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr is required for the redis backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres backend")
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("config: store.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	for i, e := range c.Directory.Entries {
		if strings.TrimSpace(e.Address) == "" {
			return fmt.Errorf("config: directory entry %d has no address", i)
		}
	}
	return nil
}

// sessionOptions maps the [ews] and [retry] sections to session options.
func (c *Config) sessionOptions() []ews.Option {
	opts := []ews.Option{
		ews.WithCredentials(c.EWS.Username, c.EWS.Password),
		ews.WithServer(c.EWS.Server),
		ews.WithEndpoint(c.EWS.Endpoint),
		ews.WithVersion(c.EWS.Version),
		ews.WithTimeZone(c.EWS.TimeZone),
		ews.WithTimeout(c.EWS.Timeout),
	}
	if c.EWS.Impersonate != "" {
		opts = append(opts, ews.WithImpersonation(c.EWS.Impersonate))
	}
	if c.Retry.MaxRetries > 0 {
		p := retry.DefaultPolicy()
		p.MaxRetries = c.Retry.MaxRetries
		if c.Retry.InitialBackoff > 0 {
			p.InitialBackoff = c.Retry.InitialBackoff
		}
		if c.Retry.MaxBackoff > 0 {
			p.MaxBackoff = c.Retry.MaxBackoff
		}
		opts = append(opts, ews.WithRetry(p))
	}
	return opts
}

// resolverOptions maps the [resolver] section to resolver options.
func (c *Config) resolverOptions() []ews.Option {
	opts := []ews.Option{
		ews.WithMaxAddresses(c.Resolver.MaxAddresses),
		ews.WithMaxDepth(c.Resolver.MaxDepth),
		ews.WithMaxConcurrentResolves(c.Resolver.Concurrency),
	}
	if c.Resolver.Telemetry {
		opts = append(opts, ews.WithTracing(true), ews.WithMetrics(true))
	}
	return opts
}

// staticDirectory builds a directory from [[directory.entries]], or nil.
func (c *Config) staticDirectory() *directory.Static {
	if len(c.Directory.Entries) == 0 {
		return nil
	}
	dir := directory.NewStatic()
	for _, e := range c.Directory.Entries {
		typ := ews.ParseMailboxType(e.Type)
		if e.Type == "" {
			typ = ews.PlainMailbox
		}
		dir.Add(ews.Mailbox{
			Name:        e.Name,
			Address:     e.Address,
			RoutingType: "SMTP",
			Type:        typ,
			RawType:     e.Type,
		}, e.Members...)
	}
	return dir
}
