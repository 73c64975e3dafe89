// Package postgres provides a PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/ews/store"
)

// Compile-time check
var (
	_ store.Store       = (*Store)(nil)
	_ store.MemberIndex = (*Store)(nil)
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Open opens dsn with the lib/pq driver. The caller owns the returned
// database handle and must close it.
func Open(dsn string, opts ...Option) (*Store, *sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	return New(db, opts...), db, nil
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			address_key VARCHAR(320) NOT NULL,
			address VARCHAR(320) NOT NULL,
			members JSONB NOT NULL DEFAULT '[]',
			member_addresses TEXT[] NOT NULL DEFAULT '{}',
			queried INTEGER NOT NULL DEFAULT 0,
			resolved_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)
	`, s.opts.table)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_address ON %s(address_key, resolved_at DESC)`, s.opts.table, s.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_members ON %s USING GIN(member_addresses)`, s.opts.table, s.opts.table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// row is the table layout.
type row struct {
	ID              string         `db:"id"`
	AddressKey      string         `db:"address_key"`
	Address         string         `db:"address"`
	Members         []byte         `db:"members"`
	MemberAddresses pq.StringArray `db:"member_addresses"`
	Queried         int            `db:"queried"`
	ResolvedAt      time.Time      `db:"resolved_at"`
	DurationMS      int64          `db:"duration_ms"`
}

const columns = `id, address_key, address, members, member_addresses, queried, resolved_at, duration_ms`

func toRow(e *store.Expansion) (*row, error) {
	members, err := json.Marshal(e.Members)
	if err != nil {
		return nil, fmt.Errorf("marshal members: %w", err)
	}
	return &row{
		ID:              e.ID,
		AddressKey:      store.Key(e.Address),
		Address:         e.Address,
		Members:         members,
		MemberAddresses: pq.StringArray(e.Addresses()),
		Queried:         e.Queried,
		ResolvedAt:      e.ResolvedAt.UTC(),
		DurationMS:      e.Duration.Milliseconds(),
	}, nil
}

func (r *row) expansion() (*store.Expansion, error) {
	e := &store.Expansion{
		ID:         r.ID,
		Address:    r.Address,
		Queried:    r.Queried,
		ResolvedAt: r.ResolvedAt.UTC(),
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
	}
	if err := json.Unmarshal(r.Members, &e.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	return e, nil
}

// Save inserts a snapshot. Saving the same ID twice is a no-op.
func (s *Store) Save(ctx context.Context, e *store.Expansion) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	r, err := toRow(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (:id, :address_key, :address, :members, :member_addresses, :queried, :resolved_at, :duration_ms)
		ON CONFLICT (id) DO NOTHING
	`, s.opts.table, columns)
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("insert expansion: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for address.
func (s *Store) Latest(ctx context.Context, address string) (*store.Expansion, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE address_key = $1
		ORDER BY resolved_at DESC
		LIMIT 1
	`, columns, s.opts.table)

	var r row
	if err := s.db.GetContext(ctx, &r, query, store.Key(address)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get latest expansion: %w", err)
	}
	return r.expansion()
}

// History returns up to limit snapshots for address, newest first.
func (s *Store) History(ctx context.Context, address string, limit int) ([]*store.Expansion, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE address_key = $1
		ORDER BY resolved_at DESC
		LIMIT $2
	`, columns, s.opts.table)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, store.Key(address), store.ClampLimit(limit)); err != nil {
		return nil, fmt.Errorf("query expansions: %w", err)
	}

	out := make([]*store.Expansion, 0, len(rows))
	for i := range rows {
		e, err := rows[i].expansion()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ContainingMember returns the addresses whose newest snapshots list member.
func (s *Store) ContainingMember(ctx context.Context, member string) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT address FROM (
			SELECT DISTINCT ON (address_key) address, member_addresses
			FROM %s
			ORDER BY address_key, resolved_at DESC
		) latest
		WHERE $1 = ANY(member_addresses)
		ORDER BY address
	`, s.opts.table)

	var addresses []string
	if err := s.db.SelectContext(ctx, &addresses, query, member); err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	return addresses, nil
}
