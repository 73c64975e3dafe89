// Package mongo provides a MongoDB implementation of store.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/ews/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var (
	_ store.Store       = (*Store)(nil)
	_ store.MemberIndex = (*Store)(nil)
)

// Store implements store.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Open creates a client for uri. The caller owns the returned client and
// must Disconnect it.
func Open(uri string, opts ...Option) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	return New(client, opts...), client, nil
}

// Connect pings the server and ensures indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{
			bson.E{Key: "address_key", Value: 1},
			bson.E{Key: "resolved_at", Value: -1},
		}},
		{Keys: bson.D{bson.E{Key: "member_addresses", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// document is the stored form of a snapshot.
type document struct {
	ID              string         `bson:"_id"`
	AddressKey      string         `bson:"address_key"`
	Address         string         `bson:"address"`
	Members         []store.Member `bson:"members"`
	MemberAddresses []string       `bson:"member_addresses"`
	Queried         int            `bson:"queried"`
	ResolvedAt      time.Time      `bson:"resolved_at"`
	DurationMS      int64          `bson:"duration_ms"`
}

func toDocument(e *store.Expansion) *document {
	return &document{
		ID:              e.ID,
		AddressKey:      store.Key(e.Address),
		Address:         e.Address,
		Members:         e.Members,
		MemberAddresses: e.Addresses(),
		Queried:         e.Queried,
		ResolvedAt:      e.ResolvedAt.UTC(),
		DurationMS:      e.Duration.Milliseconds(),
	}
}

func (d *document) expansion() *store.Expansion {
	return &store.Expansion{
		ID:         d.ID,
		Address:    d.Address,
		Members:    d.Members,
		Queried:    d.Queried,
		ResolvedAt: d.ResolvedAt.UTC(),
		Duration:   time.Duration(d.DurationMS) * time.Millisecond,
	}
}

// Save inserts a snapshot. Saving the same ID twice is a no-op.
func (s *Store) Save(ctx context.Context, e *store.Expansion) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, toDocument(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
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

	findOpts := mongoopts.FindOne().SetSort(bson.D{bson.E{Key: "resolved_at", Value: -1}})
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"address_key": store.Key(address)}, findOpts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find latest expansion: %w", err)
	}
	return doc.expansion(), nil
}

// History returns up to limit snapshots for address, newest first.
func (s *Store) History(ctx context.Context, address string, limit int) ([]*store.Expansion, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "resolved_at", Value: -1}}).
		SetLimit(int64(store.ClampLimit(limit)))

	cursor, err := s.collection.Find(ctx, bson.M{"address_key": store.Key(address)}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find expansions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode expansions: %w", err)
	}

	out := make([]*store.Expansion, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].expansion())
	}
	return out, nil
}

// ContainingMember returns the addresses whose newest snapshot lists member.
func (s *Store) ContainingMember(ctx context.Context, member string) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "address_key", Value: 1}, {Key: "resolved_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$address_key"},
			{Key: "address", Value: bson.D{{Key: "$first", Value: "$address"}}},
			{Key: "member_addresses", Value: bson.D{{Key: "$first", Value: "$member_addresses"}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "member_addresses", Value: member}}}},
		{{Key: "$sort", Value: bson.D{{Key: "address", Value: 1}}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate members: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Address string `bson:"address"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Address)
	}
	return out, nil
}
