// Package mongo provides a MongoDB implementation of store.Store.
//
// Conversations, notifications, and receipts live in three collections.
// Delivery atomicity uses multi-document transactions on replica sets,
// falling back to plain batch inserts on standalone deployments.
// Cascading deletes are client-side, run inside a transaction where the
// topology supports one.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/parleyhq/parley/store"
)

// ErrRegexSearchDisabled is returned by SearchConversations when regex
// search has not been enabled via WithEnableRegex.
var ErrRegexSearchDisabled = errors.New("mongo: regex search is disabled, enable with WithEnableRegex(true)")

// regexMetaChars matches regex metacharacters that need escaping.
var regexMetaChars = regexp.MustCompile(`[\\^$.|?*+()[\]{}]`)

// escapeRegex escapes regex metacharacters in a string to prevent regex injection.
func escapeRegex(s string) string {
	return regexMetaChars.ReplaceAllString(s, `\$0`)
}

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client        *mongo.Client
	db            *mongo.Database
	conversations *mongo.Collection
	notifications *mongo.Collection
	receipts      *mongo.Collection
	opts          *options
	connected     int32
	logger        *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.conversations = s.db.Collection(s.opts.conversations)
	s.notifications = s.db.Collection(s.opts.notifications)
	s.receipts = s.db.Collection(s.opts.receipts)

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{bson.E{Key: "updated_at", Value: -1}}},
	}); err != nil {
		return err
	}

	if _, err := s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			bson.E{Key: "conversation_id", Value: 1},
			bson.E{Key: "created_at", Value: 1},
		}},
		{Keys: bson.D{
			bson.E{Key: "sender.kind", Value: 1},
			bson.E{Key: "sender.id", Value: 1},
		}},
		// Expiry cleanup index, partial to skip never-expiring documents
		{
			Keys: bson.D{bson.E{Key: "expires", Value: 1}},
			Options: mongoopts.Index().
				SetPartialFilterExpression(bson.M{"expires": bson.M{"$exists": true}}),
		},
	}); err != nil {
		return err
	}

	if _, err := s.receipts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// One receipt per (notification, receiver)
		{
			Keys: bson.D{
				bson.E{Key: "notification_id", Value: 1},
				bson.E{Key: "receiver.kind", Value: 1},
				bson.E{Key: "receiver.id", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{
			bson.E{Key: "receiver.kind", Value: 1},
			bson.E{Key: "receiver.id", Value: 1},
			bson.E{Key: "mailbox", Value: 1},
		}},
	}); err != nil {
		return err
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

// opCtx applies the configured operation timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.timeout)
}

// withTransaction runs fn inside a multi-document transaction when the
// deployment supports one, falling back to running fn directly on
// standalone servers.
func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		// Standalone MongoDB doesn't support sessions
		return fn(ctx)
	}
	defer session.EndSession(ctx)

	_, txErr := session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, fn(sessCtx)
	})
	if txErr != nil {
		if isTransactionNotSupported(txErr) {
			return fn(ctx)
		}
		return txErr
	}
	return nil
}

// isTransactionNotSupported checks if the error indicates transactions aren't supported.
func isTransactionNotSupported(err error) bool {
	if err == nil {
		return false
	}
	// MongoDB returns code 263 (OperationNotSupportedInTransaction) or
	// code 20 for standalone servers
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 263 || cmdErr.Code == 20
	}
	return false
}

// timeOrNow returns t, or the current UTC time when t is zero.
func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// refDoc is the embedded document form of a store.Ref.
type refDoc struct {
	Kind string `bson:"kind"`
	ID   string `bson:"id"`
}

func toRefDoc(r store.Ref) refDoc { return refDoc{Kind: r.Kind, ID: r.ID} }

func (d refDoc) toRef() store.Ref { return store.Ref{Kind: d.Kind, ID: d.ID} }

func refFilter(prefix string, r store.Ref) bson.M {
	return bson.M{prefix + ".kind": r.Kind, prefix + ".id": r.ID}
}
