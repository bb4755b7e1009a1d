package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/parleyhq/parley/store"
)

// notificationDoc is the persisted form of a notification.
type notificationDoc struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	Kind           string        `bson:"kind"`
	ConversationID string        `bson:"conversation_id,omitempty"`
	Sender         refDoc        `bson:"sender"`
	Subject        string        `bson:"subject"`
	Body           string        `bson:"body"`
	Object         refDoc        `bson:"object"`
	Code           string        `bson:"code,omitempty"`
	Global         bool          `bson:"global"`
	Expires        *time.Time    `bson:"expires,omitempty"`
	CreatedAt      time.Time     `bson:"created_at"`
}

func (d *notificationDoc) toNotification() store.Notification {
	return store.Notification{
		ID:             d.ID.Hex(),
		Kind:           store.Kind(d.Kind),
		ConversationID: d.ConversationID,
		Sender:         d.Sender.toRef(),
		Subject:        d.Subject,
		Body:           d.Body,
		Object:         d.Object.toRef(),
		Code:           d.Code,
		Global:         d.Global,
		Expires:        d.Expires,
		CreatedAt:      d.CreatedAt,
	}
}

// Deliver atomically persists a notification together with its receipt
// batch.
func (s *Store) Deliver(ctx context.Context, data store.NotificationData, receipts []store.ReceiptData) (*store.Notification, []store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}
	if err := validateReceiptBatch(receipts); err != nil {
		return nil, nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	createdAt := timeOrNow(data.CreatedAt)
	doc := &notificationDoc{
		ID:             bson.NewObjectID(),
		Kind:           string(data.Kind),
		ConversationID: data.ConversationID,
		Sender:         toRefDoc(data.Sender),
		Subject:        data.Subject,
		Body:           data.Body,
		Object:         toRefDoc(data.Object),
		Code:           data.Code,
		Global:         data.Global,
		Expires:        data.Expires,
		CreatedAt:      createdAt,
	}

	var saved []store.Receipt
	err := s.withTransaction(ctx, func(txCtx context.Context) error {
		saved = nil
		if _, err := s.notifications.InsertOne(txCtx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return store.ErrDuplicateEntry
			}
			return fmt.Errorf("insert notification: %w", err)
		}
		inserted, err := s.insertReceipts(txCtx, doc.ID.Hex(), receipts)
		if err != nil {
			return err
		}
		saved = inserted
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	n := doc.toNotification()
	return &n, saved, nil
}

// GetNotification retrieves a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id string) (*store.Notification, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc notificationDoc
	if err := s.notifications.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find notification: %w", err)
	}

	n := doc.toNotification()
	return &n, nil
}

// notificationFilter builds the document filter for a NotificationQuery.
// Receiver selection resolves receipt-holding notification IDs first.
func (s *Store) notificationFilter(ctx context.Context, q store.NotificationQuery) (bson.M, error) {
	filter := bson.M{}

	if q.ConversationID != "" {
		filter["conversation_id"] = q.ConversationID
	}
	if q.Sender != nil {
		for k, v := range refFilter("sender", *q.Sender) {
			filter[k] = v
		}
	}
	if q.Object != nil {
		for k, v := range refFilter("object", *q.Object) {
			filter[k] = v
		}
	}
	if q.Code != "" {
		filter["code"] = q.Code
	}
	if q.Global != nil {
		filter["global"] = *q.Global
	}
	if q.Receiver != nil {
		ids, err := s.receipts.Distinct(ctx, "notification_id", refFilter("receiver", *q.Receiver)).Raw()
		if err != nil {
			return nil, fmt.Errorf("distinct notification ids: %w", err)
		}
		values, err := ids.Values()
		if err != nil {
			return nil, fmt.Errorf("decode notification ids: %w", err)
		}
		oids := make([]bson.ObjectID, 0, len(values))
		for _, v := range values {
			hex, ok := v.StringValueOK()
			if !ok {
				continue
			}
			oid, err := bson.ObjectIDFromHex(hex)
			if err != nil {
				continue
			}
			oids = append(oids, oid)
		}
		filter["_id"] = bson.M{"$in": oids}
	}

	return filter, nil
}

// FindNotifications retrieves notifications matching the query, oldest
// first with insertion order as tiebreak.
func (s *Store) FindNotifications(ctx context.Context, q store.NotificationQuery, opts store.ListOptions) (*store.NotificationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	filter, err := s.notificationFilter(ctx, q)
	if err != nil {
		return nil, err
	}

	total, err := s.notifications.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "created_at", Value: 1}, bson.E{Key: "_id", Value: 1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit + 1))

	cursor, err := s.notifications.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []notificationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}

	hasMore := len(docs) > opts.Limit
	if hasMore {
		docs = docs[:opts.Limit]
	}

	notifications := make([]store.Notification, len(docs))
	for i := range docs {
		notifications[i] = docs[i].toNotification()
	}

	return &store.NotificationList{
		Notifications: notifications,
		Total:         total,
		HasMore:       hasMore,
	}, nil
}

// SetExpires persists the expiry timestamp of a notification.
func (s *Store) SetExpires(ctx context.Context, id string, expires time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"expires": expires}},
	)
	if err != nil {
		return fmt.Errorf("set expires: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteNotification permanently removes a notification and cascades to
// its receipts.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.withTransaction(ctx, func(txCtx context.Context) error {
		if _, err := s.receipts.DeleteMany(txCtx, bson.M{"notification_id": id}); err != nil {
			return fmt.Errorf("delete receipts: %w", err)
		}
		result, err := s.notifications.DeleteOne(txCtx, bson.M{"_id": oid})
		if err != nil {
			return fmt.Errorf("delete notification: %w", err)
		}
		if result.DeletedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// DeleteExpiredNotifications atomically deletes all notifications whose
// expiry is set and earlier than cutoff, cascading to their receipts.
func (s *Store) DeleteExpiredNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter := bson.M{"expires": bson.M{"$lt": cutoff}}

	var deleted int64
	err := s.withTransaction(ctx, func(txCtx context.Context) error {
		deleted = 0

		cursor, err := s.notifications.Find(txCtx, filter,
			mongoopts.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return fmt.Errorf("find expired notifications: %w", err)
		}
		var docs []struct {
			ID bson.ObjectID `bson:"_id"`
		}
		if err := cursor.All(txCtx, &docs); err != nil {
			return fmt.Errorf("decode expired notifications: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}

		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID.Hex()
		}
		if _, err := s.receipts.DeleteMany(txCtx, bson.M{"notification_id": bson.M{"$in": ids}}); err != nil {
			return fmt.Errorf("delete receipts: %w", err)
		}

		result, err := s.notifications.DeleteMany(txCtx, filter)
		if err != nil {
			return fmt.Errorf("delete expired notifications: %w", err)
		}
		deleted = result.DeletedCount
		return nil
	})
	return deleted, err
}
