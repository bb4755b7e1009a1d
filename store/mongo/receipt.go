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

// receiptDoc is the persisted form of a receipt.
type receiptDoc struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	NotificationID string        `bson:"notification_id"`
	Receiver       refDoc        `bson:"receiver"`
	Mailbox        string        `bson:"mailbox"`
	IsRead         bool          `bson:"is_read"`
	Trashed        bool          `bson:"trashed"`
	Deleted        bool          `bson:"deleted"`
	CreatedAt      time.Time     `bson:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at"`
}

func (d *receiptDoc) toReceipt() store.Receipt {
	return store.Receipt{
		ID:             d.ID.Hex(),
		NotificationID: d.NotificationID,
		Receiver:       d.Receiver.toRef(),
		Mailbox:        store.Mailbox(d.Mailbox),
		IsRead:         d.IsRead,
		Trashed:        d.Trashed,
		Deleted:        d.Deleted,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// validateReceiptBatch rejects batches with invalid receivers or
// duplicate (notification, receiver) pairs before anything is written.
func validateReceiptBatch(receipts []store.ReceiptData) error {
	seen := make(map[string]bool, len(receipts))
	for _, r := range receipts {
		if !r.Receiver.Valid() {
			return store.ErrInvalidRef
		}
		key := r.NotificationID + "\x00" + r.Receiver.String()
		if seen[key] {
			return store.ErrDuplicateEntry
		}
		seen[key] = true
	}
	return nil
}

// insertReceipts inserts a receipt batch. notificationID overrides the
// batch's NotificationID when non-empty.
func (s *Store) insertReceipts(ctx context.Context, notificationID string, receipts []store.ReceiptData) ([]store.Receipt, error) {
	docs := make([]any, 0, len(receipts))
	saved := make([]store.Receipt, 0, len(receipts))

	for _, data := range receipts {
		nid := data.NotificationID
		if notificationID != "" {
			nid = notificationID
		}
		if _, err := bson.ObjectIDFromHex(nid); err != nil {
			return nil, store.ErrInvalidID
		}

		mailbox := data.Mailbox
		if mailbox == "" {
			mailbox = store.MailboxInbox
		}
		createdAt := timeOrNow(data.CreatedAt)
		updatedAt := data.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}

		doc := receiptDoc{
			ID:             bson.NewObjectID(),
			NotificationID: nid,
			Receiver:       toRefDoc(data.Receiver),
			Mailbox:        string(mailbox),
			IsRead:         data.IsRead,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
		}
		docs = append(docs, doc)
		saved = append(saved, doc.toReceipt())
	}

	if len(docs) == 0 {
		return saved, nil
	}

	if _, err := s.receipts.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert receipts: %w", err)
	}
	return saved, nil
}

// GetReceipt retrieves the single receipt held by receiver for the
// given notification.
func (s *Store) GetReceipt(ctx context.Context, notificationID string, receiver store.Ref) (*store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := bson.ObjectIDFromHex(notificationID); err != nil {
		return nil, store.ErrInvalidID
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter := refFilter("receiver", receiver)
	filter["notification_id"] = notificationID

	var doc receiptDoc
	if err := s.receipts.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("find receipt: %w", err)
	}

	r := doc.toReceipt()
	return &r, nil
}

// CreateReceipts atomically persists a batch of receipts.
func (s *Store) CreateReceipts(ctx context.Context, data []store.ReceiptData) ([]store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateReceiptBatch(data); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var saved []store.Receipt
	err := s.withTransaction(ctx, func(txCtx context.Context) error {
		inserted, err := s.insertReceipts(txCtx, "", data)
		if err != nil {
			return err
		}
		saved = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// receiptFilter builds the document filter for a ReceiptQuery.
// Conversation scoping resolves the conversation's notification IDs
// first.
func (s *Store) receiptFilter(ctx context.Context, q store.ReceiptQuery) (bson.M, error) {
	filter := bson.M{}

	if q.NotificationID != "" {
		filter["notification_id"] = q.NotificationID
	}
	if q.ConversationID != "" {
		ids, err := s.notifications.Distinct(ctx, "_id", bson.M{"conversation_id": q.ConversationID}).Raw()
		if err != nil {
			return nil, fmt.Errorf("distinct notification ids: %w", err)
		}
		values, err := ids.Values()
		if err != nil {
			return nil, fmt.Errorf("decode notification ids: %w", err)
		}
		hexes := make([]string, 0, len(values))
		for _, v := range values {
			if oid, ok := v.ObjectIDOK(); ok {
				hexes = append(hexes, oid.Hex())
			}
		}
		filter["notification_id"] = bson.M{"$in": hexes}
	}
	if q.Receiver != nil {
		for k, v := range refFilter("receiver", *q.Receiver) {
			filter[k] = v
		}
	}
	if q.Mailbox != "" {
		filter["mailbox"] = string(q.Mailbox)
	}
	if q.Read != nil {
		filter["is_read"] = *q.Read
	}
	if q.Trashed != nil {
		filter["trashed"] = *q.Trashed
	}
	if q.Deleted != nil {
		filter["deleted"] = *q.Deleted
	}

	return filter, nil
}

// FindReceipts retrieves receipts matching the query, oldest first.
func (s *Store) FindReceipts(ctx context.Context, q store.ReceiptQuery, opts store.ListOptions) ([]store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	filter, err := s.receiptFilter(ctx, q)
	if err != nil {
		return nil, err
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "created_at", Value: 1}, bson.E{Key: "_id", Value: 1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit))

	cursor, err := s.receipts.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find receipts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []receiptDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}

	receipts := make([]store.Receipt, len(docs))
	for i := range docs {
		receipts[i] = docs[i].toReceipt()
	}
	return receipts, nil
}

// CountReceipts returns the count of receipts matching the query.
func (s *Store) CountReceipts(ctx context.Context, q store.ReceiptQuery) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter, err := s.receiptFilter(ctx, q)
	if err != nil {
		return 0, err
	}

	count, err := s.receipts.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return count, nil
}

// UpdateReceipts applies flag changes to every receipt matching the
// query in a single update.
func (s *Store) UpdateReceipts(ctx context.Context, q store.ReceiptQuery, flags store.Flags) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if flags.IsZero() {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter, err := s.receiptFilter(ctx, q)
	if err != nil {
		return 0, err
	}

	set := bson.M{"updated_at": time.Now().UTC()}
	if flags.Read != nil {
		set["is_read"] = *flags.Read
	}
	if flags.Trashed != nil {
		set["trashed"] = *flags.Trashed
	}
	if flags.Deleted != nil {
		set["deleted"] = *flags.Deleted
	}

	result, err := s.receipts.UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, fmt.Errorf("update receipts: %w", err)
	}
	return result.MatchedCount, nil
}
