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

// conversationDoc is the persisted form of a conversation.
type conversationDoc struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Subject   string        `bson:"subject"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

func (d *conversationDoc) toConversation() store.Conversation {
	return store.Conversation{
		ID:        d.ID.Hex(),
		Subject:   d.Subject,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(ctx context.Context, data store.ConversationData) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	createdAt := timeOrNow(data.CreatedAt)
	doc := &conversationDoc{
		ID:        bson.NewObjectID(),
		Subject:   data.Subject,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	c := doc.toConversation()
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	c := doc.toConversation()
	return &c, nil
}

// TouchConversation advances the conversation's UpdatedAt timestamp.
// The timestamp never moves backwards.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$max": bson.M{"updated_at": at}},
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteConversation permanently removes a conversation, its messages,
// and their receipts. The cascade is client-side, run inside a
// transaction where the topology supports one.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
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
		ids, err := s.conversationNotificationIDs(txCtx, id)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			if _, err := s.receipts.DeleteMany(txCtx, bson.M{"notification_id": bson.M{"$in": ids}}); err != nil {
				return fmt.Errorf("delete receipts: %w", err)
			}
			if _, err := s.notifications.DeleteMany(txCtx, bson.M{"conversation_id": id}); err != nil {
				return fmt.Errorf("delete notifications: %w", err)
			}
		}
		result, err := s.conversations.DeleteOne(txCtx, bson.M{"_id": oid})
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if result.DeletedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// conversationNotificationIDs returns the hex IDs of all notifications
// belonging to a conversation.
func (s *Store) conversationNotificationIDs(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.notifications.Distinct(ctx, "_id", bson.M{"conversation_id": conversationID}).Raw()
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
	return hexes, nil
}

// Participants returns the distinct receivers holding receipts on any of
// the conversation's messages, in first-appearance order.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]store.Ref, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := bson.ObjectIDFromHex(conversationID); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ids, err := s.conversationNotificationIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "created_at", Value: 1}, bson.E{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"receiver": 1})

	cursor, err := s.receipts.Find(ctx, bson.M{"notification_id": bson.M{"$in": ids}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find receipts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		Receiver refDoc `bson:"receiver"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}

	seen := make(map[store.Ref]bool, len(docs))
	var refs []store.Ref
	for _, d := range docs {
		ref := d.Receiver.toRef()
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

// boxFilter returns the receipt filter that files a conversation under
// the given box for a receiver.
func boxFilter(receiver store.Ref, box store.Box) (bson.M, bool) {
	filter := refFilter("receiver", receiver)
	switch box {
	case store.BoxInbox:
		filter["mailbox"] = string(store.MailboxInbox)
		filter["trashed"] = false
		filter["deleted"] = false
	case store.BoxSentbox:
		filter["mailbox"] = string(store.MailboxSentbox)
		filter["trashed"] = false
		filter["deleted"] = false
	case store.BoxTrash:
		filter["trashed"] = true
		filter["deleted"] = false
	default:
		return nil, false
	}
	return filter, true
}

// conversationIDsForReceipts resolves the distinct conversation IDs of
// the notifications referenced by receipts matching the filter.
func (s *Store) conversationIDsForReceipts(ctx context.Context, receiptFilter bson.M) ([]bson.ObjectID, error) {
	ids, err := s.receipts.Distinct(ctx, "notification_id", receiptFilter).Raw()
	if err != nil {
		return nil, fmt.Errorf("distinct notification ids: %w", err)
	}
	values, err := ids.Values()
	if err != nil {
		return nil, fmt.Errorf("decode notification ids: %w", err)
	}
	nids := make([]bson.ObjectID, 0, len(values))
	for _, v := range values {
		hex, ok := v.StringValueOK()
		if !ok {
			continue
		}
		oid, err := bson.ObjectIDFromHex(hex)
		if err != nil {
			continue
		}
		nids = append(nids, oid)
	}
	if len(nids) == 0 {
		return nil, nil
	}

	cids, err := s.notifications.Distinct(ctx, "conversation_id", bson.M{
		"_id":             bson.M{"$in": nids},
		"conversation_id": bson.M{"$ne": ""},
	}).Raw()
	if err != nil {
		return nil, fmt.Errorf("distinct conversation ids: %w", err)
	}
	cvalues, err := cids.Values()
	if err != nil {
		return nil, fmt.Errorf("decode conversation ids: %w", err)
	}
	oids := make([]bson.ObjectID, 0, len(cvalues))
	for _, v := range cvalues {
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
	return oids, nil
}

// listConversationsByID pages through conversations with the given IDs,
// most recently active first.
func (s *Store) listConversationsByID(ctx context.Context, oids []bson.ObjectID, opts store.ListOptions) (*store.ConversationList, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if len(oids) == 0 {
		return &store.ConversationList{}, nil
	}

	filter := bson.M{"_id": bson.M{"$in": oids}}

	total, err := s.conversations.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "updated_at", Value: -1}, bson.E{Key: "_id", Value: 1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit + 1))

	cursor, err := s.conversations.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	hasMore := len(docs) > opts.Limit
	if hasMore {
		docs = docs[:opts.Limit]
	}

	conversations := make([]store.Conversation, len(docs))
	for i := range docs {
		conversations[i] = docs[i].toConversation()
	}

	return &store.ConversationList{
		Conversations: conversations,
		Total:         total,
		HasMore:       hasMore,
	}, nil
}

// ListConversations returns the conversations visible to receiver in the
// given box, most recently active first.
func (s *Store) ListConversations(ctx context.Context, receiver store.Ref, box store.Box, opts store.ListOptions) (*store.ConversationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}
	filter, ok := boxFilter(receiver, box)
	if !ok {
		return nil, fmt.Errorf("mongo: unknown box %q", box)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	oids, err := s.conversationIDsForReceipts(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.listConversationsByID(ctx, oids, opts)
}

// SearchConversations returns the conversations in which receiver holds
// an undeleted receipt on a message whose subject or body matches the
// search term (case-insensitive substring). Requires WithEnableRegex.
func (s *Store) SearchConversations(ctx context.Context, receiver store.Ref, query string, opts store.ListOptions) (*store.ConversationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}
	if !s.opts.enableRegex {
		return nil, ErrRegexSearchDisabled
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	receiptFilter := refFilter("receiver", receiver)
	receiptFilter["deleted"] = false

	ids, err := s.receipts.Distinct(ctx, "notification_id", receiptFilter).Raw()
	if err != nil {
		return nil, fmt.Errorf("distinct notification ids: %w", err)
	}
	values, err := ids.Values()
	if err != nil {
		return nil, fmt.Errorf("decode notification ids: %w", err)
	}
	nids := make([]bson.ObjectID, 0, len(values))
	for _, v := range values {
		hex, ok := v.StringValueOK()
		if !ok {
			continue
		}
		oid, err := bson.ObjectIDFromHex(hex)
		if err != nil {
			continue
		}
		nids = append(nids, oid)
	}
	if len(nids) == 0 {
		return &store.ConversationList{}, nil
	}

	pattern := bson.Regex{Pattern: escapeRegex(query), Options: "i"}
	cids, err := s.notifications.Distinct(ctx, "conversation_id", bson.M{
		"_id":             bson.M{"$in": nids},
		"conversation_id": bson.M{"$ne": ""},
		"$or": bson.A{
			bson.M{"subject": pattern},
			bson.M{"body": pattern},
		},
	}).Raw()
	if err != nil {
		return nil, fmt.Errorf("distinct conversation ids: %w", err)
	}
	cvalues, err := cids.Values()
	if err != nil {
		return nil, fmt.Errorf("decode conversation ids: %w", err)
	}
	oids := make([]bson.ObjectID, 0, len(cvalues))
	for _, v := range cvalues {
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

	return s.listConversationsByID(ctx, oids, opts)
}
