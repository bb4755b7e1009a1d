// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*store.Conversation
	notifications map[string]*notificationRec
	receipts      map[string]*receiptRec
	seq           int64
	connected     int32
}

// notificationRec carries an insertion sequence number used as the stable
// tiebreak for equal creation timestamps.
type notificationRec struct {
	store.Notification
	seq int64
}

type receiptRec struct {
	store.Receipt
	seq int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*store.Conversation),
		notifications: make(map[string]*notificationRec),
		receipts:      make(map[string]*receiptRec),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

// =============================================================================
// Notification Operations
// =============================================================================

// Deliver atomically persists a notification together with its receipts.
func (s *Store) Deliver(ctx context.Context, data store.NotificationData, receipts []store.ReceiptData) (*store.Notification, []store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole receipt batch before touching any state.
	seen := make(map[string]bool, len(receipts))
	for _, r := range receipts {
		if !r.Receiver.Valid() {
			return nil, nil, store.ErrInvalidRef
		}
		if seen[r.Receiver.String()] {
			return nil, nil, store.ErrDuplicateEntry
		}
		seen[r.Receiver.String()] = true
	}

	now := time.Now().UTC()
	n := &notificationRec{
		Notification: store.Notification{
			ID:             uuid.New().String(),
			Kind:           data.Kind,
			ConversationID: data.ConversationID,
			Sender:         data.Sender,
			Subject:        data.Subject,
			Body:           data.Body,
			Object:         data.Object,
			Code:           data.Code,
			Global:         data.Global,
			Expires:        data.Expires,
			CreatedAt:      now,
		},
		seq: s.nextSeq(),
	}
	if !data.CreatedAt.IsZero() {
		n.CreatedAt = data.CreatedAt.UTC()
	}
	s.notifications[n.ID] = n

	created := make([]store.Receipt, 0, len(receipts))
	for _, rd := range receipts {
		rec := s.insertReceipt(n.ID, rd, now)
		created = append(created, rec.Receipt)
	}

	notif := n.Notification
	return &notif, created, nil
}

// insertReceipt stores a single receipt. Caller holds the lock and has
// validated the data.
func (s *Store) insertReceipt(notificationID string, rd store.ReceiptData, now time.Time) *receiptRec {
	rec := &receiptRec{
		Receipt: store.Receipt{
			ID:             uuid.New().String(),
			NotificationID: notificationID,
			Receiver:       rd.Receiver,
			Mailbox:        rd.Mailbox,
			IsRead:         rd.IsRead,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		seq: s.nextSeq(),
	}
	if !rd.CreatedAt.IsZero() {
		rec.CreatedAt = rd.CreatedAt.UTC()
	}
	if !rd.UpdatedAt.IsZero() {
		rec.UpdatedAt = rd.UpdatedAt.UTC()
	}
	s.receipts[rec.ID] = rec
	return rec
}

// GetNotification retrieves a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id string) (*store.Notification, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	notif := n.Notification
	return &notif, nil
}

// FindNotifications retrieves notifications matching the query in
// chronological order.
func (s *Store) FindNotifications(ctx context.Context, q store.NotificationQuery, opts store.ListOptions) (*store.NotificationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*notificationRec
	for _, n := range s.notifications {
		if s.matchNotification(n, q) {
			matched = append(matched, n)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})

	total := int64(len(matched))
	matched = paginate(matched, opts)

	list := &store.NotificationList{
		Notifications: make([]store.Notification, len(matched)),
		Total:         total,
		HasMore:       int64(opts.Offset+len(matched)) < total,
	}
	for i, n := range matched {
		list.Notifications[i] = n.Notification
	}
	return list, nil
}

// matchNotification checks a notification against a query.
// Caller holds at least a read lock.
func (s *Store) matchNotification(n *notificationRec, q store.NotificationQuery) bool {
	if q.ConversationID != "" && n.ConversationID != q.ConversationID {
		return false
	}
	if q.Sender != nil && !n.Sender.Equal(*q.Sender) {
		return false
	}
	if q.Code != "" && n.Code != q.Code {
		return false
	}
	if q.Object != nil && !n.Object.Equal(*q.Object) {
		return false
	}
	if q.Global != nil && n.Global != *q.Global {
		return false
	}
	if q.Receiver != nil {
		held := false
		for _, r := range s.receipts {
			if r.NotificationID == n.ID && r.Receiver.Equal(*q.Receiver) {
				held = true
				break
			}
		}
		if !held {
			return false
		}
	}
	return true
}

// SetExpires persists the expiry timestamp of a notification.
func (s *Store) SetExpires(ctx context.Context, id string, expires time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	e := expires.UTC()
	n.Expires = &e
	return nil
}

// DeleteNotification removes a notification and cascades to its receipts.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[id]; !ok {
		return store.ErrNotFound
	}
	s.deleteNotificationLocked(id)
	return nil
}

func (s *Store) deleteNotificationLocked(id string) {
	delete(s.notifications, id)
	for rid, r := range s.receipts {
		if r.NotificationID == id {
			delete(s.receipts, rid)
		}
	}
}

// =============================================================================
// Receipt Operations
// =============================================================================

// GetReceipt retrieves the single receipt held by receiver for a notification.
func (s *Store) GetReceipt(ctx context.Context, notificationID string, receiver store.Ref) (*store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if notificationID == "" {
		return nil, store.ErrInvalidID
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.receipts {
		if r.NotificationID == notificationID && r.Receiver.Equal(receiver) {
			receipt := r.Receipt
			return &receipt, nil
		}
	}
	return nil, store.ErrReceiptNotFound
}

// CreateReceipts atomically persists a batch of receipts.
func (s *Store) CreateReceipts(ctx context.Context, data []store.ReceiptData) ([]store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before inserting anything.
	for _, rd := range data {
		if rd.NotificationID == "" {
			return nil, store.ErrInvalidID
		}
		if !rd.Receiver.Valid() {
			return nil, store.ErrInvalidRef
		}
		if _, ok := s.notifications[rd.NotificationID]; !ok {
			return nil, store.ErrNotFound
		}
		for _, r := range s.receipts {
			if r.NotificationID == rd.NotificationID && r.Receiver.Equal(rd.Receiver) {
				return nil, store.ErrDuplicateEntry
			}
		}
	}

	now := time.Now().UTC()
	created := make([]store.Receipt, 0, len(data))
	for _, rd := range data {
		rec := s.insertReceipt(rd.NotificationID, rd, now)
		created = append(created, rec.Receipt)
	}
	return created, nil
}

// FindReceipts retrieves receipts matching the query in chronological order.
func (s *Store) FindReceipts(ctx context.Context, q store.ReceiptQuery, opts store.ListOptions) ([]store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*receiptRec
	for _, r := range s.receipts {
		if s.matchReceipt(r, q) {
			matched = append(matched, r)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})

	matched = paginate(matched, opts)
	receipts := make([]store.Receipt, len(matched))
	for i, r := range matched {
		receipts[i] = r.Receipt
	}
	return receipts, nil
}

// matchReceipt checks a receipt against a query. Caller holds at least a
// read lock.
func (s *Store) matchReceipt(r *receiptRec, q store.ReceiptQuery) bool {
	if q.NotificationID != "" && r.NotificationID != q.NotificationID {
		return false
	}
	if q.ConversationID != "" {
		n, ok := s.notifications[r.NotificationID]
		if !ok || n.ConversationID != q.ConversationID {
			return false
		}
	}
	if q.Receiver != nil && !r.Receiver.Equal(*q.Receiver) {
		return false
	}
	if q.Mailbox != "" && r.Mailbox != q.Mailbox {
		return false
	}
	if q.Read != nil && r.IsRead != *q.Read {
		return false
	}
	if q.Trashed != nil && r.Trashed != *q.Trashed {
		return false
	}
	if q.Deleted != nil && r.Deleted != *q.Deleted {
		return false
	}
	return true
}

// CountReceipts returns the count of receipts matching the query.
func (s *Store) CountReceipts(ctx context.Context, q store.ReceiptQuery) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, r := range s.receipts {
		if s.matchReceipt(r, q) {
			count++
		}
	}
	return count, nil
}

// UpdateReceipts applies flag changes to every receipt matching the query.
func (s *Store) UpdateReceipts(ctx context.Context, q store.ReceiptQuery, flags store.Flags) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if flags.IsZero() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var updated int64
	for _, r := range s.receipts {
		if !s.matchReceipt(r, q) {
			continue
		}
		if flags.Read != nil {
			r.IsRead = *flags.Read
		}
		if flags.Trashed != nil {
			r.Trashed = *flags.Trashed
		}
		if flags.Deleted != nil {
			r.Deleted = *flags.Deleted
		}
		r.UpdatedAt = now
		updated++
	}
	return updated, nil
}

// =============================================================================
// Conversation Operations
// =============================================================================

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(ctx context.Context, data store.ConversationData) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c := &store.Conversation{
		ID:        uuid.New().String(),
		Subject:   data.Subject,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !data.CreatedAt.IsZero() {
		c.CreatedAt = data.CreatedAt.UTC()
		c.UpdatedAt = c.CreatedAt
	}
	s.conversations[c.ID] = c

	conv := *c
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	conv := *c
	return &conv, nil
}

// TouchConversation updates the conversation's UpdatedAt timestamp.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	// Monotonic: a backdated message never moves the conversation down
	// the participants' boxes.
	if at := at.UTC(); at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

// DeleteConversation removes a conversation, its messages, and their receipts.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	for nid, n := range s.notifications {
		if n.ConversationID == id {
			s.deleteNotificationLocked(nid)
		}
	}
	return nil
}

// Participants returns the distinct receivers holding receipts on any of
// the conversation's messages.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]store.Ref, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var order []*receiptRec
	for _, r := range s.receipts {
		n, ok := s.notifications[r.NotificationID]
		if !ok || n.ConversationID != conversationID {
			continue
		}
		if !seen[r.Receiver.String()] {
			seen[r.Receiver.String()] = true
			order = append(order, r)
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i].seq < order[j].seq })
	refs := make([]store.Ref, len(order))
	for i, r := range order {
		refs[i] = r.Receiver
	}
	return refs, nil
}

// ListConversations returns conversations visible to receiver in the given box.
func (s *Store) ListConversations(ctx context.Context, receiver store.Ref, box store.Box, opts store.ListOptions) (*store.ConversationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*store.Conversation
	for id, c := range s.conversations {
		if s.inBox(id, receiver, box) {
			matched = append(matched, c)
		}
	}
	return s.conversationPage(matched, opts), nil
}

// inBox reports whether the conversation appears in the receiver's box.
// Caller holds at least a read lock.
func (s *Store) inBox(conversationID string, receiver store.Ref, box store.Box) bool {
	for _, r := range s.receipts {
		if !r.Receiver.Equal(receiver) {
			continue
		}
		n, ok := s.notifications[r.NotificationID]
		if !ok || n.ConversationID != conversationID {
			continue
		}
		switch box {
		case store.BoxInbox:
			if r.Mailbox == store.MailboxInbox && !r.Trashed && !r.Deleted {
				return true
			}
		case store.BoxSentbox:
			if r.Mailbox == store.MailboxSentbox && !r.Trashed && !r.Deleted {
				return true
			}
		case store.BoxTrash:
			if r.Trashed && !r.Deleted {
				return true
			}
		}
	}
	return false
}

// SearchConversations returns conversations whose messages match the term
// among those the receiver holds receipts for.
func (s *Store) SearchConversations(ctx context.Context, receiver store.Ref, query string, opts store.ListOptions) (*store.ConversationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	term := strings.ToLower(query)
	seen := make(map[string]bool)
	var matched []*store.Conversation
	for _, r := range s.receipts {
		if !r.Receiver.Equal(receiver) || r.Deleted {
			continue
		}
		n, ok := s.notifications[r.NotificationID]
		if !ok || n.ConversationID == "" || seen[n.ConversationID] {
			continue
		}
		if !strings.Contains(strings.ToLower(n.Subject), term) &&
			!strings.Contains(strings.ToLower(n.Body), term) {
			continue
		}
		if c, ok := s.conversations[n.ConversationID]; ok {
			seen[n.ConversationID] = true
			matched = append(matched, c)
		}
	}
	return s.conversationPage(matched, opts), nil
}

// conversationPage sorts by UpdatedAt descending and paginates.
// Caller holds at least a read lock.
func (s *Store) conversationPage(matched []*store.Conversation, opts store.ListOptions) *store.ConversationList {
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := int64(len(matched))
	matched = paginate(matched, opts)

	list := &store.ConversationList{
		Conversations: make([]store.Conversation, len(matched)),
		Total:         total,
		HasMore:       int64(opts.Offset+len(matched)) < total,
	}
	for i, c := range matched {
		list.Conversations[i] = *c
	}
	return list
}

// =============================================================================
// Maintenance Operations
// =============================================================================

// DeleteExpiredNotifications removes notifications expired before cutoff.
func (s *Store) DeleteExpiredNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, n := range s.notifications {
		if n.Expires != nil && n.Expires.Before(cutoff) {
			s.deleteNotificationLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

// paginate applies offset/limit to a slice.
func paginate[T any](items []T, opts store.ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
