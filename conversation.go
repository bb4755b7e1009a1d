package parley

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/store"
)

// Conversation is a handle to a persisted conversation. Per-participant
// state (read, trashed, deleted) is derived from the receipts its
// messages carry, never stored on the conversation itself.
type Conversation struct {
	data    *store.Conversation
	service *service
}

func newConversation(c *store.Conversation, s *service) *Conversation {
	return &Conversation{data: c, service: s}
}

// ID returns the conversation ID.
func (c *Conversation) ID() string { return c.data.ID }

// Subject returns the conversation subject.
func (c *Conversation) Subject() string { return c.data.Subject }

// CreatedAt returns the creation timestamp.
func (c *Conversation) CreatedAt() time.Time { return c.data.CreatedAt }

// UpdatedAt returns the timestamp of the last message activity.
func (c *Conversation) UpdatedAt() time.Time { return c.data.UpdatedAt }

// Messages returns the conversation's messages in chronological order.
func (c *Conversation) Messages(ctx context.Context, opts ListOptions) ([]*Notification, error) {
	if err := c.service.checkAccess(); err != nil {
		return nil, err
	}
	list, err := c.service.store.FindNotifications(ctx, store.NotificationQuery{
		ConversationID: c.data.ID,
	}, c.service.listLimits(opts))
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	handles := make([]*Notification, len(list.Notifications))
	for i := range list.Notifications {
		n := list.Notifications[i]
		handles[i] = newNotification(&n, c.service)
	}
	return handles, nil
}

// Originator returns the sender of the conversation's first message.
// Returns ErrNotFound for a conversation with no messages.
func (c *Conversation) Originator(ctx context.Context) (Ref, error) {
	if err := c.service.checkAccess(); err != nil {
		return Ref{}, err
	}
	list, err := c.service.store.FindNotifications(ctx, store.NotificationQuery{
		ConversationID: c.data.ID,
	}, store.ListOptions{Limit: 1})
	if err != nil {
		return Ref{}, fmt.Errorf("find messages: %w", err)
	}
	if len(list.Notifications) == 0 {
		return Ref{}, ErrNotFound
	}
	return list.Notifications[0].Sender, nil
}

// CountMessages returns the number of messages in the conversation.
func (c *Conversation) CountMessages(ctx context.Context) (int64, error) {
	if err := c.service.checkAccess(); err != nil {
		return 0, err
	}
	list, err := c.service.store.FindNotifications(ctx, store.NotificationQuery{
		ConversationID: c.data.ID,
	}, store.ListOptions{Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("find messages: %w", err)
	}
	return list.Total, nil
}

// LastMessage returns the most recent message of the conversation.
// Returns ErrNotFound for a conversation with no messages.
func (c *Conversation) LastMessage(ctx context.Context) (*Notification, error) {
	if err := c.service.checkAccess(); err != nil {
		return nil, err
	}
	q := store.NotificationQuery{ConversationID: c.data.ID}

	// Messages are ordered oldest first; probe the total, then fetch the
	// final entry.
	probe, err := c.service.store.FindNotifications(ctx, q, store.ListOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	if probe.Total == 0 {
		return nil, ErrNotFound
	}
	last, err := c.service.store.FindNotifications(ctx, q, store.ListOptions{
		Limit:  1,
		Offset: int(probe.Total - 1),
	})
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	if len(last.Notifications) == 0 {
		return nil, ErrNotFound
	}
	n := last.Notifications[0]
	return newNotification(&n, c.service), nil
}

// Participants returns the distinct references holding receipts on any
// message of the conversation.
func (c *Conversation) Participants(ctx context.Context) ([]Ref, error) {
	if err := c.service.checkAccess(); err != nil {
		return nil, err
	}
	refs, err := c.service.store.Participants(ctx, c.data.ID)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	return refs, nil
}

// IsParticipant reports whether p holds receipts in the conversation.
func (c *Conversation) IsParticipant(ctx context.Context, p Participant) (bool, error) {
	ref := refOf(p)
	if !ref.Valid() {
		return false, nil
	}
	refs, err := c.Participants(ctx)
	if err != nil {
		return false, err
	}
	return containsRef(refs, ref), nil
}

// AddParticipant grants p access to the conversation by creating unread
// inbox receipts for every existing message, backdated to each message's
// delivery time so chronology is preserved. Adding an existing
// participant is a no-op.
func (c *Conversation) AddParticipant(ctx context.Context, p Participant) error {
	if err := c.service.checkAccess(); err != nil {
		return err
	}
	ref := refOf(p)
	if !ref.Valid() {
		return ErrInvalidParticipant
	}

	already, err := c.IsParticipant(ctx, p)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	// Walk every message and synthesize a backdated receipt batch. The
	// batch persists atomically so a new participant never sees half a
	// conversation.
	var batch []store.ReceiptData
	opts := store.ListOptions{Limit: c.service.opts.maxQueryLimit}
	for {
		list, err := c.service.store.FindNotifications(ctx, store.NotificationQuery{
			ConversationID: c.data.ID,
		}, opts)
		if err != nil {
			return fmt.Errorf("find messages: %w", err)
		}
		for _, n := range list.Notifications {
			batch = append(batch, store.ReceiptData{
				NotificationID: n.ID,
				Receiver:       ref,
				Mailbox:        store.MailboxInbox,
				IsRead:         false,
				CreatedAt:      n.CreatedAt,
				UpdatedAt:      n.CreatedAt,
			})
		}
		if !list.HasMore {
			break
		}
		opts.Offset += len(list.Notifications)
	}
	if len(batch) == 0 {
		return nil
	}

	if _, err := c.service.store.CreateReceipts(ctx, batch); err != nil {
		return fmt.Errorf("create receipts: %w", err)
	}
	return nil
}

// --- Per-participant state ---

// countFor counts p's receipts in the conversation matching the query.
func (c *Conversation) countFor(ctx context.Context, ref Ref, q store.ReceiptQuery) (int64, error) {
	q.ConversationID = c.data.ID
	q.Receiver = &ref
	return c.service.store.CountReceipts(ctx, q)
}

// IsUnread reports whether p holds at least one unread, undeleted
// receipt in the conversation. False for a nil participant.
func (c *Conversation) IsUnread(ctx context.Context, p Participant) (bool, error) {
	if err := c.service.checkAccess(); err != nil {
		return false, err
	}
	ref := refOf(p)
	if !ref.Valid() {
		return false, nil
	}
	unread, err := c.countFor(ctx, ref, store.ReceiptQuery{Read: ptrFalse, Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	return unread > 0, nil
}

// IsReadBy reports whether p has read the whole conversation: p holds
// receipts on its messages and none is unread. False for a nil
// participant or a non-participant.
func (c *Conversation) IsReadBy(ctx context.Context, p Participant) (bool, error) {
	if err := c.service.checkAccess(); err != nil {
		return false, err
	}
	ref := refOf(p)
	if !ref.Valid() {
		return false, nil
	}
	live, err := c.countFor(ctx, ref, store.ReceiptQuery{Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	if live == 0 {
		return false, nil
	}
	unread, err := c.countFor(ctx, ref, store.ReceiptQuery{Read: ptrFalse, Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	return unread == 0, nil
}

// IsTrashedFor reports whether p has trashed any part of the
// conversation: at least one undeleted receipt p holds on its messages
// is in trash. False for a nil participant.
func (c *Conversation) IsTrashedFor(ctx context.Context, p Participant) (bool, error) {
	if err := c.service.checkAccess(); err != nil {
		return false, err
	}
	ref := refOf(p)
	if !ref.Valid() {
		return false, nil
	}
	trashed, err := c.countFor(ctx, ref, store.ReceiptQuery{Trashed: ptrTrue, Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	return trashed > 0, nil
}

// IsCompletelyTrashedFor reports whether p has trashed the whole
// conversation: every undeleted receipt p holds on its messages is in
// trash. False for a nil participant or a non-participant.
func (c *Conversation) IsCompletelyTrashedFor(ctx context.Context, p Participant) (bool, error) {
	if err := c.service.checkAccess(); err != nil {
		return false, err
	}
	ref := refOf(p)
	if !ref.Valid() {
		return false, nil
	}
	live, err := c.countFor(ctx, ref, store.ReceiptQuery{Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	if live == 0 {
		return false, nil
	}
	untrashed, err := c.countFor(ctx, ref, store.ReceiptQuery{Trashed: ptrFalse, Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	return untrashed == 0, nil
}

// IsDeletedFor reports whether p has deleted the whole conversation:
// p holds receipts on its messages and every one is deleted. False for
// a nil participant or a non-participant.
func (c *Conversation) IsDeletedFor(ctx context.Context, p Participant) (bool, error) {
	if err := c.service.checkAccess(); err != nil {
		return false, err
	}
	ref := refOf(p)
	if !ref.Valid() {
		return false, nil
	}
	total, err := c.countFor(ctx, ref, store.ReceiptQuery{})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	if total == 0 {
		return false, nil
	}
	live, err := c.countFor(ctx, ref, store.ReceiptQuery{Deleted: ptrFalse})
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	return live == 0, nil
}

// applyFlags implements Markable: the messenger's participant flags
// every receipt it holds on the conversation's messages. Returns
// ErrReceiptNotFound when the participant holds none.
func (c *Conversation) applyFlags(ctx context.Context, m *messenger, flags store.Flags) error {
	if flags.IsZero() {
		return nil
	}
	recv := m.ref
	updated, err := m.service.store.UpdateReceipts(ctx, store.ReceiptQuery{
		ConversationID: c.data.ID,
		Receiver:       &recv,
	}, flags)
	if err != nil {
		return fmt.Errorf("update receipts: %w", err)
	}
	if updated == 0 {
		return ErrReceiptNotFound
	}

	if flags.Deleted != nil && *flags.Deleted {
		return m.service.reapOrphanedConversation(ctx, c.data.ID)
	}
	return nil
}

// ConversationPage is one page of a participant's conversation listing.
type ConversationPage struct {
	// Conversations holds the page, most recently active first.
	Conversations []*Conversation
	// Total is the count of conversations matching the query, not just
	// this page.
	Total int64
	// HasMore reports whether more conversations follow this page.
	HasMore bool
}

func newConversationPage(list *store.ConversationList, s *service) *ConversationPage {
	page := &ConversationPage{
		Conversations: make([]*Conversation, len(list.Conversations)),
		Total:         list.Total,
		HasMore:       list.HasMore,
	}
	for i := range list.Conversations {
		c := list.Conversations[i]
		page.Conversations[i] = newConversation(&c, s)
	}
	return page
}

// IDs returns the IDs of all conversations in this page.
func (p *ConversationPage) IDs() []string {
	ids := make([]string, len(p.Conversations))
	for i, c := range p.Conversations {
		ids[i] = c.ID()
	}
	return ids
}
