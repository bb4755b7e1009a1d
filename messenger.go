package parley

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/store"
)

// Markable is anything a messenger can flag on behalf of its
// participant: a single receipt, a notification (the participant's
// receipt for it), or a whole conversation (every receipt the
// participant holds on its messages).
//
// Dispatch is by interface satisfaction: each handle type carries its
// own flag application, so no runtime type inspection is needed.
type Markable interface {
	applyFlags(ctx context.Context, m *messenger, flags store.Flags) error
}

// MessageSender provides delivery operations for a participant.
type MessageSender interface {
	// SendMessage starts a new conversation with the given recipients.
	// The sender receives a pre-read sentbox receipt; every recipient
	// receives an unread inbox receipt.
	SendMessage(ctx context.Context, recipients []Participant, subject, body string, opts ...SendOption) (*Notification, error)
	// Reply appends a message to an existing conversation, addressed to
	// an explicit recipient list rather than every participant.
	Reply(ctx context.Context, conversationID string, recipients []Participant, body string, opts ...SendOption) (*Notification, error)
	// ReplyToConversation appends a message to an existing conversation,
	// addressed to every other participant. Replying restores the
	// conversation out of the recipients' trash unless KeepTrashed is set.
	ReplyToConversation(ctx context.Context, conversationID, body string, opts ...SendOption) (*Notification, error)
	// ReplyToSender replies to the sender of the given message only.
	ReplyToSender(ctx context.Context, n *Notification, body string, opts ...SendOption) (*Notification, error)
	// ReplyToAll replies to every participant of the message's
	// conversation.
	ReplyToAll(ctx context.Context, n *Notification, body string, opts ...SendOption) (*Notification, error)
}

// Marker provides receipt flag operations for a participant. All
// operations apply to the participant's own receipts and are no-ops for
// a messenger without a participant.
type Marker interface {
	MarkRead(ctx context.Context, objs ...Markable) error
	MarkUnread(ctx context.Context, objs ...Markable) error
	Trash(ctx context.Context, objs ...Markable) error
	Untrash(ctx context.Context, objs ...Markable) error
	// Delete soft-deletes the participant's receipts. Deleting the last
	// live receipt of a conversation orphans it and hard-deletes the
	// conversation with all its messages and receipts.
	Delete(ctx context.Context, objs ...Markable) error
	Undelete(ctx context.Context, objs ...Markable) error
}

// BoxReader provides per-participant box queries.
type BoxReader interface {
	// Conversations lists the conversations visible in the given box,
	// most recently active first.
	Conversations(ctx context.Context, box Box, opts ListOptions) (*ConversationPage, error)
	// SearchConversations finds conversations containing a message whose
	// subject or body matches the term, among messages the participant
	// holds a live receipt for.
	SearchConversations(ctx context.Context, term string, opts ListOptions) (*ConversationPage, error)
	// Notifications lists the notifications the participant holds a
	// receipt for, oldest first.
	Notifications(ctx context.Context, opts ListOptions) ([]*Notification, error)
	// UnreadCount returns the number of unread, undeleted receipts held
	// by the participant.
	UnreadCount(ctx context.Context) (int64, error)
	// Receipt returns the participant's receipt for the given
	// notification. Returns ErrReceiptNotFound if none exists.
	Receipt(ctx context.Context, notificationID string) (*Receipt, error)
}

// Messenger is the per-participant client surface. All operations are
// scoped to the bound participant's receipts; participants never affect
// each other's view of shared messages.
type Messenger interface {
	// Participant returns the bound participant, or nil.
	Participant() Participant
	// Ref returns the bound participant's reference, or the zero Ref.
	Ref() Ref

	MessageSender
	Marker
	BoxReader
}

// messenger is the default implementation of Messenger.
type messenger struct {
	participant Participant
	ref         Ref
	service     *service
}

// Participant returns the bound participant.
func (m *messenger) Participant() Participant {
	return m.participant
}

// Ref returns the bound participant's reference.
func (m *messenger) Ref() Ref {
	return m.ref
}

// checkAccess verifies the messenger is ready for operations.
// Returns ErrNotConnected if the service isn't connected, or
// ErrInvalidParticipant if no valid participant is bound.
func (m *messenger) checkAccess() error {
	if err := m.service.checkAccess(); err != nil {
		return err
	}
	if !m.ref.Valid() {
		return ErrInvalidParticipant
	}
	return nil
}

// --- Sending ---

// SendMessage starts a new conversation with the given recipients.
func (m *messenger) SendMessage(ctx context.Context, recipients []Participant, subject, body string, opts ...SendOption) (*Notification, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	return m.service.deliver(ctx, delivery{
		kind:       store.KindMessage,
		sender:     m.participant,
		recipients: recipients,
		subject:    subject,
		body:       body,
	}, opts...)
}

// Reply appends a message to an existing conversation, addressed to an
// explicit recipient list. The messenger must hold a receipt in the
// conversation; replying to a conversation one never took part in is
// rejected.
func (m *messenger) Reply(ctx context.Context, conversationID string, recipients []Participant, body string, opts ...SendOption) (*Notification, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	conv, err := m.service.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	participants, err := m.service.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	if !containsRef(participants, m.ref) {
		return nil, ErrReceiptNotFound
	}

	return m.service.deliver(ctx, delivery{
		kind:         store.KindMessage,
		conversation: conv,
		sender:       m.participant,
		recipients:   recipients,
		subject:      conv.Subject,
		body:         body,
		untrash:      true,
	}, opts...)
}

// ReplyToConversation appends a message to an existing conversation.
// The messenger must hold a receipt in the conversation; replying to a
// conversation one never took part in is rejected.
func (m *messenger) ReplyToConversation(ctx context.Context, conversationID, body string, opts ...SendOption) (*Notification, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	conv, err := m.service.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	participants, err := m.service.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	if !containsRef(participants, m.ref) {
		return nil, ErrReceiptNotFound
	}

	// Every other participant gets the reply. Resolution is best-effort
	// per kind; refs without a registered resolver are skipped.
	others := make([]Ref, 0, len(participants))
	for _, ref := range participants {
		if !ref.Equal(m.ref) {
			others = append(others, ref)
		}
	}
	recipients := m.service.resolvers.resolveAll(ctx, others)
	if len(recipients) == 0 {
		return nil, ErrParticipantNotFound
	}

	return m.service.deliver(ctx, delivery{
		kind:         store.KindMessage,
		conversation: conv,
		sender:       m.participant,
		recipients:   recipients,
		subject:      conv.Subject,
		body:         body,
		untrash:      true,
	}, opts...)
}

// ReplyToSender replies to the sender of the given message only.
func (m *messenger) ReplyToSender(ctx context.Context, n *Notification, body string, opts ...SendOption) (*Notification, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if n == nil || !n.IsMessage() {
		return nil, ErrInvalidNotification
	}
	if !n.Sender().Valid() {
		return nil, ErrParticipantNotFound
	}

	sender, err := m.service.resolvers.resolve(ctx, n.Sender())
	if err != nil {
		return nil, err
	}

	conv, err := m.service.store.GetConversation(ctx, n.ConversationID())
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return m.service.deliver(ctx, delivery{
		kind:         store.KindMessage,
		conversation: conv,
		sender:       m.participant,
		recipients:   []Participant{sender},
		subject:      conv.Subject,
		body:         body,
		untrash:      true,
	}, opts...)
}

// ReplyToAll replies to every participant of the message's conversation.
func (m *messenger) ReplyToAll(ctx context.Context, n *Notification, body string, opts ...SendOption) (*Notification, error) {
	if n == nil || !n.IsMessage() {
		return nil, ErrInvalidNotification
	}
	return m.ReplyToConversation(ctx, n.ConversationID(), body, opts...)
}

// --- Marking ---

// markWithOTel wraps a flag application with instrumentation. Objects
// are marked in order; the first failure stops the batch.
func (m *messenger) markWithOTel(ctx context.Context, op string, objs []Markable, flags store.Flags) error {
	if err := m.service.checkAccess(); err != nil {
		return err
	}
	// A messenger without a participant silently marks nothing.
	if len(objs) == 0 || !m.ref.Valid() {
		return nil
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "parley.update",
		attribute.String("operation", op),
		attribute.String("receiver", m.ref.String()),
	)
	start := time.Now()
	var markErr error
	defer func() {
		endSpan(markErr)
		m.service.otel.recordUpdate(ctx, time.Since(start), op, markErr)
	}()

	for _, obj := range objs {
		if obj == nil {
			continue
		}
		if markErr = obj.applyFlags(ctx, m, flags); markErr != nil {
			return markErr
		}
	}
	return nil
}

// MarkRead marks the participant's receipts on objs as read.
func (m *messenger) MarkRead(ctx context.Context, objs ...Markable) error {
	return m.markWithOTel(ctx, "mark_read", objs, store.MarkRead())
}

// MarkUnread marks the participant's receipts on objs as unread.
func (m *messenger) MarkUnread(ctx context.Context, objs ...Markable) error {
	return m.markWithOTel(ctx, "mark_unread", objs, store.MarkUnread())
}

// Trash moves the participant's receipts on objs to trash.
func (m *messenger) Trash(ctx context.Context, objs ...Markable) error {
	return m.markWithOTel(ctx, "trash", objs, store.MoveToTrash())
}

// Untrash restores the participant's receipts on objs from trash.
func (m *messenger) Untrash(ctx context.Context, objs ...Markable) error {
	return m.markWithOTel(ctx, "untrash", objs, store.Untrash())
}

// Delete soft-deletes the participant's receipts on objs. When this
// leaves a conversation with no undeleted receipts at all, the orphaned
// conversation is hard-deleted along with its messages and receipts.
func (m *messenger) Delete(ctx context.Context, objs ...Markable) error {
	return m.markWithOTel(ctx, "delete", objs, store.MarkDeleted())
}

// Undelete restores the participant's soft-deleted receipts on objs.
func (m *messenger) Undelete(ctx context.Context, objs ...Markable) error {
	return m.markWithOTel(ctx, "undelete", objs, store.MarkUndeleted())
}

// --- Queries ---

// listLimits applies the configured default and maximum query limits.
func (s *service) listLimits(opts ListOptions) ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = s.opts.defaultQueryLimit
	}
	if opts.Limit > s.opts.maxQueryLimit {
		opts.Limit = s.opts.maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

// Conversations lists the conversations visible in the given box.
func (m *messenger) Conversations(ctx context.Context, box Box, opts ListOptions) (*ConversationPage, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "parley.list",
		attribute.String("receiver", m.ref.String()),
		attribute.String("box", string(box)),
	)
	start := time.Now()
	var listErr error
	var resultCount int
	defer func() {
		endSpan(listErr)
		m.service.otel.recordList(ctx, time.Since(start), string(box), resultCount, listErr)
	}()

	list, err := m.service.store.ListConversations(ctx, m.ref, box, m.service.listLimits(opts))
	if err != nil {
		listErr = err
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	resultCount = len(list.Conversations)

	return newConversationPage(list, m.service), nil
}

// SearchConversations finds conversations matching the term.
func (m *messenger) SearchConversations(ctx context.Context, term string, opts ListOptions) (*ConversationPage, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "parley.search",
		attribute.String("receiver", m.ref.String()),
	)
	start := time.Now()
	var searchErr error
	var resultCount int
	defer func() {
		endSpan(searchErr)
		m.service.otel.recordSearch(ctx, time.Since(start), resultCount, searchErr)
	}()

	list, err := m.service.store.SearchConversations(ctx, m.ref, term, m.service.listLimits(opts))
	if err != nil {
		searchErr = err
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	resultCount = len(list.Conversations)

	return newConversationPage(list, m.service), nil
}

// Notifications lists the notifications the participant holds a receipt
// for, oldest first.
func (m *messenger) Notifications(ctx context.Context, opts ListOptions) ([]*Notification, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := m.service.otel.startSpan(ctx, "parley.list",
		attribute.String("receiver", m.ref.String()),
		attribute.String("box", "notifications"),
	)
	start := time.Now()
	var listErr error
	var resultCount int
	defer func() {
		endSpan(listErr)
		m.service.otel.recordList(ctx, time.Since(start), "notifications", resultCount, listErr)
	}()

	receiver := m.ref
	list, err := m.service.store.FindNotifications(ctx, store.NotificationQuery{
		Receiver: &receiver,
	}, m.service.listLimits(opts))
	if err != nil {
		listErr = err
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	resultCount = len(list.Notifications)

	handles := make([]*Notification, len(list.Notifications))
	for i := range list.Notifications {
		n := list.Notifications[i]
		handles[i] = newNotification(&n, m.service)
	}
	return handles, nil
}

// UnreadCount returns the number of unread, undeleted receipts held by
// the participant.
func (m *messenger) UnreadCount(ctx context.Context) (int64, error) {
	if err := m.checkAccess(); err != nil {
		return 0, err
	}
	receiver := m.ref
	count, err := m.service.store.CountReceipts(ctx, store.ReceiptQuery{
		Receiver: &receiver,
		Read:     ptrFalse,
		Deleted:  ptrFalse,
	})
	if err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return count, nil
}

// Receipt returns the participant's receipt for the given notification.
func (m *messenger) Receipt(ctx context.Context, notificationID string) (*Receipt, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	r, err := m.service.store.GetReceipt(ctx, notificationID, m.ref)
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return newReceipt(r, m.service), nil
}

// containsRef reports whether refs contains target.
func containsRef(refs []Ref, target Ref) bool {
	for _, r := range refs {
		if r.Equal(target) {
			return true
		}
	}
	return false
}

// Pre-allocated boolean pointers for query construction.
var (
	ptrTrue  = boolPtr(true)
	ptrFalse = boolPtr(false)
)

func boolPtr(b bool) *bool { return &b }
