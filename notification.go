package parley

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/store"
)

// Notification is a handle to a persisted notification or conversation
// message. Shared content is immutable; all per-participant state lives
// on receipts and is queried through the participant-scoped methods.
type Notification struct {
	data    *store.Notification
	service *service
}

func newNotification(n *store.Notification, s *service) *Notification {
	return &Notification{data: n, service: s}
}

// ID returns the notification ID.
func (n *Notification) ID() string { return n.data.ID }

// Kind returns the notification kind.
func (n *Notification) Kind() Kind { return n.data.Kind }

// ConversationID returns the owning conversation ID, or "" for
// standalone notifications.
func (n *Notification) ConversationID() string { return n.data.ConversationID }

// Sender returns the sender reference, or the zero Ref for system
// notifications.
func (n *Notification) Sender() Ref { return n.data.Sender }

// Subject returns the notification subject.
func (n *Notification) Subject() string { return n.data.Subject }

// Body returns the notification body.
func (n *Notification) Body() string { return n.data.Body }

// Object returns the referenced domain object, or the zero Ref.
func (n *Notification) Object() Ref { return n.data.Object }

// Code returns the classification code, or "".
func (n *Notification) Code() string { return n.data.Code }

// IsGlobal reports whether this is a broadcast notification.
func (n *Notification) IsGlobal() bool { return n.data.Global }

// CreatedAt returns the delivery timestamp.
func (n *Notification) CreatedAt() time.Time { return n.data.CreatedAt }

// Expires returns the expiry deadline, or nil if none is set.
func (n *Notification) Expires() *time.Time { return n.data.Expires }

// IsMessage reports whether the notification belongs to a conversation.
func (n *Notification) IsMessage() bool { return n.data.IsMessage() }

// IsExpired reports whether the expiry deadline is set and in the past.
func (n *Notification) IsExpired() bool { return n.data.IsExpired() }

// Conversation returns a handle to the owning conversation.
// Returns ErrNotFound for standalone notifications.
func (n *Notification) Conversation(ctx context.Context) (*Conversation, error) {
	if !n.IsMessage() {
		return nil, ErrNotFound
	}
	return n.service.GetConversation(ctx, n.data.ConversationID)
}

// Expire marks the notification as expired in memory, effective
// immediately for this handle. The change is not persisted; calling
// Expire on an already-expired notification is a no-op. Use ExpireNow
// to persist.
func (n *Notification) Expire() {
	if n.data.IsExpired() {
		return
	}
	now := time.Now().UTC()
	n.data.Expires = &now
}

// ExpireNow expires the notification and persists the new deadline.
func (n *Notification) ExpireNow(ctx context.Context) error {
	if err := n.service.checkAccess(); err != nil {
		return err
	}
	n.Expire()
	if err := n.service.store.SetExpires(ctx, n.data.ID, *n.data.Expires); err != nil {
		return fmt.Errorf("set expires: %w", err)
	}
	return nil
}

// --- Per-participant state ---

// receiptFor fetches p's receipt for this notification.
// A nil participant never holds receipts.
func (n *Notification) receiptFor(ctx context.Context, p Participant) (*store.Receipt, error) {
	ref := refOf(p)
	if !ref.Valid() {
		return nil, store.ErrReceiptNotFound
	}
	return n.service.store.GetReceipt(ctx, n.data.ID, ref)
}

// ReceiptFor returns p's receipt for the notification. Returns
// ErrReceiptNotFound when p holds none, including a nil participant.
func (n *Notification) ReceiptFor(ctx context.Context, p Participant) (*Receipt, error) {
	if err := n.service.checkAccess(); err != nil {
		return nil, err
	}
	r, err := n.receiptFor(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return newReceipt(r, n.service), nil
}

// flagFor reads one receipt flag for p. A nil participant reports false
// without error; a valid participant holding no receipt is an explicit
// ErrReceiptNotFound, never a silent default.
func (n *Notification) flagFor(ctx context.Context, p Participant, get func(*store.Receipt) bool) (bool, error) {
	if err := n.service.checkAccess(); err != nil {
		return false, err
	}
	if !refOf(p).Valid() {
		return false, nil
	}
	r, err := n.receiptFor(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrReceiptNotFound) {
			return false, ErrReceiptNotFound
		}
		return false, fmt.Errorf("get receipt: %w", err)
	}
	return get(r), nil
}

// IsReadBy reports whether p has read the notification. Returns
// ErrReceiptNotFound when p holds no receipt for it.
func (n *Notification) IsReadBy(ctx context.Context, p Participant) (bool, error) {
	return n.flagFor(ctx, p, func(r *store.Receipt) bool { return r.IsRead })
}

// IsUnread reports whether p holds an unread receipt for the
// notification. Returns ErrReceiptNotFound when p holds no receipt.
func (n *Notification) IsUnread(ctx context.Context, p Participant) (bool, error) {
	return n.flagFor(ctx, p, func(r *store.Receipt) bool { return !r.IsRead })
}

// IsTrashedFor reports whether p has trashed the notification.
func (n *Notification) IsTrashedFor(ctx context.Context, p Participant) (bool, error) {
	return n.flagFor(ctx, p, func(r *store.Receipt) bool { return r.Trashed })
}

// IsDeletedFor reports whether p has deleted the notification.
func (n *Notification) IsDeletedFor(ctx context.Context, p Participant) (bool, error) {
	return n.flagFor(ctx, p, func(r *store.Receipt) bool { return r.Deleted })
}

// MailboxFor returns the mailbox p's receipt files the notification
// under. A nil participant gets "" without error; a valid participant
// holding no receipt gets ErrReceiptNotFound.
func (n *Notification) MailboxFor(ctx context.Context, p Participant) (Mailbox, error) {
	if err := n.service.checkAccess(); err != nil {
		return "", err
	}
	if !refOf(p).Valid() {
		return "", nil
	}
	r, err := n.receiptFor(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrReceiptNotFound) {
			return "", ErrReceiptNotFound
		}
		return "", fmt.Errorf("get receipt: %w", err)
	}
	return r.Mailbox, nil
}

// applyFlags implements Markable: the messenger's participant flags its
// own receipt for this notification. Returns ErrReceiptNotFound when the
// participant holds no receipt.
func (n *Notification) applyFlags(ctx context.Context, m *messenger, flags store.Flags) error {
	return m.service.updateReceiptFlags(ctx, n.data, m.ref, flags)
}

// updateReceiptFlags applies flags to the single receipt (notification,
// receiver), publishes the ReceiptRead event on reads, and runs the
// orphan check on deletes.
func (s *service) updateReceiptFlags(ctx context.Context, n *store.Notification, receiver Ref, flags store.Flags) error {
	if flags.IsZero() {
		return nil
	}

	// Existence first so a missing receipt surfaces as ErrReceiptNotFound
	// rather than a silent zero-row update.
	if _, err := s.store.GetReceipt(ctx, n.ID, receiver); err != nil {
		if errors.Is(err, store.ErrReceiptNotFound) {
			return ErrReceiptNotFound
		}
		return fmt.Errorf("get receipt: %w", err)
	}

	recv := receiver
	if _, err := s.store.UpdateReceipts(ctx, store.ReceiptQuery{
		NotificationID: n.ID,
		Receiver:       &recv,
	}, flags); err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}

	if flags.Read != nil && *flags.Read {
		if err := s.publishReceiptRead(ctx, n.ID, receiver); err != nil {
			return err
		}
	}

	if flags.Deleted != nil && *flags.Deleted {
		return s.reapOrphans(ctx, n)
	}
	return nil
}

// reapOrphans hard-deletes a conversation (or standalone notification)
// once every receipt on it has been deleted by its holder.
func (s *service) reapOrphans(ctx context.Context, n *store.Notification) error {
	if n.IsMessage() {
		return s.reapOrphanedConversation(ctx, n.ConversationID)
	}

	live, err := s.store.CountReceipts(ctx, store.ReceiptQuery{
		NotificationID: n.ID,
		Deleted:        ptrFalse,
	})
	if err != nil {
		return fmt.Errorf("count receipts: %w", err)
	}
	if live > 0 {
		return nil
	}
	if err := s.store.DeleteNotification(ctx, n.ID); err != nil {
		return fmt.Errorf("delete orphaned notification: %w", err)
	}
	s.logger.Debug("deleted orphaned notification", "notification_id", n.ID)
	return nil
}

// reapOrphanedConversation hard-deletes the conversation when no
// undeleted receipt remains on any of its messages.
func (s *service) reapOrphanedConversation(ctx context.Context, conversationID string) error {
	live, err := s.store.CountReceipts(ctx, store.ReceiptQuery{
		ConversationID: conversationID,
		Deleted:        ptrFalse,
	})
	if err != nil {
		return fmt.Errorf("count receipts: %w", err)
	}
	if live > 0 {
		return nil
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // already gone
		}
		return fmt.Errorf("get conversation: %w", err)
	}

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete orphaned conversation: %w", err)
	}
	s.logger.Debug("deleted orphaned conversation", "conversation_id", conversationID)

	return s.publishConversationDeleted(ctx, conv)
}
