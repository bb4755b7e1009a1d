package parley

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/store"
)

// sendConfig holds per-delivery settings.
type sendConfig struct {
	sentAt      time.Time
	sanitize    bool
	sendEmail   bool
	code        string
	object      Ref
	global      bool
	expires     *time.Time
	keepTrashed bool
}

func newSendConfig(opts ...SendOption) *sendConfig {
	cfg := &sendConfig{
		sanitize:  true,
		sendEmail: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// SendOption configures a single delivery.
type SendOption func(*sendConfig)

// SentAt overrides the delivery timestamp. Useful for imports and
// migrations. Default is the current time.
func SentAt(at time.Time) SendOption {
	return func(c *sendConfig) {
		if !at.IsZero() {
			c.sentAt = at
		}
	}
}

// Sanitize controls whether the body is sanitized. The subject is always
// sanitized. Default is true.
func Sanitize(enabled bool) SendOption {
	return func(c *sendConfig) {
		c.sanitize = enabled
	}
}

// SendEmail controls whether external mail is dispatched for this
// delivery. Mail is only sent when enabled both here and globally via
// WithEmailEnabled. Default is true.
func SendEmail(enabled bool) SendOption {
	return func(c *sendConfig) {
		c.sendEmail = enabled
	}
}

// WithCode tags the notification with a classification code.
func WithCode(code string) SendOption {
	return func(c *sendConfig) {
		c.code = code
	}
}

// WithObject attaches a reference to the domain object the notification
// concerns.
func WithObject(object Ref) SendOption {
	return func(c *sendConfig) {
		c.object = object
	}
}

// Global marks the notification as a broadcast visible to all
// participants rather than a targeted delivery.
func Global(global bool) SendOption {
	return func(c *sendConfig) {
		c.global = global
	}
}

// ExpiresAt sets the expiry deadline of the notification.
func ExpiresAt(at time.Time) SendOption {
	return func(c *sendConfig) {
		if !at.IsZero() {
			c.expires = &at
		}
	}
}

// KeepTrashed prevents a reply from restoring the conversation. By
// default replying untrashes and un-deletes the conversation for the
// replier and pulls it out of every recipient's trash so the new
// message is visible in their inbox.
func KeepTrashed() SendOption {
	return func(c *sendConfig) {
		c.keepTrashed = true
	}
}

// delivery describes one notification fan-out before persistence.
type delivery struct {
	kind         store.Kind
	conversation *store.Conversation // nil for standalone notifications or new conversations
	sender       Participant         // nil for system notifications
	recipients   []Participant
	subject      string
	body         string
	// untrash restores the conversation for the replier (trash and
	// soft-delete cleared) and pulls it out of recipients' trash after a
	// successful reply (unless KeepTrashed is set).
	untrash bool
}

// deliver runs the delivery pipeline: validate everything, persist the
// notification and the whole receipt batch atomically, then fan out
// events and external mail.
func (s *service) deliver(ctx context.Context, d delivery, opts ...SendOption) (*Notification, error) {
	cfg := newSendConfig(opts...)
	senderRef := refOf(d.sender)

	// Deduplicate before validation so the recipient count check reflects
	// the number of unique recipients. The sender never receives an inbox
	// receipt for its own message.
	recipients := dedupeParticipants(d.recipients, senderRef)

	limits := s.opts.getLimits()
	if err := ValidateRecipients(recipients, limits); err != nil {
		return nil, err
	}

	// Sanitize the subject unconditionally, the body on request.
	subject := s.sanitizer.Sanitize(d.subject)
	body := d.body
	if cfg.sanitize {
		body = s.sanitizer.Sanitize(body)
	}
	if err := ValidateSubject(subject, limits); err != nil {
		return nil, err
	}
	if err := ValidateBody(body, limits); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "parley.deliver",
		attribute.String("kind", string(d.kind)),
		attribute.Int("recipient_count", len(recipients)),
	)
	start := time.Now()
	var deliverErr error
	defer func() {
		endSpan(deliverErr)
		s.otel.recordDeliver(ctx, time.Since(start), len(recipients), deliverErr)
	}()

	if err := s.deliverSem.Acquire(ctx, 1); err != nil {
		deliverErr = err
		return nil, deliverErr
	}
	defer s.deliverSem.Release(1)

	sentAt := cfg.sentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	receiverRefs := make([]Ref, len(recipients))
	for i, p := range recipients {
		receiverRefs[i] = p.Ref()
	}

	data := store.NotificationData{
		Kind:      d.kind,
		Sender:    senderRef,
		Subject:   subject,
		Body:      body,
		Object:    cfg.object,
		Code:      cfg.code,
		Global:    cfg.global,
		Expires:   cfg.expires,
		CreatedAt: sentAt,
	}

	if err := s.plugins.beforeDeliver(ctx, senderRef, data, receiverRefs); err != nil {
		deliverErr = err
		return nil, deliverErr
	}

	// Messages live in a conversation; create one unless replying.
	conv := d.conversation
	if d.kind == store.KindMessage && conv == nil {
		created, err := s.store.CreateConversation(ctx, store.ConversationData{
			Subject:   subject,
			CreatedAt: sentAt,
		})
		if err != nil {
			deliverErr = err
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conv = created
	}
	if conv != nil {
		data.ConversationID = conv.ID
	}

	// Synthesize the whole receipt batch up front: one unread inbox
	// receipt per recipient, plus a pre-read sentbox receipt for the
	// sender of a conversation message.
	receipts := make([]store.ReceiptData, 0, len(recipients)+1)
	for _, p := range recipients {
		receipts = append(receipts, store.ReceiptData{
			Receiver:  p.Ref(),
			Mailbox:   store.MailboxInbox,
			IsRead:    false,
			CreatedAt: sentAt,
			UpdatedAt: sentAt,
		})
	}
	if d.kind == store.KindMessage && senderRef.Valid() {
		receipts = append(receipts, store.ReceiptData{
			Receiver:  senderRef,
			Mailbox:   store.MailboxSentbox,
			IsRead:    true,
			CreatedAt: sentAt,
			UpdatedAt: sentAt,
		})
	}

	// Validate the batch as a whole before touching storage. A single
	// invalid receipt rejects the entire delivery; nothing is persisted
	// and the failed batch is surfaced for inspection.
	failed := make(map[Ref]error)
	for _, r := range receipts {
		if !r.Receiver.Valid() {
			failed[r.Receiver] = store.ErrInvalidRef
		}
	}
	if len(failed) > 0 {
		deliverErr = &DeliveryError{Failed: failed, Receipts: receipts}
		return nil, deliverErr
	}

	n, saved, err := s.store.Deliver(ctx, data, receipts)
	if err != nil {
		deliverErr = err
		return nil, fmt.Errorf("deliver notification: %w", err)
	}

	// A new message bumps the conversation's activity timestamp so it
	// sorts to the top of every participant's box.
	if conv != nil {
		if err := s.store.TouchConversation(ctx, conv.ID, sentAt); err != nil {
			s.logger.Warn("failed to touch conversation after delivery",
				"conversation_id", conv.ID, "error", err)
		}
	}

	// Replying restores the conversation for the replier: its receipts
	// come back out of trash and soft-delete so the thread reappears in
	// the replier's boxes. Recipients are pulled out of trash too so the
	// new message is visible again.
	if d.untrash && conv != nil && !cfg.keepTrashed {
		if senderRef.Valid() {
			sender := senderRef
			if _, err := s.store.UpdateReceipts(ctx, store.ReceiptQuery{
				ConversationID: conv.ID,
				Receiver:       &sender,
			}, store.Untrash().WithDeleted(false)); err != nil {
				s.logger.Warn("failed to restore conversation for replier",
					"conversation_id", conv.ID, "receiver", senderRef.String(), "error", err)
			}
		}
		for _, ref := range receiverRefs {
			receiver := ref
			if _, err := s.store.UpdateReceipts(ctx, store.ReceiptQuery{
				ConversationID: conv.ID,
				Receiver:       &receiver,
			}, store.Untrash()); err != nil {
				s.logger.Warn("failed to untrash conversation for recipient",
					"conversation_id", conv.ID, "receiver", ref.String(), "error", err)
			}
		}
	}

	handle := newNotification(n, s)

	// Publish event after the delivery is durable.
	if err := s.events.NotificationDelivered.Publish(ctx, NotificationDeliveredEvent{
		NotificationID: n.ID,
		ConversationID: n.ConversationID,
		Kind:           n.Kind,
		Sender:         n.Sender,
		Receivers:      receiverRefs,
		Subject:        n.Subject,
		DeliveredAt:    sentAt,
	}); err != nil {
		if s.opts.eventErrorsFatal {
			// The notification is delivered; return it alongside the error.
			deliverErr = &EventPublishError{Event: "NotificationDelivered", ID: n.ID, Err: err}
			return handle, deliverErr
		}
		s.opts.safeEventPublishFailure("NotificationDelivered", err)
	}

	// External mail fan-out is synchronous and best-effort: the delivery
	// is already persisted, so mailer failures only get logged.
	if s.opts.emailEnabled && cfg.sendEmail {
		for _, p := range recipients {
			if p.Email() == "" {
				continue
			}
			if err := s.mailer.SendMail(ctx, p, n); err != nil {
				s.logger.Error("failed to send mail for notification",
					"notification_id", n.ID, "recipient", p.Ref().String(), "error", err)
			}
		}
	}

	if err := s.plugins.afterDeliver(ctx, n, saved); err != nil {
		deliverErr = err
		return handle, deliverErr
	}

	return handle, nil
}
