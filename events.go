package parley

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"

	"github.com/parleyhq/parley/store"
)

// Event names for parley events.
const (
	EventNameNotificationDelivered = "parley.notification.delivered"
	EventNameReceiptRead           = "parley.receipt.read"
	EventNameConversationDeleted   = "parley.conversation.deleted"
)

// NotificationDeliveredEvent is published when a notification or message
// has been delivered to its recipients.
type NotificationDeliveredEvent struct {
	NotificationID string     `json:"notification_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Kind           store.Kind `json:"kind"`
	Sender         Ref        `json:"sender"`
	Receivers      []Ref      `json:"receivers"`
	Subject        string     `json:"subject"`
	DeliveredAt    time.Time  `json:"delivered_at"`
}

// ReceiptReadEvent is published when a receipt is marked as read.
// Use this for read receipts and engagement tracking.
type ReceiptReadEvent struct {
	NotificationID string    `json:"notification_id"`
	Receiver       Ref       `json:"receiver"`
	ReadAt         time.Time `json:"read_at"`
}

// ConversationDeletedEvent is published when an orphaned conversation is
// hard-deleted, cascading to its messages and receipts. It is only
// published for permanent deletions, not moves to trash.
type ConversationDeletedEvent struct {
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().NotificationDelivered.Subscribe(ctx, handler)
//	svc.Events().ReceiptRead.Subscribe(ctx, handler)
//	svc.Events().ConversationDeleted.Subscribe(ctx, handler)
type ServiceEvents struct {
	// NotificationDelivered is published when a delivery succeeds.
	NotificationDelivered event.Event[NotificationDeliveredEvent]

	// ReceiptRead is published when a receipt is marked as read.
	ReceiptRead event.Event[ReceiptReadEvent]

	// ConversationDeleted is published when an orphaned conversation is
	// hard-deleted.
	ConversationDeleted event.Event[ConversationDeletedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		NotificationDelivered: event.New[NotificationDeliveredEvent](namePrefix + "." + EventNameNotificationDelivered),
		ReceiptRead:           event.New[ReceiptReadEvent](namePrefix + "." + EventNameReceiptRead),
		ConversationDeleted:   event.New[ConversationDeletedEvent](namePrefix + "." + EventNameConversationDeleted),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.NotificationDelivered); err != nil {
		return fmt.Errorf("register NotificationDelivered: %w", err)
	}
	if err := event.Register(ctx, bus, events.ReceiptRead); err != nil {
		return fmt.Errorf("register ReceiptRead: %w", err)
	}
	if err := event.Register(ctx, bus, events.ConversationDeleted); err != nil {
		return fmt.Errorf("register ConversationDeleted: %w", err)
	}
	return nil
}
