package store

import (
	"time"
)

// Kind distinguishes standalone notifications from conversation messages.
type Kind string

// Notification kinds.
const (
	// KindNotification is a standalone delivery unit (system notice).
	KindNotification Kind = "notification"
	// KindMessage is a notification that belongs to a conversation.
	KindMessage Kind = "message"
)

// Notification is a persisted delivery unit. A notification with
// Kind == KindMessage belongs to the conversation identified by
// ConversationID; standalone notifications have an empty ConversationID.
type Notification struct {
	ID             string
	Kind           Kind
	ConversationID string
	// Sender is the originating entity. Zero for system notices.
	Sender  Ref
	Subject string
	Body    string
	// Object optionally references a domain object the notification
	// concerns. Zero when absent.
	Object Ref
	// Code is an optional classification tag.
	Code      string
	Global    bool
	Expires   *time.Time
	CreatedAt time.Time
}

// IsMessage reports whether the notification belongs to a conversation.
func (n *Notification) IsMessage() bool {
	return n.Kind == KindMessage && n.ConversationID != ""
}

// IsExpired reports whether the expiry is set and in the past.
func (n *Notification) IsExpired() bool {
	return n.Expires != nil && n.Expires.Before(time.Now())
}

// NotificationData contains data for persisting a new notification.
type NotificationData struct {
	Kind           Kind
	ConversationID string
	Sender         Ref
	Subject        string
	Body           string
	Object         Ref
	Code           string
	Global         bool
	Expires        *time.Time
	// CreatedAt overrides the creation timestamp when non-zero.
	// Used for import/migration scenarios.
	CreatedAt time.Time
}

// NotificationQuery selects notifications. Zero-valued fields are ignored.
type NotificationQuery struct {
	ConversationID string
	Sender         *Ref
	// Receiver selects notifications for which the given entity holds a
	// receipt (joined through the receipts relation).
	Receiver *Ref
	Code     string
	Object   *Ref
	Global   *bool
}

// NotificationList is a paginated list of notifications.
type NotificationList struct {
	Notifications []Notification
	Total         int64
	HasMore       bool
}
