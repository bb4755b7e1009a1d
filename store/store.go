// Package store provides interfaces and types for parley storage.
// Implementations are in store/memory, store/postgres, and store/mongo
// subpackages.
//
// # Architectural Principle: No Distributed Locks
//
// This package avoids distributed locks entirely. All concurrency concerns
// are handled through:
//
//  1. Atomic database operations: notification delivery persists the
//     notification row and the whole receipt batch inside a single
//     transaction (PostgreSQL transaction, MongoDB session). Either every
//     receipt exists or none do.
//
//  2. Row-level consistency for flag flips: receipt mutations are single
//     UPDATE statements. Concurrent flips on the same receipt are
//     last-write-wins; the library offers no optimistic versioning.
//
//  3. Cascading deletes: destroying a notification destroys its receipts;
//     destroying a conversation destroys its messages and, transitively,
//     their receipts. Implementations use foreign keys with ON DELETE
//     CASCADE or equivalent client-side cascades in a transaction.
package store

import (
	"context"
	"time"
)

// Store is the storage interface for parley.
//
// All operations must be safe for concurrent use. Implementations must use
// database-level atomicity (transactions, atomic operations) rather than
// external locking mechanisms. See package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	NotificationStore
	ReceiptStore
	ConversationStore

	// Maintenance operations - for scheduled cleanup tasks
	MaintenanceStore
}

// NotificationStore provides operations on notifications and messages.
// A message is a notification with a non-empty ConversationID.
type NotificationStore interface {
	// Deliver atomically persists a notification together with its receipt
	// batch. Either the notification and every receipt are persisted, or
	// nothing is. The NotificationID of each ReceiptData is filled in by
	// the implementation.
	Deliver(ctx context.Context, data NotificationData, receipts []ReceiptData) (*Notification, []Receipt, error)

	// GetNotification retrieves a notification by ID.
	// Returns ErrNotFound if it doesn't exist.
	GetNotification(ctx context.Context, id string) (*Notification, error)

	// FindNotifications retrieves notifications matching the query,
	// ordered by creation time (ties broken by insertion order).
	FindNotifications(ctx context.Context, q NotificationQuery, opts ListOptions) (*NotificationList, error)

	// SetExpires persists the expiry timestamp of a notification.
	SetExpires(ctx context.Context, id string, expires time.Time) error

	// DeleteNotification permanently removes a notification and cascades
	// to its receipts.
	DeleteNotification(ctx context.Context, id string) error
}

// ReceiptStore provides operations on per-recipient receipts.
type ReceiptStore interface {
	// GetReceipt retrieves the single receipt held by receiver for the
	// given notification. Returns ErrReceiptNotFound if no such receipt
	// exists.
	GetReceipt(ctx context.Context, notificationID string, receiver Ref) (*Receipt, error)

	// CreateReceipts atomically persists a batch of receipts. Either all
	// receipts are created or none are. Used when adding a participant to
	// an existing conversation; delivery-time receipts go through Deliver.
	CreateReceipts(ctx context.Context, data []ReceiptData) ([]Receipt, error)

	// FindReceipts retrieves receipts matching the query, ordered by
	// creation time.
	FindReceipts(ctx context.Context, q ReceiptQuery, opts ListOptions) ([]Receipt, error)

	// CountReceipts returns the count of receipts matching the query.
	CountReceipts(ctx context.Context, q ReceiptQuery) (int64, error)

	// UpdateReceipts applies the given flag changes to every receipt
	// matching the query and returns the number of receipts updated.
	// Nil flag fields are left unchanged.
	UpdateReceipts(ctx context.Context, q ReceiptQuery, flags Flags) (int64, error)
}

// ConversationStore provides operations on conversations.
type ConversationStore interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, data ConversationData) (*Conversation, error)

	// GetConversation retrieves a conversation by ID.
	// Returns ErrNotFound if it doesn't exist.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// TouchConversation updates the conversation's UpdatedAt timestamp.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// DeleteConversation permanently removes a conversation and cascades
	// to its messages and their receipts.
	DeleteConversation(ctx context.Context, id string) error

	// Participants returns the distinct receivers holding receipts on any
	// of the conversation's messages.
	Participants(ctx context.Context, conversationID string) ([]Ref, error)

	// ListConversations returns the conversations visible to receiver in
	// the given box, ordered by UpdatedAt descending.
	ListConversations(ctx context.Context, receiver Ref, box Box, opts ListOptions) (*ConversationList, error)

	// SearchConversations returns the conversations in which receiver
	// holds a receipt on a message whose subject or body matches the
	// search term.
	SearchConversations(ctx context.Context, receiver Ref, query string, opts ListOptions) (*ConversationList, error)
}

// MaintenanceStore provides operations for scheduled maintenance tasks.
// These operations are safe to call concurrently from multiple service
// instances without distributed coordination.
type MaintenanceStore interface {
	// DeleteExpiredNotifications atomically deletes all notifications
	// whose expiry is set and earlier than cutoff, cascading to their
	// receipts. Returns the number of notifications deleted.
	DeleteExpiredNotifications(ctx context.Context, cutoff time.Time) (int64, error)
}
