package store

import (
	"time"
)

// Mailbox classifies which box a receipt files its notification under
// for the receiving entity.
type Mailbox string

// Mailbox types.
const (
	MailboxInbox   Mailbox = "inbox"
	MailboxSentbox Mailbox = "sentbox"
)

// Receipt is the per-recipient delivery record for one notification.
// Exactly one receipt exists per (notification, receiver) pair; all
// per-recipient read/trash/delete state lives here, never on the shared
// notification.
type Receipt struct {
	ID             string
	NotificationID string
	Receiver       Ref
	Mailbox        Mailbox
	IsRead         bool
	Trashed        bool
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReceiptData contains data for persisting a new receipt.
type ReceiptData struct {
	// NotificationID is filled in by Deliver; it must be set explicitly
	// for CreateReceipts.
	NotificationID string
	Receiver       Ref
	Mailbox        Mailbox
	IsRead         bool
	// CreatedAt and UpdatedAt override the timestamps when non-zero.
	// Adding a participant to an existing conversation backdates receipts
	// to the original message timestamps to preserve chronology.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Flags represents receipt flag changes that can be applied atomically.
// Nil fields mean no change.
type Flags struct {
	Read    *bool
	Trashed *bool
	Deleted *bool
}

// IsZero reports whether no flag change is requested.
func (f Flags) IsZero() bool {
	return f.Read == nil && f.Trashed == nil && f.Deleted == nil
}

// Pre-allocated boolean pointers for efficient Flags creation.
var (
	ptrTrue  = ptr(true)
	ptrFalse = ptr(false)
)

func ptr(b bool) *bool { return &b }

// MarkRead returns flags to mark a receipt as read.
func MarkRead() Flags { return Flags{Read: ptrTrue} }

// MarkUnread returns flags to mark a receipt as unread.
func MarkUnread() Flags { return Flags{Read: ptrFalse} }

// MoveToTrash returns flags to trash a receipt.
func MoveToTrash() Flags { return Flags{Trashed: ptrTrue} }

// Untrash returns flags to untrash a receipt.
func Untrash() Flags { return Flags{Trashed: ptrFalse} }

// MarkDeleted returns flags to soft-delete a receipt.
func MarkDeleted() Flags { return Flags{Deleted: ptrTrue} }

// MarkUndeleted returns flags to restore a soft-deleted receipt.
func MarkUndeleted() Flags { return Flags{Deleted: ptrFalse} }

// WithRead returns flags with the read state set.
func (f Flags) WithRead(read bool) Flags {
	if read {
		f.Read = ptrTrue
	} else {
		f.Read = ptrFalse
	}
	return f
}

// WithTrashed returns flags with the trashed state set.
func (f Flags) WithTrashed(trashed bool) Flags {
	if trashed {
		f.Trashed = ptrTrue
	} else {
		f.Trashed = ptrFalse
	}
	return f
}

// WithDeleted returns flags with the deleted state set.
func (f Flags) WithDeleted(deleted bool) Flags {
	if deleted {
		f.Deleted = ptrTrue
	} else {
		f.Deleted = ptrFalse
	}
	return f
}

// ReceiptQuery selects receipts. Zero-valued fields are ignored.
type ReceiptQuery struct {
	NotificationID string
	// ConversationID selects receipts belonging to any message of the
	// conversation (joined through the notifications relation).
	ConversationID string
	Receiver       *Ref
	Mailbox        Mailbox
	Read           *bool
	Trashed        *bool
	Deleted        *bool
}
