package parley

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/store"
)

// Receipt is a handle to one participant's delivery record for one
// notification. All read/trash/delete state lives here; the shared
// notification is never mutated.
type Receipt struct {
	data    *store.Receipt
	service *service
}

func newReceipt(r *store.Receipt, s *service) *Receipt {
	return &Receipt{data: r, service: s}
}

// ID returns the receipt ID.
func (r *Receipt) ID() string { return r.data.ID }

// NotificationID returns the ID of the notification this receipt is for.
func (r *Receipt) NotificationID() string { return r.data.NotificationID }

// Receiver returns the reference of the participant holding this receipt.
func (r *Receipt) Receiver() Ref { return r.data.Receiver }

// Mailbox returns the box this receipt files its notification under.
func (r *Receipt) Mailbox() Mailbox { return r.data.Mailbox }

// IsRead reports whether the holder has read the notification.
func (r *Receipt) IsRead() bool { return r.data.IsRead }

// IsTrashed reports whether the holder has trashed the notification.
func (r *Receipt) IsTrashed() bool { return r.data.Trashed }

// IsDeleted reports whether the holder has deleted the notification.
func (r *Receipt) IsDeleted() bool { return r.data.Deleted }

// CreatedAt returns the receipt creation timestamp.
func (r *Receipt) CreatedAt() time.Time { return r.data.CreatedAt }

// UpdatedAt returns the last flag-change timestamp.
func (r *Receipt) UpdatedAt() time.Time { return r.data.UpdatedAt }

// Notification returns a handle to the notification this receipt is for.
func (r *Receipt) Notification(ctx context.Context) (*Notification, error) {
	return r.service.GetNotification(ctx, r.data.NotificationID)
}

// applyFlags implements Markable. A receipt held by someone else is
// silently left alone: participants only ever mutate their own receipts.
func (r *Receipt) applyFlags(ctx context.Context, m *messenger, flags store.Flags) error {
	if !r.data.Receiver.Equal(m.ref) {
		return nil
	}
	n, err := m.service.store.GetNotification(ctx, r.data.NotificationID)
	if err != nil {
		return fmt.Errorf("get notification: %w", err)
	}
	return m.service.updateReceiptFlags(ctx, n, m.ref, flags)
}
