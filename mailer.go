package parley

import (
	"context"

	"github.com/parleyhq/parley/store"
)

// Mailer dispatches external mail for delivered notifications.
//
// After a successful delivery, the mailer is invoked once per recipient
// that declares a non-empty email address, provided mail is enabled both
// globally (WithEmailEnabled) and for the delivery (SendEmail option).
// Mailer failures are logged and never fail the delivery: the
// notification is already persisted.
type Mailer interface {
	// SendMail routes one delivered notification to one recipient.
	SendMail(ctx context.Context, recipient Participant, n *store.Notification) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, recipient Participant, n *store.Notification) error

// SendMail implements Mailer.
func (f MailerFunc) SendMail(ctx context.Context, recipient Participant, n *store.Notification) error {
	return f(ctx, recipient, n)
}

// NopMailer is a Mailer that does nothing. It is the default.
type NopMailer struct{}

// SendMail implements Mailer.
func (NopMailer) SendMail(context.Context, Participant, *store.Notification) error {
	return nil
}
