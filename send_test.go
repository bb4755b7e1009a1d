package parley

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/store"
)

// recordingMailer captures outgoing mail for assertions.
type recordingMailer struct {
	mu   sync.Mutex
	sent []string // recipient refs
}

func (m *recordingMailer) SendMail(_ context.Context, recipient Participant, _ *store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, recipient.Ref().String())
	return nil
}

func (m *recordingMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")
	carol := user("carol")

	t.Run("creates conversation with receipts", func(t *testing.T) {
		sender := svc.Client(alice)
		n := mustSend(t)(sender.SendMessage(ctx, []Participant{bob, carol}, "plans", "dinner on friday?"))

		if !n.IsMessage() {
			t.Fatal("expected a conversation message")
		}
		if n.ConversationID() == "" {
			t.Fatal("expected conversation to be created")
		}
		if !n.Sender().Equal(alice.Ref()) {
			t.Errorf("expected sender %v, got %v", alice.Ref(), n.Sender())
		}

		// Sender gets a pre-read sentbox receipt
		r, err := sender.Receipt(ctx, n.ID())
		if err != nil {
			t.Fatalf("sender receipt: %v", err)
		}
		if !r.IsRead() {
			t.Error("sender receipt should be pre-read")
		}
		if r.Mailbox() != MailboxSentbox {
			t.Errorf("expected sentbox, got %q", r.Mailbox())
		}

		// Recipients get unread inbox receipts
		for _, p := range []*testUser{bob, carol} {
			r, err := svc.Client(p).Receipt(ctx, n.ID())
			if err != nil {
				t.Fatalf("receipt for %s: %v", p.id, err)
			}
			if r.IsRead() {
				t.Errorf("recipient %s receipt should be unread", p.id)
			}
			if r.Mailbox() != MailboxInbox {
				t.Errorf("expected inbox for %s, got %q", p.id, r.Mailbox())
			}
		}
	})

	t.Run("sender in recipients gets no inbox receipt", func(t *testing.T) {
		sender := svc.Client(alice)
		n := mustSend(t)(sender.SendMessage(ctx, []Participant{alice, bob}, "self", "note to self and bob"))

		r, err := sender.Receipt(ctx, n.ID())
		if err != nil {
			t.Fatalf("sender receipt: %v", err)
		}
		if r.Mailbox() != MailboxSentbox {
			t.Errorf("sender should only hold a sentbox receipt, got %q", r.Mailbox())
		}
	})

	t.Run("conversation activity timestamp advances", func(t *testing.T) {
		sender := svc.Client(alice)
		first := mustSend(t)(sender.SendMessage(ctx, []Participant{bob}, "thread", "first",
			SentAt(time.Now().Add(-time.Hour))))

		conv, err := svc.GetConversation(ctx, first.ConversationID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		before := conv.UpdatedAt()

		mustSend(t)(svc.Client(bob).ReplyToConversation(ctx, conv.ID(), "second"))

		conv, err = svc.GetConversation(ctx, conv.ID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		if !conv.UpdatedAt().After(before) {
			t.Error("expected UpdatedAt to advance after reply")
		}
	})

	t.Run("backdated delivery", func(t *testing.T) {
		sentAt := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "import", "migrated message",
			SentAt(sentAt)))
		if !n.CreatedAt().Equal(sentAt) {
			t.Errorf("expected CreatedAt %v, got %v", sentAt, n.CreatedAt())
		}
	})
}

func TestDeliveryValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithMaxRecipients(2), WithMaxSubjectLength(16))
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	t.Run("empty subject", func(t *testing.T) {
		_, err := svc.Client(alice).SendMessage(ctx, []Participant{bob}, "", "body")
		if !errors.Is(err, ErrEmptySubject) {
			t.Errorf("expected ErrEmptySubject, got %v", err)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := svc.Client(alice).SendMessage(ctx, []Participant{bob}, "subject", "")
		if !errors.Is(err, ErrEmptyBody) {
			t.Errorf("expected ErrEmptyBody, got %v", err)
		}
	})

	t.Run("subject too long", func(t *testing.T) {
		_, err := svc.Client(alice).SendMessage(ctx, []Participant{bob},
			strings.Repeat("x", 17), "body")
		if !errors.Is(err, ErrSubjectTooLong) {
			t.Errorf("expected ErrSubjectTooLong, got %v", err)
		}
	})

	t.Run("empty recipient list still persists", func(t *testing.T) {
		// A standalone notification with no recipients leaves zero
		// receipts behind but the notification itself is stored.
		n := mustSend(t)(svc.Notify(ctx, nil, "broadcast draft", "nobody yet"))

		if _, err := svc.GetNotification(ctx, n.ID()); err != nil {
			t.Fatalf("notification should persist without recipients: %v", err)
		}
		receipts, err := svc.(*service).store.FindReceipts(ctx, store.ReceiptQuery{
			NotificationID: n.ID(),
		}, ListOptions{Limit: 10})
		if err != nil {
			t.Fatalf("find receipts: %v", err)
		}
		if len(receipts) != 0 {
			t.Errorf("expected zero receipts, got %d", len(receipts))
		}

		// A message without recipients still writes the sender's sentbox
		// receipt.
		msg := mustSend(t)(svc.Client(alice).SendMessage(ctx, nil, "to myself", "draft thread"))
		receipts, err = svc.(*service).store.FindReceipts(ctx, store.ReceiptQuery{
			NotificationID: msg.ID(),
		}, ListOptions{Limit: 10})
		if err != nil {
			t.Fatalf("find receipts: %v", err)
		}
		if len(receipts) != 1 || receipts[0].Mailbox != MailboxSentbox {
			t.Errorf("expected only the sender's sentbox receipt, got %d", len(receipts))
		}
	})

	t.Run("too many recipients", func(t *testing.T) {
		recipients := []Participant{user("a"), user("b"), user("c")}
		_, err := svc.Client(alice).SendMessage(ctx, recipients, "subject", "body")
		if !errors.Is(err, ErrTooManyRecipients) {
			t.Errorf("expected ErrTooManyRecipients, got %v", err)
		}
	})

	t.Run("invalid recipient ref", func(t *testing.T) {
		_, err := svc.Client(alice).SendMessage(ctx, []Participant{user("")}, "subject", "body")
		if !errors.Is(err, ErrInvalidParticipant) {
			t.Errorf("expected ErrInvalidParticipant, got %v", err)
		}
	})
}

func TestSanitization(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	t.Run("strips markup by default", func(t *testing.T) {
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob},
			"hello <script>alert(1)</script>world",
			`click <a href="http://example.com">here</a> now`))

		if strings.Contains(n.Subject(), "<script>") {
			t.Errorf("subject not sanitized: %q", n.Subject())
		}
		if strings.Contains(n.Body(), "<a ") {
			t.Errorf("body not sanitized: %q", n.Body())
		}
	})

	t.Run("subject sanitized even when body opts out", func(t *testing.T) {
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob},
			"plain <b>subject</b>", "<b>raw body</b>", Sanitize(false)))

		if strings.Contains(n.Subject(), "<b>") {
			t.Errorf("subject should always be sanitized: %q", n.Subject())
		}
		if n.Body() != "<b>raw body</b>" {
			t.Errorf("body should be untouched with Sanitize(false): %q", n.Body())
		}
	})

	t.Run("custom sanitizer", func(t *testing.T) {
		upper := SanitizerFunc(strings.ToUpper)
		custom := setupTestService(t, WithSanitizer(upper))
		defer custom.Close(ctx)

		n := mustSend(t)(custom.Notify(ctx, []Participant{bob}, "shout", "louder"))
		if n.Subject() != "SHOUT" || n.Body() != "LOUDER" {
			t.Errorf("custom sanitizer not applied: %q / %q", n.Subject(), n.Body())
		}
	})
}

func TestMailFanout(t *testing.T) {
	ctx := context.Background()

	t.Run("mails recipients with addresses", func(t *testing.T) {
		mailer := &recordingMailer{}
		svc := setupTestService(t, WithMailer(mailer))
		defer svc.Close(ctx)

		withEmail := &testUser{id: "bob", name: "bob", email: "bob@example.com"}
		noEmail := user("carol")

		mustSend(t)(svc.Client(user("alice")).SendMessage(ctx,
			[]Participant{withEmail, noEmail}, "mail test", "check your inbox"))

		sent := mailer.recipients()
		if len(sent) != 1 || sent[0] != "user/bob" {
			t.Errorf("expected mail only to user/bob, got %v", sent)
		}
	})

	t.Run("SendEmail(false) suppresses mail", func(t *testing.T) {
		mailer := &recordingMailer{}
		svc := setupTestService(t, WithMailer(mailer))
		defer svc.Close(ctx)

		withEmail := &testUser{id: "bob", name: "bob", email: "bob@example.com"}
		mustSend(t)(svc.Notify(ctx, []Participant{withEmail}, "quiet", "no mail", SendEmail(false)))

		if len(mailer.recipients()) != 0 {
			t.Errorf("expected no mail, got %v", mailer.recipients())
		}
	})

	t.Run("global email switch", func(t *testing.T) {
		mailer := &recordingMailer{}
		svc := setupTestService(t, WithMailer(mailer), WithEmailEnabled(false))
		defer svc.Close(ctx)

		withEmail := &testUser{id: "bob", name: "bob", email: "bob@example.com"}
		mustSend(t)(svc.Notify(ctx, []Participant{withEmail}, "quiet", "no mail"))

		if len(mailer.recipients()) != 0 {
			t.Errorf("expected no mail with email disabled, got %v", mailer.recipients())
		}
	})
}

func TestDeliveryPlugins(t *testing.T) {
	ctx := context.Background()

	t.Run("before hook can reject delivery", func(t *testing.T) {
		rejectAll := &testDeliveryHook{
			before: func(_ context.Context, _ Ref, _ store.NotificationData, _ []Ref) error {
				return errors.New("blocked by policy")
			},
		}
		svc := setupTestService(t, WithPlugin(rejectAll))
		defer svc.Close(ctx)

		_, err := svc.Notify(ctx, []Participant{user("bob")}, "subject", "body")
		if err == nil || !strings.Contains(err.Error(), "blocked by policy") {
			t.Errorf("expected plugin rejection, got %v", err)
		}
	})

	t.Run("after hook observes delivery", func(t *testing.T) {
		var gotReceipts int
		observe := &testDeliveryHook{
			after: func(_ context.Context, _ *store.Notification, receipts []store.Receipt) error {
				gotReceipts = len(receipts)
				return nil
			},
		}
		svc := setupTestService(t, WithPlugin(observe))
		defer svc.Close(ctx)

		mustSend(t)(svc.Client(user("alice")).SendMessage(ctx,
			[]Participant{user("bob")}, "observed", "counted"))

		// One inbox receipt plus the sender's sentbox receipt
		if gotReceipts != 2 {
			t.Errorf("expected after hook to see 2 receipts, got %d", gotReceipts)
		}
	})
}

// testDeliveryHook is a configurable DeliveryHook for tests.
type testDeliveryHook struct {
	before func(ctx context.Context, sender Ref, data store.NotificationData, receivers []Ref) error
	after  func(ctx context.Context, n *store.Notification, receipts []store.Receipt) error
}

func (h *testDeliveryHook) Name() string                  { return "test-hook" }
func (h *testDeliveryHook) Init(_ context.Context) error  { return nil }
func (h *testDeliveryHook) Close(_ context.Context) error { return nil }

func (h *testDeliveryHook) BeforeDeliver(ctx context.Context, sender Ref, data store.NotificationData, receivers []Ref) error {
	if h.before == nil {
		return nil
	}
	return h.before(ctx, sender, data, receivers)
}

func (h *testDeliveryHook) AfterDeliver(ctx context.Context, n *store.Notification, receipts []store.Receipt) error {
	if h.after == nil {
		return nil
	}
	return h.after(ctx, n, receipts)
}
