package parley

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/memory"
)

// testUser is a minimal Participant for tests.
type testUser struct {
	id    string
	name  string
	email string
}

func (u *testUser) Ref() Ref            { return Ref{Kind: "user", ID: u.id} }
func (u *testUser) DisplayName() string { return u.name }
func (u *testUser) Email() string       { return u.email }

func user(id string) *testUser { return &testUser{id: id, name: id} }

// Helper to setup a connected test service backed by the memory store.
// A resolver for the "user" kind is registered so reply operations can
// map stored refs back to participants.
func setupTestService(t *testing.T, opts ...Option) Service {
	t.Helper()

	base := []Option{
		WithStore(memory.New()),
		WithResolver("user", ResolverFunc(func(ctx context.Context, ref Ref) (Participant, error) {
			return &testUser{id: ref.ID, name: ref.ID}, nil
		})),
	}

	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	return svc
}

// mustSend returns a helper that unwraps a delivery result, failing the
// test on error. Wrap the call: mustSend(t)(m.SendMessage(...)).
func mustSend(t *testing.T) func(*Notification, error) *Notification {
	return func(n *Notification, err error) *Notification {
		t.Helper()
		if err != nil {
			t.Fatalf("delivery failed: %v", err)
		}
		if n == nil {
			t.Fatal("expected non-nil notification")
		}
		return n
	}
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService()
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("fatal event errors need a transport", func(t *testing.T) {
		_, err := NewService(WithStore(memory.New()), WithEventErrorsFatal(true))
		if !errors.Is(err, ErrEventClientRequired) {
			t.Errorf("expected ErrEventClientRequired, got %v", err)
		}
	})

	t.Run("creates service with store", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
		if svc.IsConnected() {
			t.Error("expected service to start disconnected")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	t.Run("connect and close", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx := context.Background()

		if err := svc.Connect(ctx); err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		if !svc.IsConnected() {
			t.Error("expected IsConnected after connect")
		}

		// Double connect should fail
		if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}

		if err := svc.Close(ctx); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if svc.IsConnected() {
			t.Error("expected disconnected after close")
		}

		// Double close should be safe
		if err := svc.Close(ctx); err != nil {
			t.Errorf("second close should not error, got %v", err)
		}
	})

	t.Run("reconnect after close", func(t *testing.T) {
		ctx := context.Background()
		svc := setupTestService(t)
		if err := svc.Close(ctx); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if err := svc.Connect(ctx); err != nil {
			t.Fatalf("reconnect failed: %v", err)
		}
		defer svc.Close(ctx)
	})

	t.Run("operations fail when not connected", func(t *testing.T) {
		ctx := context.Background()
		svc, _ := NewService(WithStore(memory.New()))

		_, err := svc.Notify(ctx, []Participant{user("alice")}, "hi", "there")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}

		_, err = svc.GetNotification(ctx, "some-id")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}

		_, err = svc.CleanupExpired(ctx)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	t.Run("bound participant", func(t *testing.T) {
		alice := user("alice")
		m := svc.Client(alice)
		if m.Participant() != Participant(alice) {
			t.Error("expected bound participant")
		}
		want := Ref{Kind: "user", ID: "alice"}
		if !m.Ref().Equal(want) {
			t.Errorf("expected ref %v, got %v", want, m.Ref())
		}
	})

	t.Run("nil participant has zero ref", func(t *testing.T) {
		m := svc.Client(nil)
		if !m.Ref().IsZero() {
			t.Errorf("expected zero ref, got %v", m.Ref())
		}
	})

	t.Run("nil participant cannot send", func(t *testing.T) {
		m := svc.Client(nil)
		_, err := m.SendMessage(ctx, []Participant{user("bob")}, "hi", "there")
		if !errors.Is(err, ErrInvalidParticipant) {
			t.Errorf("expected ErrInvalidParticipant, got %v", err)
		}
	})

	t.Run("nil participant marks nothing", func(t *testing.T) {
		sender := svc.Client(user("alice"))
		n := mustSend(t)(sender.SendMessage(ctx, []Participant{user("bob")}, "hi", "there"))

		m := svc.Client(nil)
		if err := m.MarkRead(ctx, n); err != nil {
			t.Errorf("expected silent no-op, got %v", err)
		}
	})
}

func TestNotify(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	t.Run("delivers to all recipients", func(t *testing.T) {
		n := mustSend(t)(svc.Notify(ctx, []Participant{alice, bob}, "maintenance", "scheduled downtime"))

		if n.Kind() != KindNotification {
			t.Errorf("expected kind %q, got %q", KindNotification, n.Kind())
		}
		if n.IsMessage() {
			t.Error("standalone notification should not be a message")
		}
		if n.ConversationID() != "" {
			t.Errorf("expected no conversation, got %q", n.ConversationID())
		}
		if n.Sender().Valid() {
			t.Errorf("expected zero sender, got %v", n.Sender())
		}

		for _, p := range []*testUser{alice, bob} {
			r, err := svc.Client(p).Receipt(ctx, n.ID())
			if err != nil {
				t.Fatalf("receipt for %s: %v", p.id, err)
			}
			if r.IsRead() {
				t.Errorf("expected unread receipt for %s", p.id)
			}
			if r.Mailbox() != MailboxInbox {
				t.Errorf("expected inbox receipt for %s, got %q", p.id, r.Mailbox())
			}
		}
	})

	t.Run("duplicate recipients collapse to one receipt", func(t *testing.T) {
		n := mustSend(t)(svc.Notify(ctx, []Participant{bob, bob, user("bob")}, "once", "only one receipt"))

		receipts, err := svc.(*service).store.FindReceipts(ctx, store.ReceiptQuery{
			NotificationID: n.ID(),
		}, ListOptions{Limit: 10})
		if err != nil {
			t.Fatalf("find receipts: %v", err)
		}
		if len(receipts) != 1 {
			t.Errorf("expected 1 receipt, got %d", len(receipts))
		}
	})

	t.Run("code, object, and global metadata", func(t *testing.T) {
		object := Ref{Kind: "order", ID: "o-42"}
		n := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "order shipped", "on its way",
			WithCode("order.shipped"), WithObject(object), Global(true)))

		if n.Code() != "order.shipped" {
			t.Errorf("expected code %q, got %q", "order.shipped", n.Code())
		}
		if !n.Object().Equal(object) {
			t.Errorf("expected object %v, got %v", object, n.Object())
		}
		if !n.IsGlobal() {
			t.Error("expected global notification")
		}
	})

	t.Run("get notification roundtrip", func(t *testing.T) {
		sent := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "lookup", "find me"))

		got, err := svc.GetNotification(ctx, sent.ID())
		if err != nil {
			t.Fatalf("get notification: %v", err)
		}
		if got.ID() != sent.ID() || got.Subject() != "lookup" {
			t.Errorf("roundtrip mismatch: got %q/%q", got.ID(), got.Subject())
		}
	})

	t.Run("unknown notification", func(t *testing.T) {
		_, err := svc.GetNotification(ctx, "no-such-id")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t, WithExpiredRetention(time.Hour))
	defer svc.Close(ctx)

	alice := user("alice")

	t.Run("expires at deadline", func(t *testing.T) {
		deadline := time.Now().Add(time.Hour)
		n := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "offer", "limited time", ExpiresAt(deadline)))
		if n.IsExpired() {
			t.Error("notification should not be expired yet")
		}
		if n.Expires() == nil {
			t.Fatal("expected expiry deadline")
		}
	})

	t.Run("expire now persists", func(t *testing.T) {
		n := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "revoke", "going away"))
		if err := n.ExpireNow(ctx); err != nil {
			t.Fatalf("expire now: %v", err)
		}

		got, err := svc.GetNotification(ctx, n.ID())
		if err != nil {
			t.Fatalf("get notification: %v", err)
		}
		if !got.IsExpired() {
			t.Error("expected notification to be expired after ExpireNow")
		}
	})

	t.Run("expire is idempotent", func(t *testing.T) {
		n := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "stale", "old news"))
		n.Expire()
		first := *n.Expires()
		n.Expire()
		if !n.Expires().Equal(first) {
			t.Error("second Expire should not move the deadline")
		}
	})

	t.Run("cleanup purges past retention", func(t *testing.T) {
		old := time.Now().Add(-2 * time.Hour)
		n := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "ancient", "long gone", ExpiresAt(old)))
		keep := mustSend(t)(svc.Notify(ctx, []Participant{alice}, "fresh", "still here"))

		result, err := svc.CleanupExpired(ctx)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if result.DeletedCount < 1 {
			t.Errorf("expected at least 1 deletion, got %d", result.DeletedCount)
		}

		if _, err := svc.GetNotification(ctx, n.ID()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected purged notification to be gone, got %v", err)
		}
		if _, err := svc.GetNotification(ctx, keep.ID()); err != nil {
			t.Errorf("unexpired notification should survive cleanup: %v", err)
		}

		// Receipts cascade with the notification
		_, err = svc.Client(alice).Receipt(ctx, n.ID())
		if err == nil {
			t.Error("expected receipt to be gone after cleanup")
		}
	})
}
