package parley

import (
	"context"
	"errors"
	"testing"
)

func TestMarkNotification(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	t.Run("read and unread", func(t *testing.T) {
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "status", "please read"))
		reader := svc.Client(bob)

		unread, err := n.IsUnread(ctx, bob)
		if err != nil || !unread {
			t.Fatalf("expected unread before MarkRead, got %v, %v", unread, err)
		}

		if err := reader.MarkRead(ctx, n); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		read, err := n.IsReadBy(ctx, bob)
		if err != nil || !read {
			t.Errorf("expected read after MarkRead, got %v, %v", read, err)
		}

		if err := reader.MarkUnread(ctx, n); err != nil {
			t.Fatalf("mark unread: %v", err)
		}
		read, err = n.IsReadBy(ctx, bob)
		if err != nil || read {
			t.Errorf("expected unread after MarkUnread, got %v, %v", read, err)
		}
	})

	t.Run("marking does not leak across participants", func(t *testing.T) {
		carol := user("carol")
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob, carol}, "shared", "one copy"))

		if err := svc.Client(bob).MarkRead(ctx, n); err != nil {
			t.Fatalf("mark read: %v", err)
		}

		read, err := n.IsReadBy(ctx, carol)
		if err != nil {
			t.Fatalf("is read by carol: %v", err)
		}
		if read {
			t.Error("bob's read mark must not affect carol")
		}
	})

	t.Run("non-participant gets ErrReceiptNotFound", func(t *testing.T) {
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "private", "not for eve"))

		err := svc.Client(user("eve")).MarkRead(ctx, n)
		if !errors.Is(err, ErrReceiptNotFound) {
			t.Errorf("expected ErrReceiptNotFound, got %v", err)
		}
	})

	t.Run("missing receipt is an explicit error", func(t *testing.T) {
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "strangers", "not for outsiders"))

		if _, err := n.IsUnread(ctx, user("eve")); !errors.Is(err, ErrReceiptNotFound) {
			t.Errorf("expected ErrReceiptNotFound from IsUnread, got %v", err)
		}
		if _, err := n.IsReadBy(ctx, user("eve")); !errors.Is(err, ErrReceiptNotFound) {
			t.Errorf("expected ErrReceiptNotFound from IsReadBy, got %v", err)
		}
		if _, err := n.MailboxFor(ctx, user("eve")); !errors.Is(err, ErrReceiptNotFound) {
			t.Errorf("expected ErrReceiptNotFound from MailboxFor, got %v", err)
		}

		// A nil participant stays a quiet false.
		got, err := n.IsUnread(ctx, nil)
		if err != nil || got {
			t.Errorf("expected false for nil participant, got %v, %v", got, err)
		}
	})

	t.Run("trash and untrash", func(t *testing.T) {
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "junk", "trash me"))
		reader := svc.Client(bob)

		if err := reader.Trash(ctx, n); err != nil {
			t.Fatalf("trash: %v", err)
		}
		trashed, err := n.IsTrashedFor(ctx, bob)
		if err != nil || !trashed {
			t.Errorf("expected trashed, got %v, %v", trashed, err)
		}

		if err := reader.Untrash(ctx, n); err != nil {
			t.Fatalf("untrash: %v", err)
		}
		trashed, err = n.IsTrashedFor(ctx, bob)
		if err != nil || trashed {
			t.Errorf("expected untrashed, got %v, %v", trashed, err)
		}
	})
}

func TestMarkReceipt(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "receipt ops", "flag via receipt"))

	t.Run("owner flags own receipt", func(t *testing.T) {
		reader := svc.Client(bob)
		r, err := reader.Receipt(ctx, n.ID())
		if err != nil {
			t.Fatalf("get receipt: %v", err)
		}

		if err := reader.MarkRead(ctx, r); err != nil {
			t.Fatalf("mark read via receipt: %v", err)
		}
		read, err := n.IsReadBy(ctx, bob)
		if err != nil || !read {
			t.Errorf("expected read, got %v, %v", read, err)
		}
	})

	t.Run("receipt from notification handle", func(t *testing.T) {
		r, err := n.ReceiptFor(ctx, bob)
		if err != nil {
			t.Fatalf("receipt for bob: %v", err)
		}
		if !r.Receiver().Equal(bob.Ref()) {
			t.Errorf("expected bob's receipt, got %v", r.Receiver())
		}

		if _, err := n.ReceiptFor(ctx, user("eve")); err == nil {
			t.Error("expected an error for a participant without a receipt")
		}
		if _, err := n.ReceiptFor(ctx, nil); err == nil {
			t.Error("expected an error for a nil participant")
		}
	})

	t.Run("mark several objects at once", func(t *testing.T) {
		second := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "batch", "two at a time"))
		reader := svc.Client(bob)

		if err := reader.MarkRead(ctx, n, second); err != nil {
			t.Fatalf("batch mark read: %v", err)
		}
		for _, msg := range []*Notification{n, second} {
			read, err := msg.IsReadBy(ctx, bob)
			if err != nil || !read {
				t.Errorf("expected %q read, got %v, %v", msg.Subject(), read, err)
			}
		}
	})

	t.Run("foreign receipt is a silent no-op", func(t *testing.T) {
		r, err := svc.Client(bob).Receipt(ctx, n.ID())
		if err != nil {
			t.Fatalf("get receipt: %v", err)
		}

		// Alice holds bob's receipt handle; her marker must not touch it.
		if err := svc.Client(alice).Trash(ctx, r); err != nil {
			t.Fatalf("expected silent no-op, got %v", err)
		}
		trashed, err := n.IsTrashedFor(ctx, bob)
		if err != nil {
			t.Fatalf("is trashed: %v", err)
		}
		if trashed {
			t.Error("foreign marker must not trash bob's receipt")
		}
	})
}

func TestMarkConversation(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	newConv := func(t *testing.T) *Conversation {
		t.Helper()
		n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "thread", "first"))
		mustSend(t)(svc.Client(bob).ReplyToConversation(ctx, n.ConversationID(), "second"))
		conv, err := svc.GetConversation(ctx, n.ConversationID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		return conv
	}

	t.Run("mark whole conversation read", func(t *testing.T) {
		conv := newConv(t)

		unread, err := conv.IsUnread(ctx, alice)
		if err != nil || !unread {
			t.Fatalf("expected unread conversation, got %v, %v", unread, err)
		}

		if err := svc.Client(alice).MarkRead(ctx, conv); err != nil {
			t.Fatalf("mark conversation read: %v", err)
		}
		unread, err = conv.IsUnread(ctx, alice)
		if err != nil || unread {
			t.Errorf("expected conversation read, got %v, %v", unread, err)
		}
	})

	t.Run("trash whole conversation", func(t *testing.T) {
		conv := newConv(t)

		if err := svc.Client(bob).Trash(ctx, conv); err != nil {
			t.Fatalf("trash conversation: %v", err)
		}
		trashed, err := conv.IsTrashedFor(ctx, bob)
		if err != nil || !trashed {
			t.Errorf("expected trashed for bob, got %v, %v", trashed, err)
		}

		// Alice's view is untouched
		trashed, err = conv.IsTrashedFor(ctx, alice)
		if err != nil || trashed {
			t.Errorf("alice's receipts must be untouched, got %v, %v", trashed, err)
		}
	})

	t.Run("non-participant gets ErrReceiptNotFound", func(t *testing.T) {
		conv := newConv(t)
		err := svc.Client(user("eve")).MarkRead(ctx, conv)
		if !errors.Is(err, ErrReceiptNotFound) {
			t.Errorf("expected ErrReceiptNotFound, got %v", err)
		}
	})

	t.Run("delete for one participant hides, not destroys", func(t *testing.T) {
		conv := newConv(t)

		if err := svc.Client(bob).Delete(ctx, conv); err != nil {
			t.Fatalf("delete conversation: %v", err)
		}
		deleted, err := conv.IsDeletedFor(ctx, bob)
		if err != nil || !deleted {
			t.Errorf("expected deleted for bob, got %v, %v", deleted, err)
		}

		// Still reachable while alice holds live receipts
		if _, err := svc.GetConversation(ctx, conv.ID()); err != nil {
			t.Errorf("conversation should survive bob's delete: %v", err)
		}
	})

	t.Run("deleting the last receipts destroys the conversation", func(t *testing.T) {
		conv := newConv(t)

		if err := svc.Client(bob).Delete(ctx, conv); err != nil {
			t.Fatalf("delete for bob: %v", err)
		}
		if err := svc.Client(alice).Delete(ctx, conv); err != nil {
			t.Fatalf("delete for alice: %v", err)
		}

		_, err := svc.GetConversation(ctx, conv.ID())
		if err == nil {
			t.Fatal("expected orphaned conversation to be hard-deleted")
		}

		// Messages cascade with the conversation
		msgs, err := conv.Messages(ctx, ListOptions{Limit: 10})
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("expected messages to cascade, got %d", len(msgs))
		}
	})

	t.Run("undelete restores visibility", func(t *testing.T) {
		conv := newConv(t)

		if err := svc.Client(bob).Delete(ctx, conv); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := svc.Client(bob).Undelete(ctx, conv); err != nil {
			t.Fatalf("undelete: %v", err)
		}
		deleted, err := conv.IsDeletedFor(ctx, bob)
		if err != nil || deleted {
			t.Errorf("expected undeleted, got %v, %v", deleted, err)
		}
	})
}

func TestStandaloneOrphan(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	n := mustSend(t)(svc.Notify(ctx, []Participant{alice, bob}, "fleeting", "gone when ignored"))

	if err := svc.Client(alice).Delete(ctx, n); err != nil {
		t.Fatalf("delete for alice: %v", err)
	}
	if _, err := svc.GetNotification(ctx, n.ID()); err != nil {
		t.Fatalf("notification should survive one delete: %v", err)
	}

	if err := svc.Client(bob).Delete(ctx, n); err != nil {
		t.Fatalf("delete for bob: %v", err)
	}
	if _, err := svc.GetNotification(ctx, n.ID()); err == nil {
		t.Fatal("expected orphaned notification to be hard-deleted")
	}
}

func TestBoxes(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	n := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "boxes", "where am I filed"))
	convID := n.ConversationID()

	t.Run("inbox and sentbox", func(t *testing.T) {
		page, err := svc.Client(bob).Conversations(ctx, BoxInbox, ListOptions{})
		if err != nil {
			t.Fatalf("bob inbox: %v", err)
		}
		if !containsID(page.IDs(), convID) {
			t.Error("expected conversation in bob's inbox")
		}

		page, err = svc.Client(alice).Conversations(ctx, BoxSentbox, ListOptions{})
		if err != nil {
			t.Fatalf("alice sentbox: %v", err)
		}
		if !containsID(page.IDs(), convID) {
			t.Error("expected conversation in alice's sentbox")
		}

		page, err = svc.Client(alice).Conversations(ctx, BoxInbox, ListOptions{})
		if err != nil {
			t.Fatalf("alice inbox: %v", err)
		}
		if containsID(page.IDs(), convID) {
			t.Error("sender's own message must not appear in their inbox")
		}
	})

	t.Run("trash moves between boxes", func(t *testing.T) {
		conv, err := svc.GetConversation(ctx, convID)
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		if err := svc.Client(bob).Trash(ctx, conv); err != nil {
			t.Fatalf("trash: %v", err)
		}

		page, err := svc.Client(bob).Conversations(ctx, BoxInbox, ListOptions{})
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		if containsID(page.IDs(), convID) {
			t.Error("trashed conversation must leave the inbox")
		}

		page, err = svc.Client(bob).Conversations(ctx, BoxTrash, ListOptions{})
		if err != nil {
			t.Fatalf("trash box: %v", err)
		}
		if !containsID(page.IDs(), convID) {
			t.Error("trashed conversation must appear in trash")
		}

		if err := svc.Client(bob).Untrash(ctx, conv); err != nil {
			t.Fatalf("untrash: %v", err)
		}
	})

	t.Run("unread count", func(t *testing.T) {
		fresh := setupTestService(t)
		defer fresh.Close(ctx)

		count, err := fresh.Client(bob).UnreadCount(ctx)
		if err != nil || count != 0 {
			t.Fatalf("expected 0 unread, got %d, %v", count, err)
		}

		mustSend(t)(fresh.Client(alice).SendMessage(ctx, []Participant{bob}, "one", "first"))
		two := mustSend(t)(fresh.Client(alice).SendMessage(ctx, []Participant{bob}, "two", "second"))

		count, err = fresh.Client(bob).UnreadCount(ctx)
		if err != nil || count != 2 {
			t.Fatalf("expected 2 unread, got %d, %v", count, err)
		}

		if err := fresh.Client(bob).MarkRead(ctx, two); err != nil {
			t.Fatalf("mark read: %v", err)
		}
		count, err = fresh.Client(bob).UnreadCount(ctx)
		if err != nil || count != 1 {
			t.Fatalf("expected 1 unread, got %d, %v", count, err)
		}
	})

	t.Run("notifications listing", func(t *testing.T) {
		fresh := setupTestService(t)
		defer fresh.Close(ctx)

		mustSend(t)(fresh.Notify(ctx, []Participant{bob}, "a", "first"))
		mustSend(t)(fresh.Notify(ctx, []Participant{bob}, "b", "second"))

		list, err := fresh.Client(bob).Notifications(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("notifications: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 notifications, got %d", len(list))
		}
		// Oldest first
		if list[0].Subject() != "a" || list[1].Subject() != "b" {
			t.Errorf("expected chronological order, got %q, %q", list[0].Subject(), list[1].Subject())
		}
	})
}

func TestSearchConversations(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")

	planning := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob},
		"Project planning", "kickoff next week"))
	budget := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob},
		"Numbers", "the budget is approved"))

	t.Run("matches subject", func(t *testing.T) {
		page, err := svc.Client(bob).SearchConversations(ctx, "planning", ListOptions{})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if !containsID(page.IDs(), planning.ConversationID()) {
			t.Error("expected subject match")
		}
		if containsID(page.IDs(), budget.ConversationID()) {
			t.Error("unexpected match on unrelated conversation")
		}
	})

	t.Run("matches body case-insensitively", func(t *testing.T) {
		page, err := svc.Client(bob).SearchConversations(ctx, "BUDGET", ListOptions{})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if !containsID(page.IDs(), budget.ConversationID()) {
			t.Error("expected case-insensitive body match")
		}
	})

	t.Run("deleted receipts are excluded", func(t *testing.T) {
		conv, err := svc.GetConversation(ctx, budget.ConversationID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		if err := svc.Client(bob).Delete(ctx, conv); err != nil {
			t.Fatalf("delete: %v", err)
		}

		page, err := svc.Client(bob).SearchConversations(ctx, "budget", ListOptions{})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if containsID(page.IDs(), budget.ConversationID()) {
			t.Error("deleted conversation must not match searches")
		}
	})
}

func TestReplies(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := user("alice")
	bob := user("bob")
	carol := user("carol")

	t.Run("reply keeps the conversation subject", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "thread subject", "first"))
		reply := mustSend(t)(svc.Client(bob).ReplyToConversation(ctx, first.ConversationID(), "second"))

		if reply.ConversationID() != first.ConversationID() {
			t.Error("reply must land in the same conversation")
		}
		if reply.Subject() != "thread subject" {
			t.Errorf("expected inherited subject, got %q", reply.Subject())
		}
	})

	t.Run("outsiders cannot reply", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "private", "between us"))
		_, err := svc.Client(user("eve")).ReplyToConversation(ctx, first.ConversationID(), "let me in")
		if !errors.Is(err, ErrReceiptNotFound) {
			t.Errorf("expected ErrReceiptNotFound, got %v", err)
		}
	})

	t.Run("reply with explicit recipients", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob, carol}, "group", "hello all"))
		reply := mustSend(t)(svc.Client(alice).Reply(ctx, first.ConversationID(), []Participant{bob}, "just bob"))

		if reply.ConversationID() != first.ConversationID() {
			t.Error("reply must land in the same conversation")
		}
		if _, err := svc.Client(bob).Receipt(ctx, reply.ID()); err != nil {
			t.Errorf("bob should hold a receipt for the reply: %v", err)
		}
		if _, err := svc.Client(carol).Receipt(ctx, reply.ID()); err == nil {
			t.Error("carol was not addressed and must not receive the reply")
		}
	})

	t.Run("reply to sender targets one participant", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob, carol}, "group", "hello all"))
		reply := mustSend(t)(svc.Client(bob).ReplyToSender(ctx, first, "just to alice"))

		if _, err := svc.Client(alice).Receipt(ctx, reply.ID()); err != nil {
			t.Errorf("alice should hold a receipt for the reply: %v", err)
		}
		if _, err := svc.Client(carol).Receipt(ctx, reply.ID()); err == nil {
			t.Error("carol must not receive a reply-to-sender")
		}
	})

	t.Run("reply to all reaches every participant", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob, carol}, "group", "hello all"))
		reply := mustSend(t)(svc.Client(bob).ReplyToAll(ctx, first, "hello everyone"))

		for _, p := range []*testUser{alice, carol} {
			if _, err := svc.Client(p).Receipt(ctx, reply.ID()); err != nil {
				t.Errorf("%s should hold a receipt for the reply: %v", p.id, err)
			}
		}
	})

	t.Run("reply to standalone notification is rejected", func(t *testing.T) {
		n := mustSend(t)(svc.Notify(ctx, []Participant{bob}, "system", "no replies"))
		_, err := svc.Client(bob).ReplyToSender(ctx, n, "talking back")
		if !errors.Is(err, ErrInvalidNotification) {
			t.Errorf("expected ErrInvalidNotification, got %v", err)
		}
	})

	t.Run("reply restores trashed conversation", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "revive", "original"))
		conv, err := svc.GetConversation(ctx, first.ConversationID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}

		if err := svc.Client(bob).Trash(ctx, conv); err != nil {
			t.Fatalf("trash: %v", err)
		}
		mustSend(t)(svc.Client(alice).ReplyToConversation(ctx, conv.ID(), "are you there?"))

		trashed, err := conv.IsTrashedFor(ctx, bob)
		if err != nil {
			t.Fatalf("is trashed: %v", err)
		}
		if trashed {
			t.Error("reply should restore the conversation from bob's trash")
		}
	})

	t.Run("replying restores the replier's own view", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "comeback", "original"))
		conv, err := svc.GetConversation(ctx, first.ConversationID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}

		if err := svc.Client(bob).Trash(ctx, conv); err != nil {
			t.Fatalf("trash: %v", err)
		}
		if err := svc.Client(bob).Delete(ctx, conv); err != nil {
			t.Fatalf("delete: %v", err)
		}

		mustSend(t)(svc.Client(bob).ReplyToConversation(ctx, conv.ID(), "changed my mind"))

		trashed, err := conv.IsTrashedFor(ctx, bob)
		if err != nil || trashed {
			t.Errorf("reply should untrash the replier's conversation, got %v, %v", trashed, err)
		}
		deleted, err := conv.IsDeletedFor(ctx, bob)
		if err != nil || deleted {
			t.Errorf("reply should un-delete the replier's conversation, got %v, %v", deleted, err)
		}
	})

	t.Run("KeepTrashed leaves trash untouched", func(t *testing.T) {
		first := mustSend(t)(svc.Client(alice).SendMessage(ctx, []Participant{bob}, "stay", "original"))
		conv, err := svc.GetConversation(ctx, first.ConversationID())
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}

		if err := svc.Client(bob).Trash(ctx, conv); err != nil {
			t.Fatalf("trash: %v", err)
		}
		mustSend(t)(svc.Client(alice).ReplyToConversation(ctx, conv.ID(), "quiet reply", KeepTrashed()))

		// The new message's receipt is fresh (untrashed), but the original
		// message receipt stays in trash.
		firstReceipt, err := svc.Client(bob).Receipt(ctx, first.ID())
		if err != nil {
			t.Fatalf("receipt: %v", err)
		}
		if !firstReceipt.IsTrashed() {
			t.Error("KeepTrashed must leave the original receipt in trash")
		}
	})
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
