// Package parley provides an embeddable conversation and notification
// library for Go.
//
// It models conversations, messages, notifications, and per-participant
// delivery receipts (read/unread, trashed/untrashed, deleted/undeleted)
// for arbitrary "messageable" entities. It is a data-modeling and
// state-management library, not a transport: there is no network layer
// and no delivery pipeline. All functionality is exposed via interfaces,
// with pluggable storage backends (PostgreSQL, MongoDB, in-memory).
//
// # Basic Usage
//
//	// Create in-memory store for testing
//	st := memory.New()
//
//	// Create the service
//	svc, err := parley.NewService(
//	    parley.WithStore(st),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect initializes indexes/schema
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// Get a messenger for a participant (any type implementing Participant)
//	me := svc.Client(alice)
//
//	// Start a conversation
//	msg, err := me.SendMessage(ctx, []parley.Participant{bob}, "Hello", "World")
//
//	// Recipient-side state lives on receipts, never on the message
//	unread, _ := msg.IsUnread(ctx, bob)
//
// # Receipt model
//
// Delivering one notification to N recipients creates exactly one receipt
// per recipient (plus a pre-read sentbox receipt for the sender of a
// conversation message). All read/trash/delete state is per-receipt, so
// participants never affect each other's view of a shared message. A
// conversation whose receipts are all deleted is orphaned and is
// hard-deleted, cascading to its messages and receipts.
//
// # Storage Backends
//
// The store package provides implementations for:
//   - PostgreSQL (store/postgres) - accepts *sql.DB or *sqlx.DB
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - In-memory (store/memory) - for testing
//
// # Events
//
// Parley provides typed events for delivery lifecycle notifications.
// Events use the github.com/rbaliyan/event/v3 library which supports
// multiple transports (Redis Streams, NATS, Kafka, in-memory channel).
//
// To enable events, pass WithRedisClient or WithEventTransport when
// creating the service:
//
//	svc, err := parley.NewService(
//	    parley.WithStore(st),
//	    parley.WithRedisClient(redisClient),
//	)
//
// Events are automatically registered during Connect(). Access per-service
// events via the Events() method:
//
//	events := svc.Events()
//	events.NotificationDelivered.Subscribe(ctx, handler)
//	events.ReceiptRead.Subscribe(ctx, handler)
//	events.ConversationDeleted.Subscribe(ctx, handler)
package parley
