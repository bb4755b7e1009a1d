package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/store"
)

// Type aliases for commonly used store types.
// These allow users to work with the parley package without importing
// store directly.
type (
	ListOptions = store.ListOptions
	Flags       = store.Flags
	Box         = store.Box
	Mailbox     = store.Mailbox
	Kind        = store.Kind
)

// Re-exported store constants.
const (
	BoxInbox   = store.BoxInbox
	BoxSentbox = store.BoxSentbox
	BoxTrash   = store.BoxTrash

	MailboxInbox   = store.MailboxInbox
	MailboxSentbox = store.MailboxSentbox

	KindNotification = store.KindNotification
	KindMessage      = store.KindMessage
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service manages the parley system. It owns the storage connection and
// creates per-participant messengers.
type Service interface {
	ServiceHealth

	// Connect establishes connections to storage backends and initializes
	// the event bus and plugins.
	Connect(ctx context.Context) error
	// Close closes all connections after draining in-flight deliveries.
	Close(ctx context.Context) error
	// Client returns a messenger bound to the given participant.
	// The returned messenger shares the service's connections.
	Client(p Participant) Messenger
	// Notify delivers a standalone notification (no conversation, no
	// sender sentbox receipt) to the given recipients.
	Notify(ctx context.Context, recipients []Participant, subject, body string, opts ...SendOption) (*Notification, error)
	// GetNotification retrieves a notification handle by ID.
	GetNotification(ctx context.Context, id string) (*Notification, error)
	// GetConversation retrieves a conversation handle by ID.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// CleanupExpired permanently deletes notifications that expired
	// longer ago than the configured retention period. Call this
	// periodically using your application's scheduler.
	CleanupExpired(ctx context.Context) (*CleanupResult, error)
	// Events returns per-service event instances for subscribing and
	// publishing.
	Events() *ServiceEvents
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store     store.Store
	logger    *slog.Logger
	opts      *options
	state     int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins   *pluginRegistry
	otel      *otelInstrumentation
	resolvers *resolverRegistry
	mailer    Mailer
	sanitizer Sanitizer

	deliverSem *semaphore.Weighted // Limits concurrent deliveries to prevent resource exhaustion
	eventBus   *event.Bus          // Event bus for publishing events
	events     *ServiceEvents      // Per-service event instances
}

// NewService creates a new parley service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	// Fatal event errors demand a real transport: the noop transport
	// never fails, so the guarantee would be silently meaningless.
	if o.eventErrorsFatal && o.eventTransport == nil && o.redisClient == nil {
		return nil, ErrEventClientRequired
	}

	// Initialize plugin registry
	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	// Initialize OTel instrumentation
	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:      o.store,
		logger:     o.logger,
		opts:       o,
		plugins:    plugins,
		otel:       otelInstr,
		resolvers:  newResolverRegistry(o.resolvers),
		mailer:     o.mailer,
		sanitizer:  o.sanitizer,
		deliverSem: semaphore.NewWeighted(int64(o.maxConcurrentDeliveries)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// Use three-state to prevent Client() operations from seeing partial
	// initialization: stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	// Initialize event bus with appropriate transport
	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	// Initialize plugins
	if err := s.plugins.initAll(ctx); err != nil {
		s.eventBus.Close(ctx)
		s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("parley service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
// Each service creates its own bus and its own per-service events.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "parley"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	// Create and register per-service events (unique per service instance).
	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Close closes connections to storage backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight deliveries to complete (graceful shutdown).
	// After setting state to disconnected, no new deliveries can start
	// because checkAccess fails. Acquiring all semaphore slots waits for
	// existing operations to finish.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.deliverSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentDeliveries)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.deliverSem.Release(int64(s.opts.maxConcurrentDeliveries))
		s.logger.Info("all in-flight operations completed")
	}

	// Close plugins first (reverse order of init)
	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	// Close event bus only if using a real transport. For noop transport
	// the bus doesn't hold resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// checkAccess verifies the service is ready for operations.
func (s *service) checkAccess() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Client returns a messenger bound to the given participant.
func (s *service) Client(p Participant) Messenger {
	return &messenger{
		participant: p,
		ref:         refOf(p),
		service:     s,
	}
}

// Notify delivers a standalone notification to the given recipients.
// Unlike conversation messages, standalone notifications have no sender
// sentbox receipt: the sender (if any) only appears as metadata.
func (s *service) Notify(ctx context.Context, recipients []Participant, subject, body string, opts ...SendOption) (*Notification, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	return s.deliver(ctx, delivery{
		kind:       store.KindNotification,
		sender:     nil,
		recipients: recipients,
		subject:    subject,
		body:       body,
	}, opts...)
}

// GetNotification retrieves a notification handle by ID.
func (s *service) GetNotification(ctx context.Context, id string) (*Notification, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "parley.get")
	start := time.Now()
	var getErr error
	defer func() {
		endSpan(getErr)
		s.otel.recordGet(ctx, time.Since(start), getErr)
	}()

	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		getErr = err
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return newNotification(n, s), nil
}

// GetConversation retrieves a conversation handle by ID.
func (s *service) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "parley.get")
	start := time.Now()
	var getErr error
	defer func() {
		endSpan(getErr)
		s.otel.recordGet(ctx, time.Since(start), getErr)
	}()

	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		getErr = err
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return newConversation(c, s), nil
}

// CleanupResult contains the result of an expired-notification cleanup.
type CleanupResult struct {
	// DeletedCount is the number of notifications permanently deleted.
	DeletedCount int64
}

// CleanupExpired permanently deletes notifications that expired longer
// ago than the configured retention period (default 30 days), cascading
// to their receipts.
//
// This method should be called periodically by the application using its
// own scheduler (e.g., cron job, background worker). The library does not
// automatically run cleanup to give applications full control over
// scheduling.
//
// Example with a simple ticker:
//
//	go func() {
//	    ticker := time.NewTicker(1 * time.Hour)
//	    defer ticker.Stop()
//	    for range ticker.C {
//	        result, err := svc.CleanupExpired(ctx)
//	        if err != nil {
//	            log.Printf("cleanup error: %v", err)
//	        } else if result.DeletedCount > 0 {
//	            log.Printf("purged %d expired notifications", result.DeletedCount)
//	        }
//	    }
//	}()
func (s *service) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "parley.cleanup")
	start := time.Now()
	var cleanupErr error
	result := &CleanupResult{}
	defer func() {
		endSpan(cleanupErr)
		s.otel.recordCleanup(ctx, time.Since(start), result.DeletedCount, cleanupErr)
	}()

	cutoff := time.Now().UTC().Add(-s.opts.expiredRetention)
	deleted, err := s.store.DeleteExpiredNotifications(ctx, cutoff)
	if err != nil {
		cleanupErr = err
		return result, fmt.Errorf("delete expired notifications: %w", err)
	}

	result.DeletedCount = deleted
	if deleted > 0 {
		s.logger.Debug("purged expired notifications", "count", deleted)
	}
	return result, nil
}

// publishReceiptRead publishes a ReceiptRead event for a receipt that was
// just marked read. Honors the eventErrorsFatal option: returns an
// EventPublishError when fatal, logs via the failure handler otherwise.
func (s *service) publishReceiptRead(ctx context.Context, notificationID string, receiver Ref) error {
	if s.events == nil {
		return nil
	}
	err := s.events.ReceiptRead.Publish(ctx, ReceiptReadEvent{
		NotificationID: notificationID,
		Receiver:       receiver,
		ReadAt:         time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	if s.opts.eventErrorsFatal {
		return &EventPublishError{Event: "ReceiptRead", ID: notificationID, Err: err}
	}
	s.opts.safeEventPublishFailure("ReceiptRead", err)
	return nil
}

// publishConversationDeleted publishes a ConversationDeleted event after
// an orphaned conversation was hard-deleted.
func (s *service) publishConversationDeleted(ctx context.Context, c *store.Conversation) error {
	if s.events == nil {
		return nil
	}
	err := s.events.ConversationDeleted.Publish(ctx, ConversationDeletedEvent{
		ConversationID: c.ID,
		Subject:        c.Subject,
		DeletedAt:      time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	if s.opts.eventErrorsFatal {
		return &EventPublishError{Event: "ConversationDeleted", ID: c.ID, Err: err}
	}
	s.opts.safeEventPublishFailure("ConversationDeleted", err)
	return nil
}
