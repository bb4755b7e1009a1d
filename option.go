package parley

import (
	"log/slog"
	"time"

	"github.com/parleyhq/parley/store"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultExpiredRetention = 30 * 24 * time.Hour // keep expired notifications 30 days
	DefaultShutdownTimeout  = 30 * time.Second    // default graceful shutdown timeout
	MinShutdownTimeout      = 1 * time.Second     // minimum shutdown timeout

	// Default content limits
	DefaultMaxSubjectLength  = 998              // RFC 5322 max line length
	DefaultMaxBodySize       = 10 * 1024 * 1024 // 10 MB
	DefaultMaxRecipientCount = 100              // max recipients per delivery

	// Query limits
	DefaultMaxQueryLimit = 100 // max items per query
	DefaultQueryLimit    = 20  // default items per query

	// Concurrency limits
	DefaultMaxConcurrentDeliveries = 10 // max concurrent deliveries per service
)

// options holds parley configuration.
type options struct {
	store     store.Store
	logger    *slog.Logger
	mailer    Mailer
	sanitizer Sanitizer
	resolvers map[string]ParticipantResolver

	plugins []Plugin

	// Email routing
	emailEnabled bool

	// Expired notification cleanup (for manual cleanup via CleanupExpired)
	expiredRetention time.Duration

	// Content limits
	maxSubjectLength  int
	maxBodySize       int
	maxRecipientCount int

	// Query limits
	maxQueryLimit     int
	defaultQueryLimit int

	// Concurrency limits
	maxConcurrentDeliveries int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures cause operation to fail
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "NotificationDelivered"),
// and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent
// cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:    slog.Default(),
		resolvers: make(map[string]ParticipantResolver),

		emailEnabled:     true,
		expiredRetention: DefaultExpiredRetention,

		maxSubjectLength:  DefaultMaxSubjectLength,
		maxBodySize:       DefaultMaxBodySize,
		maxRecipientCount: DefaultMaxRecipientCount,

		maxQueryLimit:     DefaultMaxQueryLimit,
		defaultQueryLimit: DefaultQueryLimit,

		maxConcurrentDeliveries: DefaultMaxConcurrentDeliveries,

		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Validate query limits consistency
	if o.defaultQueryLimit > o.maxQueryLimit {
		o.defaultQueryLimit = o.maxQueryLimit
	}

	if o.mailer == nil {
		o.mailer = NopMailer{}
	}
	if o.sanitizer == nil {
		o.sanitizer = NewStrictSanitizer()
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a parley service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResolver registers a participant resolver for a reference kind.
// Resolvers are consulted when the library only holds a stored reference,
// e.g. when replying to all conversation participants or routing email.
func WithResolver(kind string, r ParticipantResolver) Option {
	return func(o *options) {
		if kind != "" && r != nil {
			o.resolvers[kind] = r
		}
	}
}

// --- Mail Options ---

// WithMailer sets the external mail dispatcher invoked once per recipient
// with a non-empty email target after a successful delivery.
// Default is NopMailer (no external mail).
func WithMailer(m Mailer) Option {
	return func(o *options) {
		if m != nil {
			o.mailer = m
		}
	}
}

// WithEmailEnabled globally enables or disables external mail dispatch.
// Individual deliveries can additionally suppress mail via SendEmail(false).
// Default is enabled (but the default mailer is a no-op).
func WithEmailEnabled(enabled bool) Option {
	return func(o *options) {
		o.emailEnabled = enabled
	}
}

// --- Sanitizer Options ---

// WithSanitizer sets the text sanitizer applied to subjects and, when
// requested per delivery, bodies. Default strips all HTML markup.
func WithSanitizer(s Sanitizer) Option {
	return func(o *options) {
		if s != nil {
			o.sanitizer = s
		}
	}
}

// --- Plugin/Extension Options ---

// WithPlugin registers a plugin with the service.
// Plugins can hook into the delivery lifecycle.
// Multiple plugins can be registered by calling this option multiple times.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- Cleanup Options ---

// WithExpiredRetention sets how long expired notifications are kept
// before CleanupExpired purges them. Default is 30 days.
func WithExpiredRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.expiredRetention = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for all parley operations.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// When enabled, metrics are collected for all parley operations.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
// This is a convenience function equivalent to calling
// WithTracing(true) and WithMetrics(true).
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for OpenTelemetry telemetry and
// event bus naming. Default is "parley".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Content Limit Options ---

// WithMaxSubjectLength sets the maximum subject length in characters.
// Default is 998 (RFC 5322 max line length).
func WithMaxSubjectLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSubjectLength = n
		}
	}
}

// WithMaxBodySize sets the maximum body size in bytes.
// Default is 10 MB.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodySize = n
		}
	}
}

// WithMaxRecipients sets the maximum number of recipients per delivery.
// Default is 100.
func WithMaxRecipients(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRecipientCount = n
		}
	}
}

// --- Query Limit Options ---

// WithMaxQueryLimit sets the maximum number of items per query.
// Any query requesting more than this limit will be capped.
// Default is 100.
func WithMaxQueryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueryLimit = n
		}
	}
}

// WithDefaultQueryLimit sets the default number of items per query when
// no limit is specified. If this exceeds MaxQueryLimit, it is
// automatically capped to MaxQueryLimit.
// Default is 20.
func WithDefaultQueryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultQueryLimit = n
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentDeliveries sets the maximum number of concurrent
// delivery operations. This prevents resource exhaustion when many
// notifications are being delivered simultaneously.
// Default is 10.
func WithMaxConcurrentDeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentDeliveries = n
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight
// operations during graceful shutdown. When Close() is called, the
// service waits up to this duration for ongoing deliveries to complete.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures
// should cause the operation to fail. By default, event failures are
// logged but the operation succeeds (the notification is still delivered).
//
// Set to true if your application requires guaranteed event delivery,
// for example when events drive critical downstream processes. Fatal
// event errors require a transport (WithEventTransport or
// WithRedisClient); NewService rejects the combination otherwise.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing and
// subscribing. When provided, events are published via the given
// transport for reliable delivery. If not provided, a noop transport is
// used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams for reliable
// delivery. If not provided, a noop transport is used.
//
// Compatible with *redis.Client, *redis.ClusterClient, and
// redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing
// failures. This callback is invoked whenever an event fails to publish
// (and eventErrorsFatal is false). Use this for custom logging, metrics,
// or alerting on event failures.
//
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// getLimits returns the configured content limits.
func (o *options) getLimits() ContentLimits {
	return ContentLimits{
		MaxSubjectLength:  o.maxSubjectLength,
		MaxBodySize:       o.maxBodySize,
		MaxRecipientCount: o.maxRecipientCount,
	}
}
