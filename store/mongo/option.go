package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase                = "parley"
	DefaultConversationsCollection = "conversations"
	DefaultNotificationsCollection = "notifications"
	DefaultReceiptsCollection      = "receipts"
	DefaultTimeout                 = 10 * time.Second
)

// options holds MongoDB store configuration.
type options struct {
	database      string
	conversations string
	notifications string
	receipts      string
	timeout       time.Duration
	logger        *slog.Logger
	enableRegex   bool // Enable regex-based text search (disabled by default for security)
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:      DefaultDatabase,
		conversations: DefaultConversationsCollection,
		notifications: DefaultNotificationsCollection,
		receipts:      DefaultReceiptsCollection,
		timeout:       DefaultTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB store.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollections sets the conversations, notifications, and receipts
// collection names. Empty names keep the defaults.
func WithCollections(conversations, notifications, receipts string) Option {
	return func(o *options) {
		if conversations != "" {
			o.conversations = conversations
		}
		if notifications != "" {
			o.notifications = notifications
		}
		if receipts != "" {
			o.receipts = receipts
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
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

// WithEnableRegex enables regex-based conversation search.
// By default, regex search is disabled for security reasons (ReDoS
// prevention). When disabled, SearchConversations returns
// ErrRegexSearchDisabled. Enable this only if you trust the search
// input or have proper rate limiting.
func WithEnableRegex(enable bool) Option {
	return func(o *options) {
		o.enableRegex = enable
	}
}
