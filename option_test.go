package parley

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestOptionDefaults(t *testing.T) {
	o := newOptions()

	if o.expiredRetention != DefaultExpiredRetention {
		t.Errorf("expected retention %v, got %v", DefaultExpiredRetention, o.expiredRetention)
	}
	if o.maxSubjectLength != DefaultMaxSubjectLength {
		t.Errorf("expected max subject %d, got %d", DefaultMaxSubjectLength, o.maxSubjectLength)
	}
	if o.maxBodySize != DefaultMaxBodySize {
		t.Errorf("expected max body %d, got %d", DefaultMaxBodySize, o.maxBodySize)
	}
	if o.maxRecipientCount != DefaultMaxRecipientCount {
		t.Errorf("expected max recipients %d, got %d", DefaultMaxRecipientCount, o.maxRecipientCount)
	}
	if o.maxQueryLimit != DefaultMaxQueryLimit {
		t.Errorf("expected max query limit %d, got %d", DefaultMaxQueryLimit, o.maxQueryLimit)
	}
	if o.defaultQueryLimit != DefaultQueryLimit {
		t.Errorf("expected default query limit %d, got %d", DefaultQueryLimit, o.defaultQueryLimit)
	}
	if o.maxConcurrentDeliveries != DefaultMaxConcurrentDeliveries {
		t.Errorf("expected max concurrent %d, got %d", DefaultMaxConcurrentDeliveries, o.maxConcurrentDeliveries)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected shutdown timeout %v, got %v", DefaultShutdownTimeout, o.shutdownTimeout)
	}
	if !o.emailEnabled {
		t.Error("expected email enabled by default")
	}
	if o.mailer == nil {
		t.Error("expected default mailer")
	}
	if o.sanitizer == nil {
		t.Error("expected default sanitizer")
	}
	if o.onEventPublishFailure == nil {
		t.Error("expected default event failure handler")
	}
}

func TestOptionValidation(t *testing.T) {
	t.Run("default query limit capped to max", func(t *testing.T) {
		o := newOptions(WithMaxQueryLimit(10), WithDefaultQueryLimit(50))
		if o.defaultQueryLimit != 10 {
			t.Errorf("expected default limit capped to 10, got %d", o.defaultQueryLimit)
		}
	})

	t.Run("nonpositive limits ignored", func(t *testing.T) {
		o := newOptions(
			WithMaxSubjectLength(0),
			WithMaxBodySize(-1),
			WithMaxRecipients(0),
			WithMaxConcurrentDeliveries(-5),
		)
		if o.maxSubjectLength != DefaultMaxSubjectLength ||
			o.maxBodySize != DefaultMaxBodySize ||
			o.maxRecipientCount != DefaultMaxRecipientCount ||
			o.maxConcurrentDeliveries != DefaultMaxConcurrentDeliveries {
			t.Error("nonpositive values should keep defaults")
		}
	})

	t.Run("shutdown timeout minimum", func(t *testing.T) {
		o := newOptions(WithShutdownTimeout(time.Millisecond))
		if o.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("sub-minimum timeout should keep default, got %v", o.shutdownTimeout)
		}
		o = newOptions(WithShutdownTimeout(5 * time.Second))
		if o.shutdownTimeout != 5*time.Second {
			t.Errorf("expected 5s, got %v", o.shutdownTimeout)
		}
	})

	t.Run("nil values ignored", func(t *testing.T) {
		o := newOptions(
			WithLogger(nil),
			WithMailer(nil),
			WithSanitizer(nil),
			WithPlugin(nil),
			WithResolver("", nil),
		)
		if o.logger == nil || o.mailer == nil || o.sanitizer == nil {
			t.Error("nil values should keep defaults")
		}
		if len(o.plugins) != 0 {
			t.Error("nil plugin should not register")
		}
		if len(o.resolvers) != 0 {
			t.Error("empty resolver registration should be ignored")
		}
	})

	t.Run("custom logger", func(t *testing.T) {
		l := slog.Default().With("test", true)
		o := newOptions(WithLogger(l))
		if o.logger != l {
			t.Error("expected custom logger")
		}
	})
}

func TestSafeEventPublishFailure(t *testing.T) {
	t.Run("panicking handler is contained", func(t *testing.T) {
		o := newOptions(WithEventPublishFailureHandler(func(string, error) {
			panic("handler exploded")
		}))

		// Must not propagate the panic
		o.safeEventPublishFailure("NotificationDelivered", errors.New("publish failed"))
	})

	t.Run("handler receives event name and error", func(t *testing.T) {
		var gotName string
		var gotErr error
		o := newOptions(WithEventPublishFailureHandler(func(name string, err error) {
			gotName, gotErr = name, err
		}))

		cause := errors.New("redis down")
		o.safeEventPublishFailure("ReceiptRead", cause)
		if gotName != "ReceiptRead" || !errors.Is(gotErr, cause) {
			t.Errorf("handler got %q, %v", gotName, gotErr)
		}
	})
}

func TestGetLimits(t *testing.T) {
	o := newOptions(WithMaxSubjectLength(10), WithMaxBodySize(20), WithMaxRecipients(3))
	limits := o.getLimits()
	if limits.MaxSubjectLength != 10 || limits.MaxBodySize != 20 || limits.MaxRecipientCount != 3 {
		t.Errorf("unexpected limits: %+v", limits)
	}
}
