package parley

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/parleyhq/parley/store"
)

func TestSentinelWrapping(t *testing.T) {
	// Package-level sentinels wrap the corresponding store errors, so a
	// single errors.Is check matches either layer.
	cases := []struct {
		name    string
		parleyE error
		storeE  error
	}{
		{"not found", ErrNotFound, store.ErrNotFound},
		{"receipt not found", ErrReceiptNotFound, store.ErrReceiptNotFound},
		{"not connected", ErrNotConnected, store.ErrNotConnected},
		{"already connected", ErrAlreadyConnected, store.ErrAlreadyConnected},
		{"invalid id", ErrInvalidID, store.ErrInvalidID},
		{"duplicate entry", ErrDuplicateEntry, store.ErrDuplicateEntry},
		{"empty subject", ErrEmptySubject, store.ErrEmptySubject},
		{"empty body", ErrEmptyBody, store.ErrEmptyBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.parleyE, tc.storeE) {
				t.Errorf("expected %v to wrap %v", tc.parleyE, tc.storeE)
			}
		})
	}
}

func TestDeliveryError(t *testing.T) {
	bad := Ref{Kind: "user"}
	err := &DeliveryError{
		Failed: map[Ref]error{bad: store.ErrInvalidRef},
		Receipts: []store.ReceiptData{
			{Receiver: bad},
			{Receiver: Ref{Kind: "user", ID: "ok"}},
		},
	}

	t.Run("unwraps to ErrDeliveryRejected", func(t *testing.T) {
		if !errors.Is(err, ErrDeliveryRejected) {
			t.Error("expected errors.Is ErrDeliveryRejected")
		}
	})

	t.Run("message counts failures", func(t *testing.T) {
		msg := err.Error()
		if !strings.Contains(msg, "1 of 2") {
			t.Errorf("expected failure counts in message, got %q", msg)
		}
	})

	t.Run("failed receivers", func(t *testing.T) {
		refs := err.FailedReceivers()
		if len(refs) != 1 || !refs[0].Equal(bad) {
			t.Errorf("expected failed receiver %v, got %v", bad, refs)
		}
	})

	t.Run("IsDeliveryRejected extracts details", func(t *testing.T) {
		wrapped := fmt.Errorf("deliver: %w", err)
		de, ok := IsDeliveryRejected(wrapped)
		if !ok || de == nil {
			t.Fatal("expected IsDeliveryRejected to match wrapped error")
		}
		if len(de.Receipts) != 2 {
			t.Errorf("expected 2 retained receipts, got %d", len(de.Receipts))
		}
	})
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "recipients", Message: "at least one recipient is required"}

	if !errors.Is(err, ErrInvalidNotification) {
		t.Error("expected ValidationError to unwrap to ErrInvalidNotification")
	}
	if !strings.Contains(err.Error(), "recipients") {
		t.Errorf("expected field in message, got %q", err.Error())
	}
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("broker unavailable")
	err := &EventPublishError{Event: "NotificationDelivered", ID: "n-1", Err: cause}

	t.Run("unwraps to cause", func(t *testing.T) {
		if !errors.Is(err, cause) {
			t.Error("expected errors.Is to reach the cause")
		}
	})

	t.Run("IsEventPublishError extracts details", func(t *testing.T) {
		epe, ok := IsEventPublishError(fmt.Errorf("notify: %w", err))
		if !ok {
			t.Fatal("expected match")
		}
		if epe.Event != "NotificationDelivered" || epe.ID != "n-1" {
			t.Errorf("unexpected details: %+v", epe)
		}
	})

	t.Run("no match for unrelated errors", func(t *testing.T) {
		if _, ok := IsEventPublishError(errors.New("plain")); ok {
			t.Error("expected no match")
		}
	})
}

func TestPluginError(t *testing.T) {
	cause := errors.New("config missing")
	err := &PluginError{Plugin: "spam-filter", Op: "init", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	for _, part := range []string{"spam-filter", "init"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("expected %q in message, got %q", part, err.Error())
		}
	}
}
