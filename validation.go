package parley

import (
	"fmt"
	"unicode/utf8"
)

// ContentLimits defines validation limits for notification content.
type ContentLimits struct {
	// MaxSubjectLength is the maximum subject length in characters.
	MaxSubjectLength int
	// MaxBodySize is the maximum body size in bytes.
	MaxBodySize int
	// MaxRecipientCount is the maximum number of recipients per delivery.
	MaxRecipientCount int
}

// DefaultLimits returns the default content limits.
func DefaultLimits() ContentLimits {
	return ContentLimits{
		MaxSubjectLength:  DefaultMaxSubjectLength,
		MaxBodySize:       DefaultMaxBodySize,
		MaxRecipientCount: DefaultMaxRecipientCount,
	}
}

// ValidateSubject validates a notification subject against limits.
func ValidateSubject(subject string, limits ContentLimits) error {
	if subject == "" {
		return ErrEmptySubject
	}
	if length := utf8.RuneCountInString(subject); length > limits.MaxSubjectLength {
		return fmt.Errorf("%w: %d characters exceeds maximum of %d",
			ErrSubjectTooLong, length, limits.MaxSubjectLength)
	}
	return nil
}

// ValidateBody validates a notification body against limits.
func ValidateBody(body string, limits ContentLimits) error {
	if body == "" {
		return ErrEmptyBody
	}
	if len(body) > limits.MaxBodySize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d",
			ErrBodyTooLarge, len(body), limits.MaxBodySize)
	}
	return nil
}

// ValidateRecipients validates the recipient set of a delivery.
// Recipients must be deduplicated before validation so the count check
// reflects the number of unique recipients. An empty set is valid: the
// notification persists with zero recipient receipts.
func ValidateRecipients(recipients []Participant, limits ContentLimits) error {
	if len(recipients) > limits.MaxRecipientCount {
		return fmt.Errorf("%w: %d recipients exceeds maximum of %d",
			ErrTooManyRecipients, len(recipients), limits.MaxRecipientCount)
	}
	for _, p := range recipients {
		if p == nil || !p.Ref().Valid() {
			return ErrInvalidParticipant
		}
	}
	return nil
}
