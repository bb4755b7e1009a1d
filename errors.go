package parley

import (
	"errors"
	"fmt"

	"github.com/parleyhq/parley/store"
)

// Sentinel errors for the parley package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, parley.ErrNotFound) will match both parley-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when an entity cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("parley: %w", store.ErrNotFound)

	// ErrReceiptNotFound is returned when a per-participant operation
	// finds no receipt for the (notification, participant) pair.
	// Wraps store.ErrReceiptNotFound for consistent error checking.
	ErrReceiptNotFound = fmt.Errorf("parley: %w", store.ErrReceiptNotFound)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("parley: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("parley: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("parley: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("parley: %w", store.ErrInvalidID)

	// ErrDuplicateEntry is returned when a duplicate entry is detected.
	// Wraps store.ErrDuplicateEntry for consistent error checking.
	ErrDuplicateEntry = fmt.Errorf("parley: %w", store.ErrDuplicateEntry)

	// ErrInvalidNotification is returned for notification validation failures.
	ErrInvalidNotification = errors.New("parley: invalid notification")

	// ErrEmptySubject is returned when subject is empty.
	// Wraps store.ErrEmptySubject for consistent error checking.
	ErrEmptySubject = fmt.Errorf("parley: %w", store.ErrEmptySubject)

	// ErrEmptyBody is returned when body is empty.
	// Wraps store.ErrEmptyBody for consistent error checking.
	ErrEmptyBody = fmt.Errorf("parley: %w", store.ErrEmptyBody)

	// ErrSubjectTooLong is returned when subject exceeds maximum length.
	ErrSubjectTooLong = errors.New("parley: subject too long")

	// ErrBodyTooLarge is returned when body exceeds maximum size.
	ErrBodyTooLarge = errors.New("parley: body too large")

	// ErrTooManyRecipients is returned when recipient count exceeds the limit.
	ErrTooManyRecipients = errors.New("parley: too many recipients")

	// ErrInvalidParticipant is returned when a participant reference is
	// missing its kind tag or identifier.
	ErrInvalidParticipant = errors.New("parley: invalid participant")

	// ErrParticipantNotFound is returned when a stored reference cannot
	// be resolved to a participant.
	ErrParticipantNotFound = errors.New("parley: participant not found")

	// ErrDeliveryRejected is returned when at least one synthesized
	// receipt failed validation and the whole delivery batch was rejected.
	ErrDeliveryRejected = errors.New("parley: delivery rejected")

	// ErrEventClientRequired is returned when fatal event errors are
	// requested without an event transport or Redis client to back them.
	ErrEventClientRequired = errors.New("parley: event client is required")
)

// DeliveryError reports a rejected delivery batch. At least one
// synthesized receipt failed validation, so nothing was persisted.
// The failed, unsaved receipts are retained for inspection.
type DeliveryError struct {
	// Failed maps receiver refs to their validation errors.
	Failed map[Ref]error
	// Receipts holds the full unsaved receipt batch as it would have
	// been persisted.
	Receipts []store.ReceiptData
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("parley: delivery rejected - %d of %d receipts failed validation",
		len(e.Failed), len(e.Receipts))
}

func (e *DeliveryError) Unwrap() error {
	return ErrDeliveryRejected
}

// FailedReceivers returns the refs whose receipts failed validation.
func (e *DeliveryError) FailedReceivers() []Ref {
	refs := make([]Ref, 0, len(e.Failed))
	for ref := range e.Failed {
		refs = append(refs, ref)
	}
	return refs
}

// IsDeliveryRejected checks if the error is a delivery rejection and
// returns details.
func IsDeliveryRejected(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parley: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidNotification
}

// EventPublishError is returned when event publishing fails but the
// operation succeeded. The notification was delivered (or the receipt
// mutated), but the event notification failed.
type EventPublishError struct {
	Event string // The event name (e.g., "NotificationDelivered")
	ID    string // The notification or conversation ID the event was for
	Err   error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("parley: event %s publish failed for %s: %v", e.Event, e.ID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and
// returns details. This is useful when eventErrorsFatal=true but you
// still want to know the operation succeeded.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
