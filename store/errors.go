package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when an entity cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrReceiptNotFound is returned when no receipt exists for a
	// (notification, receiver) pair.
	ErrReceiptNotFound = errors.New("store: receipt not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrInvalidRef is returned when a polymorphic reference is missing
	// its kind tag or identifier.
	ErrInvalidRef = errors.New("store: invalid ref")

	// ErrDuplicateEntry is returned when a duplicate entry is detected,
	// e.g. a second receipt for the same (notification, receiver) pair.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrEmptySubject is returned when subject is empty.
	ErrEmptySubject = errors.New("store: empty subject")

	// ErrEmptyBody is returned when body is empty.
	ErrEmptyBody = errors.New("store: empty body")

	// ErrTransactionFailed is returned when a database transaction fails.
	// This indicates the atomic operation could not complete and no
	// changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsReceiptNotFound(err error) bool {
	return errors.Is(err, ErrReceiptNotFound)
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
