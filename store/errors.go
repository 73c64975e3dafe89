package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when no snapshot exists for an address.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidExpansion is returned when a snapshot lacks an ID, address or timestamp.
	ErrInvalidExpansion = errors.New("store: invalid expansion")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrUnsupported is returned when a backend lacks an optional capability.
	ErrUnsupported = errors.New("store: operation not supported")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
