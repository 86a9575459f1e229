package core

import (
	"context"
	"errors"
)

var (
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrTimeout               = errors.New("timed out")
	ErrInvalidPeerData       = errors.New("invalid peer data")
	ErrTransportUnavailable  = errors.New("transport unavailable")
	ErrCancelled             = errors.New("cancelled")
	ErrSessionNotFound       = errors.New("session not found")
	ErrNotFound              = errors.New("key not found")
	ErrInvalidMethod         = errors.New("invalid connection method")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrCorruptRecord         = errors.New("corrupt record")
	ErrInvalidToken          = errors.New("invalid token")
	ErrTokenExpired          = errors.New("token has expired")
	ErrMintNotReady          = errors.New("emoji exchange incomplete")
)

// Category is the user-facing class of an adapter failure
type Category string

const (
	CategoryUnsupported      Category = "unsupported"
	CategoryPermissionDenied Category = "permission-denied"
	CategoryTransient        Category = "transient-failure"
)

// CategoryOf maps an error onto the category shown to the user
func CategoryOf(err error) Category {
	switch {
	case errors.Is(err, ErrCapabilityUnavailable):
		return CategoryUnsupported
	case errors.Is(err, ErrPermissionDenied):
		return CategoryPermissionDenied
	default:
		return CategoryTransient
	}
}

// Retryable reports whether repeating the failed operation may succeed
// without a method switch or a new user gesture
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCapabilityUnavailable) && !errors.Is(err, ErrPermissionDenied)
}

// FromContext converts a context error into the matching sentinel
func FromContext(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return err
	}
}
