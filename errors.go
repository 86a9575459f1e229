package tapmint

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionNotFound is returned when the relay does not know the session
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTicket is returned when the relay rejects a ticket
	ErrInvalidTicket = errors.New("invalid ticket")

	// ErrBadRequest is returned when the relay rejects the request payload
	ErrBadRequest = errors.New("bad request")

	// ErrRelayUnavailable is returned when the relay cannot deliver messages
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrStreamClosed is returned when writing to a closed stream
	ErrStreamClosed = errors.New("stream closed")
)

// APIError is a non-2xx response from the relay
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the status code onto the package sentinels
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusUnauthorized:
		return ErrInvalidTicket
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusServiceUnavailable:
		return ErrRelayUnavailable
	default:
		return nil
	}
}
