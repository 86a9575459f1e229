package core

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxSessionAge is how long a session lives after creation
	MaxSessionAge = 30 * time.Minute

	// CleanupInterval is how often expired sessions are evicted
	CleanupInterval = 5 * time.Minute
)

// Method identifies the physical connection method used to pair two devices
type Method string

const (
	MethodBluetooth Method = "bluetooth"
	MethodNFC       Method = "nfc"
	MethodQR        Method = "qr"
)

// Methods lists every supported connection method
var Methods = []Method{MethodBluetooth, MethodNFC, MethodQR}

// ParseMethod converts a raw string into a Method
func ParseMethod(raw string) (Method, error) {
	switch m := Method(raw); m {
	case MethodBluetooth, MethodNFC, MethodQR:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, raw)
	}
}

// Valid reports whether m is one of the supported methods
func (m Method) Valid() bool {
	_, err := ParseMethod(string(m))
	return err == nil
}

// Session represents one ephemeral connection between two participants
type Session struct {
	ID           string    // Unique session identifier
	Method       Method    // How the two devices found each other
	CreatedAt    time.Time // When the session was created
	LocalAddress string    // Identifier of the local participant, if known
}

// Age returns how old the session is at now
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Expired reports whether the session is older than maxAge at now
func (s *Session) Expired(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) > maxAge
}

type sessionJSON struct {
	ID        string `json:"id"`
	Method    Method `json:"method"`
	Timestamp int64  `json:"timestamp"`
	Address   string `json:"address,omitempty"`
}

// MarshalJSON encodes the session with a unix millisecond timestamp
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		ID:        s.ID,
		Method:    s.Method,
		Timestamp: s.CreatedAt.UnixMilli(),
		Address:   s.LocalAddress,
	})
}

// UnmarshalJSON decodes a session and rejects records missing an id, a valid
// method or a timestamp
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" || !raw.Method.Valid() || raw.Timestamp <= 0 {
		return ErrCorruptRecord
	}

	s.ID = raw.ID
	s.Method = raw.Method
	s.CreatedAt = time.UnixMilli(raw.Timestamp)
	s.LocalAddress = raw.Address
	return nil
}

// Ticket grants one participant access to a session on the relay
type Ticket struct {
	SessionID string    // Session the ticket is bound to
	Address   string    // Participant holding the ticket
	Method    Method    // Connection method of the session
	IssuedAt  time.Time // When the ticket was issued
	ExpiresAt time.Time // When the ticket stops being accepted
}
