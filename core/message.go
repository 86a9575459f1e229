package core

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// FreshnessWindow is the maximum age a message may have and still be acted upon
	FreshnessWindow = 5 * time.Second

	// RetentionWindow is how long a message stays on the bus before it is purged
	RetentionWindow = 10 * time.Second

	// MaxClockSkew is how far ahead of the local clock a timestamp may be
	MaxClockSkew = 2 * time.Second
)

// MessageType is the kind of payload carried by a Message
type MessageType string

const (
	MessageEmoji      MessageType = "emoji"
	MessageConnect    MessageType = "connect"
	MessageDisconnect MessageType = "disconnect"
)

// Message is a small payload exchanged between the two ends of a session
type Message struct {
	ID        string         // Bus-assigned id used to drop redeliveries
	Type      MessageType    // Kind of message
	From      string         // Sender identifier, required
	To        string         // Recipient identifier, empty means broadcast
	Data      map[string]any // Type-specific fields
	Timestamp time.Time      // Send time
}

// NewEmojiMessage builds an emoji message from sender
func NewEmojiMessage(from, emoji string, now time.Time) *Message {
	return &Message{
		Type:      MessageEmoji,
		From:      from,
		Data:      map[string]any{"emoji": emoji},
		Timestamp: now,
	}
}

// Validate checks that the message can be published
func (m *Message) Validate() error {
	switch m.Type {
	case MessageEmoji, MessageConnect, MessageDisconnect:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	return nil
}

// Emoji returns the emoji glyph carried by an emoji message
func (m *Message) Emoji() (string, bool) {
	if m.Type != MessageEmoji || m.Data == nil {
		return "", false
	}
	emoji, ok := m.Data["emoji"].(string)
	if !ok || emoji == "" {
		return "", false
	}
	return emoji, true
}

// Fresh reports whether the message is still within window at now. A
// timestamp more than MaxClockSkew in the future is never fresh.
func (m *Message) Fresh(now time.Time, window time.Duration) bool {
	age := now.Sub(m.Timestamp)
	return age < window && age >= -MaxClockSkew
}

// AddressedTo reports whether a participant should see the message
func (m *Message) AddressedTo(participant string) bool {
	return m.To == "" || participant == "" || SameParticipant(m.To, participant)
}

type messageJSON struct {
	ID        string         `json:"id,omitempty"`
	Type      MessageType    `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// MarshalJSON encodes the message with a unix millisecond timestamp
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Type:      m.Type,
		From:      m.From,
		To:        m.To,
		Data:      m.Data,
		Timestamp: m.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON decodes a message from its wire form
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.Type = raw.Type
	m.From = raw.From
	m.To = raw.To
	m.Data = raw.Data
	m.Timestamp = time.Time{}
	if raw.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(raw.Timestamp)
	}
	return nil
}
