package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Fresh(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		name   string
		sentAt time.Time
		fresh  bool
	}{
		{"just sent", now, true},
		{"inside window", now.Add(-4 * time.Second), true},
		{"at window edge", now.Add(-FreshnessWindow), false},
		{"stale", now.Add(-time.Minute), false},
		{"slight clock skew", now.Add(time.Second), true},
		{"far future", now.Add(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewEmojiMessage("0x1", "🔥", tt.sentAt)
			assert.Equal(t, tt.fresh, msg.Fresh(now, FreshnessWindow))
		})
	}
}
