package tapmint

import (
	"context"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/service"
)

// Client represents the public interface for talking to a TapMint relay
type Client interface {
	// CreateSession opens a session and returns the creator's membership
	CreateSession(ctx context.Context, method core.Method, address string) (*Membership, error)

	// JoinSession joins an existing session, typically one read from a QR code or NFC tag
	JoinSession(ctx context.Context, sessionID, address string) (*Membership, error)

	// Session looks up a live session
	Session(ctx context.Context, sessionID string) (*core.Session, error)

	// Send publishes a message to the session as the member
	Send(ctx context.Context, m *Membership, msg *core.Message) (*core.Message, error)

	// Stream opens a two-way message stream for the member
	Stream(ctx context.Context, m *Membership) (*Stream, error)

	// QR returns the invitation payload other devices scan to join
	QR(ctx context.Context, m *Membership) (string, error)

	// Mint records the finished emoji exchange as a connection NFT
	Mint(ctx context.Context, m *Membership, sent, received, partner string) (*service.MintResult, error)

	// Leave ends the session for both participants
	Leave(ctx context.Context, m *Membership) error
}

// Membership is one participant's access to a session
type Membership struct {
	Session *core.Session `json:"session"`
	Ticket  string        `json:"ticket"`
}
