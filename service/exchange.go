package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/layer-3/tapmint/core"
)

type sentEmoji struct {
	from  string
	emoji string
}

// exchange records, in arrival order, the first emoji each participant sent
// in one session
type exchange struct {
	mu          sync.Mutex
	sent        []sentEmoji
	unsubscribe func()
}

func (e *exchange) record(msg *core.Message) {
	emoji, ok := msg.Emoji()
	if !ok || msg.From == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sent {
		if core.SameParticipant(s.from, msg.From) {
			return
		}
	}
	e.sent = append(e.sent, sentEmoji{from: msg.From, emoji: emoji})
}

// pair returns what local sent and the first emoji anyone else sent
func (e *exchange) pair(local string) (sent, received, partner string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sent {
		switch {
		case core.SameParticipant(s.from, local):
			if sent == "" {
				sent = s.emoji
			}
		case received == "":
			received, partner = s.emoji, s.from
		}
	}
	return sent, received, partner
}

// track starts recording the emoji exchange of a session; repeated calls
// are no-ops
func (r *Relay) track(sessionID string) *exchange {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, ok := r.exchanges[sessionID]; ok {
		return ex
	}
	ex := &exchange{}
	ex.unsubscribe = r.bus.OnMessage(sessionID, ex.record)
	r.exchanges[sessionID] = ex
	return ex
}

// Release forgets the exchange of an ended session
func (r *Relay) Release(_ context.Context, sessionID string) {
	r.mu.Lock()
	ex, ok := r.exchanges[sessionID]
	delete(r.exchanges, sessionID)
	r.mu.Unlock()

	if ok {
		ex.unsubscribe()
	}
}

// Exchange returns the mint request for the ticket holder once one emoji
// went each way in the session. Only the holder's own first emoji counts as
// sent, and only the first emoji from someone else counts as received.
func (r *Relay) Exchange(ctx context.Context, ticket *core.Ticket) (MintRequest, error) {
	if _, ok := r.registry.Get(ctx, ticket.SessionID); !ok {
		return MintRequest{}, core.ErrSessionNotFound
	}

	sent, received, partner := r.track(ticket.SessionID).pair(ticket.Address)
	if sent == "" || received == "" {
		return MintRequest{}, fmt.Errorf("%w: emoji exchange incomplete", core.ErrMintNotReady)
	}

	return MintRequest{
		SessionID:     ticket.SessionID,
		Method:        ticket.Method,
		LocalAddress:  ticket.Address,
		Partner:       partner,
		SentEmoji:     sent,
		ReceivedEmoji: received,
	}, nil
}
