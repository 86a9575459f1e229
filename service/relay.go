package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/eth"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

// Relay serves sessions to remote participants. Each participant holds a
// ticket binding its address to one session; every session operation is
// checked against it.
type Relay struct {
	registry  *Registry
	bus       *Bus
	tokenizer ports.Tokenizer
	events    ports.EventSubscriber
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	exchanges map[string]*exchange
}

// NewRelay creates a relay service; events may be nil, in which case Ended
// only fires when its context ends
func NewRelay(registry *Registry, bus *Bus, tokenizer ports.Tokenizer, events ports.EventSubscriber, logger *zap.Logger) *Relay {
	r := &Relay{
		registry:  registry,
		bus:       bus,
		tokenizer: tokenizer,
		events:    events,
		logger:    logging.OrNop(logger).Named("relay"),
		now:       registry.now,
		exchanges: make(map[string]*exchange),
	}
	registry.AddReleaser(r)
	return r
}

// CreateSession opens a session for address and returns its ticket
func (r *Relay) CreateSession(ctx context.Context, method core.Method, address string) (*core.Session, string, error) {
	if !method.Valid() {
		return nil, "", fmt.Errorf("%w: %q", core.ErrInvalidMethod, method)
	}
	address, err := participant(address)
	if err != nil {
		return nil, "", err
	}

	session := r.registry.Create(ctx, method, address)
	token, err := r.issue(session, address)
	if err != nil {
		return nil, "", err
	}
	r.track(session.ID)
	return session, token, nil
}

// JoinSession issues a ticket for address on an existing session
func (r *Relay) JoinSession(ctx context.Context, sessionID, address string) (*core.Session, string, error) {
	address, err := participant(address)
	if err != nil {
		return nil, "", err
	}

	session, ok := r.registry.Get(ctx, sessionID)
	if !ok {
		return nil, "", core.ErrSessionNotFound
	}

	token, err := r.issue(session, address)
	if err != nil {
		return nil, "", err
	}
	r.track(sessionID)

	r.logger.Info("participant joined", zap.String("session_id", sessionID), zap.String("address", address))
	return session, token, nil
}

// Session returns a live session
func (r *Relay) Session(ctx context.Context, sessionID string) (*core.Session, error) {
	session, ok := r.registry.Get(ctx, sessionID)
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return session, nil
}

// Authorize verifies that token grants access to sessionID
func (r *Relay) Authorize(ctx context.Context, token, sessionID string) (*core.Ticket, error) {
	ticket, err := r.tokenizer.TokenToTicket(token)
	if err != nil {
		return nil, err
	}
	if ticket.SessionID != sessionID {
		return nil, fmt.Errorf("%w: ticket is for another session", core.ErrInvalidToken)
	}
	if _, ok := r.registry.Get(ctx, sessionID); !ok {
		return nil, core.ErrSessionNotFound
	}
	return ticket, nil
}

// Post publishes msg on behalf of the ticket holder. The sender is always the
// ticket's address.
func (r *Relay) Post(ctx context.Context, ticket *core.Ticket, msg *core.Message) (*core.Message, error) {
	out := *msg
	out.ID = ""
	out.From = ticket.Address
	out.Timestamp = r.now()

	if err := out.Validate(); err != nil {
		return nil, err
	}
	ex := r.track(ticket.SessionID)
	if !r.bus.Send(ctx, ticket.SessionID, &out) {
		return nil, core.ErrTransportUnavailable
	}
	ex.record(&out)
	return &out, nil
}

// Subscribe streams session messages to handler until the returned function
// is called
func (r *Relay) Subscribe(ticket *core.Ticket, handler func(*core.Message)) func() {
	return r.bus.OnMessage(ticket.SessionID, handler)
}

// Leave announces the ticket holder's departure and ends the session
func (r *Relay) Leave(ctx context.Context, ticket *core.Ticket) {
	bye := &core.Message{Type: core.MessageDisconnect, From: ticket.Address}
	if !r.bus.Send(ctx, ticket.SessionID, bye) {
		r.logger.Debug("disconnect announcement not sent", zap.String("session_id", ticket.SessionID))
	}
	r.registry.Disconnect(ctx, ticket.SessionID)
}

// Ended returns a channel closed once the session is disconnected or expires
// on any relay instance, or when ctx ends
func (r *Relay) Ended(ctx context.Context, sessionID string) <-chan struct{} {
	done := make(chan struct{})

	if r.events == nil {
		go func() {
			<-ctx.Done()
			close(done)
		}()
		return done
	}

	watchCtx, cancel := context.WithCancel(ctx)
	records, err := r.events.SubscribeSessionEvents(watchCtx)
	if err != nil {
		cancel()
		r.logger.Warn("failed to watch session events", zap.String("session_id", sessionID), zap.Error(err))
		go func() {
			<-ctx.Done()
			close(done)
		}()
		return done
	}

	go func() {
		defer close(done)
		defer cancel()

		for record := range records {
			if record.SessionID != sessionID {
				continue
			}
			if record.Event == ports.SessionDisconnected || record.Event == ports.SessionExpired {
				return
			}
		}
	}()
	return done
}

func (r *Relay) issue(session *core.Session, address string) (string, error) {
	now := r.now()
	expires := session.CreatedAt.Add(r.registry.MaxAge())
	if !expires.After(now) {
		return "", core.ErrSessionNotFound
	}

	token, err := r.tokenizer.TicketToToken(&core.Ticket{
		SessionID: session.ID,
		Address:   address,
		Method:    session.Method,
		IssuedAt:  now,
		ExpiresAt: expires,
	})
	if err != nil {
		return "", fmt.Errorf("failed to issue ticket: %w", err)
	}
	return token, nil
}

// participant normalises a participant identifier: wallet addresses get their
// checksum form, anything else (a Bluetooth device name) is kept as is
func participant(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: address is required", core.ErrInvalidPeerData)
	}
	return eth.Normalize(address), nil
}
