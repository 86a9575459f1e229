package ports

import "github.com/layer-3/tapmint/core"

// Tokenizer converts between session tickets and signed tokens
type Tokenizer interface {
	TicketToToken(ticket *core.Ticket) (string, error)
	TokenToTicket(token string) (*core.Ticket, error)
}
