package tokenizer

import "github.com/golang-jwt/jwt/v5"

// TicketClaims combines standard claims with session-specific ones
type TicketClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Method    string `json:"mth"`
}
