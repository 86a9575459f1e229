package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/ports"
)

// AudienceTicket marks tokens granting access to a session
const AudienceTicket = "session:ticket"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return &JWTTokenizer{signKey: signKey}
}

// TicketToToken converts a Ticket to a signed JWT
func (j *JWTTokenizer) TicketToToken(ticket *core.Ticket) (string, error) {
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ticket.Address,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(ticket.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(ticket.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceTicket},
		},
		SessionID: ticket.SessionID,
		Method:    string(ticket.Method),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket: %w", err)
	}

	return signedToken, nil
}

// TokenToTicket parses and verifies a JWT and returns the ticket it carries
func (j *JWTTokenizer) TokenToTicket(tokenStr string) (*core.Ticket, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceTicket))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || claims.SessionID == "" {
		return nil, core.ErrInvalidToken
	}

	ticket := &core.Ticket{
		SessionID: claims.SessionID,
		Address:   claims.Subject,
		Method:    core.Method(claims.Method),
	}
	if claims.IssuedAt != nil {
		ticket.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		ticket.ExpiresAt = claims.ExpiresAt.Time
	}

	return ticket, nil
}
