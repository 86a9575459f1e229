package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/service"
)

const ticketKey = "ticket"

// TicketMiddleware creates middleware that validates session tickets. The
// ticket comes from the Authorization header or, for websocket upgrades that
// cannot set headers, the "ticket" query parameter.
func TicketMiddleware(relay *service.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("ticket")
		if auth := c.GetHeader("Authorization"); auth != "" {
			if !strings.HasPrefix(auth, "Bearer ") || len(auth) < 8 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
				return
			}
			token = auth[7:]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing ticket"})
			return
		}

		ticket, err := relay.Authorize(c.Request.Context(), token, c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, core.ErrTokenExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Ticket expired"})
			case errors.Is(err, core.ErrSessionNotFound):
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid ticket"})
			}
			return
		}

		// Make the ticket available to handlers
		c.Set(ticketKey, ticket)

		c.Next()
	}
}

func ticketFrom(c *gin.Context) *core.Ticket {
	ticket, _ := c.MustGet(ticketKey).(*core.Ticket)
	return ticket
}
