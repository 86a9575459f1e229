package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/tapmint/adapters/capability"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/service"
	"go.uber.org/zap"
)

// SessionHandlers contains HTTP handlers for session endpoints
type SessionHandlers struct {
	relay  *service.Relay
	mint   *service.MintService
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionHandlers creates new session handlers; mint may be nil to
// disable the mint endpoint
func NewSessionHandlers(relay *service.Relay, mint *service.MintService, logger *zap.Logger) *SessionHandlers {
	return &SessionHandlers{
		relay:  relay,
		mint:   mint,
		logger: logging.OrNop(logger).Named("http"),
		now:    time.Now,
	}
}

type sessionResponse struct {
	Session *core.Session `json:"session"`
	Ticket  string        `json:"ticket,omitempty"`
}

// Health reports liveness
func (h *SessionHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Create handles session creation
func (h *SessionHandlers) Create(c *gin.Context) {
	var req struct {
		Method  string `json:"method" binding:"required"`
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	method, err := core.ParseMethod(req.Method)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown connection method"})
		return
	}

	session, ticket, err := h.relay.CreateSession(c.Request.Context(), method, req.Address)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionResponse{Session: session, Ticket: ticket})
}

// Join handles a participant joining an existing session
func (h *SessionHandlers) Join(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	session, ticket, err := h.relay.JoinSession(c.Request.Context(), c.Param("id"), req.Address)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{Session: session, Ticket: ticket})
}

// Get returns a session
func (h *SessionHandlers) Get(c *gin.Context) {
	session, err := h.relay.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{Session: session})
}

// Disconnect ends the session for everyone
func (h *SessionHandlers) Disconnect(c *gin.Context) {
	h.relay.Leave(c.Request.Context(), ticketFrom(c))
	c.JSON(http.StatusOK, gin.H{"message": "Disconnected"})
}

// Post publishes a message to the session
func (h *SessionHandlers) Post(c *gin.Context) {
	var req struct {
		Type string         `json:"type" binding:"required"`
		To   string         `json:"to"`
		Data map[string]any `json:"data"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	msg, err := h.relay.Post(c.Request.Context(), ticketFrom(c), &core.Message{
		Type: core.MessageType(req.Type),
		To:   req.To,
		Data: req.Data,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// QR returns the invitation QR code for the ticket holder, as JSON with a
// data URL or, with ?format=png, as an image
func (h *SessionHandlers) QR(c *gin.Context) {
	ticket := ticketFrom(c)

	content, err := capability.EncodeQRPayload(ticket.Address, ticket.SessionID, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}

	if c.Query("format") == "png" {
		png, err := capability.RenderQRPNG(content, capability.DefaultQRSize)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
		return
	}

	dataURL, err := capability.RenderQR(content, capability.DefaultQRSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payload": content,
		"image":   dataURL,
	})
}

// Mint pins the exchange recorded for the session and mints it to the
// ticket holder. Emojis in the body are optional and must match the record.
func (h *SessionHandlers) Mint(c *gin.Context) {
	if h.mint == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Minting disabled"})
		return
	}

	var req struct {
		Emoji    string `json:"emoji"`
		Received string `json:"received"`
		Partner  string `json:"partner"`
	}

	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ticket := ticketFrom(c)
	exchange, err := h.relay.Exchange(c.Request.Context(), ticket)
	if err != nil {
		h.fail(c, err)
		return
	}
	if (req.Emoji != "" && req.Emoji != exchange.SentEmoji) ||
		(req.Received != "" && req.Received != exchange.ReceivedEmoji) ||
		(req.Partner != "" && !core.SameParticipant(req.Partner, exchange.Partner)) {
		h.fail(c, fmt.Errorf("%w: exchange does not match the session", core.ErrMintNotReady))
		return
	}

	result, err := h.mint.Mint(c.Request.Context(), exchange)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// fail maps service errors to status codes
func (h *SessionHandlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "Internal error"

	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "Session not found"
	case errors.Is(err, core.ErrInvalidMethod):
		status, msg = http.StatusBadRequest, "Unknown connection method"
	case errors.Is(err, core.ErrInvalidPeerData), errors.Is(err, core.ErrInvalidMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrWalletRequired), errors.Is(err, core.ErrMintNotReady):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrTransportUnavailable):
		status, msg = http.StatusServiceUnavailable, "Message transport unavailable"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}
