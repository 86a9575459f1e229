package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/layer-3/tapmint/core"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	outboxSize = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type inbound struct {
	Type string         `json:"type"`
	To   string         `json:"to"`
	Data map[string]any `json:"data"`
}

// Stream upgrades to a websocket carrying session messages both ways: every
// message of the session is written to the client, and every frame the client
// sends is published as the ticket holder
func (h *SessionHandlers) Stream(c *gin.Context) {
	ticket := ticketFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbox := make(chan *core.Message, outboxSize)
	unsubscribe := h.relay.Subscribe(ticket, func(msg *core.Message) {
		select {
		case outbox <- msg:
		case <-ctx.Done():
		default:
			h.logger.Warn("dropping message for slow client",
				zap.String("session_id", ticket.SessionID),
				zap.String("message_id", msg.ID))
		}
	})
	defer unsubscribe()

	ended := h.relay.Ended(ctx, ticket.SessionID)

	go h.readLoop(ctx, cancel, conn, ticket)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ended:
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
			return
		case msg := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *SessionHandlers) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, ticket *core.Ticket) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("websocket closed", zap.String("session_id", ticket.SessionID), zap.Error(err))
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}

		if _, err := h.relay.Post(ctx, ticket, &core.Message{
			Type: core.MessageType(in.Type),
			To:   in.To,
			Data: in.Data,
		}); err != nil {
			h.logger.Debug("failed to publish frame", zap.String("session_id", ticket.SessionID), zap.Error(err))
		}
	}
}
