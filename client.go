package tapmint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/service"
)

// DefaultTimeout bounds each HTTP request to the relay
const DefaultTimeout = 15 * time.Second

// HTTPClient talks to a relay over its HTTP and websocket API
type HTTPClient struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

var _ Client = (*HTTPClient)(nil)

// NewClient creates a client for the relay at baseURL; httpClient may be nil
func NewClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		http:   httpClient,
		dialer: websocket.DefaultDialer,
	}
}

// CreateSession opens a session on the relay
func (c *HTTPClient) CreateSession(ctx context.Context, method core.Method, address string) (*Membership, error) {
	var m Membership
	body := map[string]string{"method": string(method), "address": address}
	if err := c.do(ctx, http.MethodPost, "/sessions", "", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// JoinSession joins sessionID as address
func (c *HTTPClient) JoinSession(ctx context.Context, sessionID, address string) (*Membership, error) {
	var m Membership
	body := map[string]string{"address": address}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/join"), "", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Session looks up sessionID
func (c *HTTPClient) Session(ctx context.Context, sessionID string) (*core.Session, error) {
	var resp struct {
		Session *core.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// Send publishes msg to the member's session
func (c *HTTPClient) Send(ctx context.Context, m *Membership, msg *core.Message) (*core.Message, error) {
	body := map[string]any{"type": msg.Type, "to": msg.To, "data": msg.Data}
	var resp struct {
		Message *core.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(m.Session.ID, "/messages"), m.Ticket, body, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// SendEmoji is a shorthand for sending an emoji message
func (c *HTTPClient) SendEmoji(ctx context.Context, m *Membership, emoji string) (*core.Message, error) {
	return c.Send(ctx, m, &core.Message{Type: core.MessageEmoji, Data: map[string]any{"emoji": emoji}})
}

// QR returns the invitation payload for the member
func (c *HTTPClient) QR(ctx context.Context, m *Membership) (string, error) {
	var resp struct {
		Payload string `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(m.Session.ID, "/qr"), m.Ticket, nil, &resp); err != nil {
		return "", err
	}
	return resp.Payload, nil
}

// Mint asks the relay to mint the recorded exchange to the member's wallet.
// Non-empty sent, received and partner must match what the relay recorded.
func (c *HTTPClient) Mint(ctx context.Context, m *Membership, sent, received, partner string) (*service.MintResult, error) {
	body := map[string]string{}
	for k, v := range map[string]string{"emoji": sent, "received": received, "partner": partner} {
		if v != "" {
			body[k] = v
		}
	}
	var result service.MintResult
	if err := c.do(ctx, http.MethodPost, sessionPath(m.Session.ID, "/mint"), m.Ticket, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Leave disconnects the session
func (c *HTTPClient) Leave(ctx context.Context, m *Membership) error {
	return c.do(ctx, http.MethodDelete, sessionPath(m.Session.ID, ""), m.Ticket, nil, nil)
}

// Stream opens a websocket stream for the member
func (c *HTTPClient) Stream(ctx context.Context, m *Membership) (*Stream, error) {
	u, err := url.Parse(c.base + sessionPath(m.Session.ID, "/ws"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"ticket": {m.Ticket}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return newStream(conn), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, ticket string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ticket != "" {
		req.Header.Set("Authorization", "Bearer "+ticket)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to relay failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func sessionPath(sessionID, suffix string) string {
	return "/sessions/" + url.PathEscape(sessionID) + suffix
}

// Stream is an open websocket carrying session messages
type Stream struct {
	conn     *websocket.Conn
	messages chan *core.Message
	done     chan struct{}

	writeMu sync.Mutex
	once    sync.Once
	err     error
}

func newStream(conn *websocket.Conn) *Stream {
	s := &Stream{
		conn:     conn,
		messages: make(chan *core.Message, 16),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Messages returns the incoming messages; the channel closes when the stream ends
func (s *Stream) Messages() <-chan *core.Message {
	return s.messages
}

// Err returns why the stream ended once Messages is closed, nil after a
// normal close
func (s *Stream) Err() error {
	return s.err
}

// Send writes msg to the session
func (s *Stream) Send(msg *core.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame := map[string]any{"type": msg.Type, "to": msg.To, "data": msg.Data}
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return nil
}

// Close ends the stream
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.messages)

	for {
		var msg core.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			return
		}
		select {
		case s.messages <- &msg:
		case <-s.done:
			return
		}
	}
}
