package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

const (
	// DefaultAcquireTimeout bounds how long an adapter may look for a peer
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultErrorReset is how long a failure stays visible before the
	// controller returns to method selection
	DefaultErrorReset = 3 * time.Second
)

// Phase is a step of the connect and emoji exchange flow
type Phase string

const (
	PhaseChooseMethod   Phase = "choose-method"
	PhaseRunningAdapter Phase = "running-adapter"
	PhaseConnected      Phase = "connected"
	PhaseEmojiExchange  Phase = "emoji-exchange"
	PhaseMintReady      Phase = "mint-ready"
	PhaseFailed         Phase = "failed"
)

// MintRequest is everything the mint step needs from a finished exchange
type MintRequest struct {
	SessionID     string      `json:"sessionId"`
	Method        core.Method `json:"method"`
	LocalAddress  string      `json:"address"`
	Partner       string      `json:"partner"`
	SentEmoji     string      `json:"emoji"`
	ReceivedEmoji string      `json:"received"`
}

// Snapshot is a point in time view of a controller
type Snapshot struct {
	Phase         Phase
	Session       *core.Session
	Peer          *core.PeerDescriptor
	SentEmoji     string
	ReceivedEmoji string
	PeerLeft      bool
	Err           error
}

// EnterOptions selects the session a controller joins
type EnterOptions struct {
	SessionID string               // Join this session; empty creates a new one
	Method    core.Method          // Method used to reach the peer
	Peer      *core.PeerDescriptor // Peer found by an adapter, if any
}

// ControllerConfig configures a controller
type ControllerConfig struct {
	LocalAddress   string
	AcquireTimeout time.Duration
	ErrorReset     time.Duration
	Freshness      time.Duration // defaults to the bus window
	Logger         *zap.Logger
	Now            func() time.Time
}

// Controller drives one participant through connect, emoji exchange and the
// hand-off to minting
type Controller struct {
	registry *Registry
	bus      *Bus
	adapters map[core.Method]ports.Capability
	logger   *zap.Logger
	now      func() time.Time

	local          string
	acquireTimeout time.Duration
	errorReset     time.Duration
	freshness      time.Duration

	mu            sync.Mutex
	phase         Phase
	session       *core.Session
	peer          *core.PeerDescriptor
	sent          string
	sending       bool
	received      string
	peerLeft      bool
	lastErr       error
	mintReady     bool
	mintFired     bool
	onMintReady   func(MintRequest)
	unsubscribe   func()
	active        ports.Capability
	cancelAcquire context.CancelFunc
	resetTimer    *time.Timer
}

// NewController creates a controller using the given adapters
func NewController(registry *Registry, bus *Bus, adapters []ports.Capability, cfg ControllerConfig) *Controller {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.ErrorReset <= 0 {
		cfg.ErrorReset = DefaultErrorReset
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = core.FreshnessWindow
		if bus != nil {
			cfg.Freshness = bus.Freshness()
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	byMethod := make(map[core.Method]ports.Capability, len(adapters))
	for _, adapter := range adapters {
		byMethod[adapter.Method()] = adapter
	}

	return &Controller{
		registry:       registry,
		bus:            bus,
		adapters:       byMethod,
		logger:         logging.OrNop(cfg.Logger).Named("controller"),
		now:            cfg.Now,
		local:          cfg.LocalAddress,
		acquireTimeout: cfg.AcquireTimeout,
		errorReset:     cfg.ErrorReset,
		freshness:      cfg.Freshness,
		phase:          PhaseChooseMethod,
	}
}

// Available returns the methods whose adapters report support
func (c *Controller) Available(ctx context.Context) []core.Method {
	var out []core.Method
	for _, method := range core.Methods {
		if adapter, ok := c.adapters[method]; ok && adapter.Probe(ctx) {
			out = append(out, method)
		}
	}
	return out
}

// Connect runs the adapter for method and enters the session it finds
func (c *Controller) Connect(ctx context.Context, method core.Method) (*core.Session, error) {
	adapter, ok := c.adapters[method]
	if !ok {
		return nil, c.fail(fmt.Errorf("%w: no %s adapter", core.ErrCapabilityUnavailable, method))
	}

	c.mu.Lock()
	if c.phase == PhaseRunningAdapter {
		c.mu.Unlock()
		return nil, errors.New("adapter already running")
	}
	acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	c.stopResetLocked()
	c.phase = PhaseRunningAdapter
	c.active = adapter
	c.cancelAcquire = cancel
	c.lastErr = nil
	c.mu.Unlock()

	defer cancel()

	if !adapter.Probe(acquireCtx) {
		c.clearAdapter()
		return nil, c.fail(fmt.Errorf("%w: %s not supported on this device", core.ErrCapabilityUnavailable, method))
	}

	c.logger.Debug("running adapter", zap.String("method", string(method)))
	peer, err := adapter.Acquire(acquireCtx)
	c.clearAdapter()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s adapter", core.FromContext(err), method)
		}
		if errors.Is(err, core.ErrCancelled) {
			c.mu.Lock()
			c.phase = PhaseChooseMethod
			c.mu.Unlock()
			return nil, err
		}
		return nil, c.fail(err)
	}

	if err := peer.Validate(c.local, c.now()); err != nil {
		return nil, c.fail(err)
	}

	session, err := c.Enter(ctx, EnterOptions{
		SessionID: peer.SessionID,
		Method:    method,
		Peer:      peer,
	})
	if err != nil {
		return nil, c.fail(err)
	}
	return session, nil
}

// Enter joins the given session, or a new one, and starts listening for the
// peer's messages
func (c *Controller) Enter(ctx context.Context, opts EnterOptions) (*core.Session, error) {
	var (
		session *core.Session
		err     error
	)
	if opts.SessionID != "" {
		session, err = c.registry.Adopt(ctx, opts.SessionID, opts.Method, c.local)
		if err != nil {
			return nil, err
		}
	} else {
		if !opts.Method.Valid() {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidMethod, opts.Method)
		}
		session = c.registry.Create(ctx, opts.Method, c.local)
	}

	c.mu.Lock()
	previous := c.unsubscribe
	c.stopResetLocked()
	c.session = session
	c.peer = opts.Peer
	c.sent, c.received = "", ""
	c.sending, c.peerLeft = false, false
	c.mintReady, c.mintFired = false, false
	c.lastErr = nil
	c.phase = PhaseConnected
	c.unsubscribe = c.bus.OnMessage(session.ID, func(msg *core.Message) {
		c.handle(session.ID, msg)
	})
	c.mu.Unlock()

	if previous != nil {
		previous()
	}

	hello := &core.Message{
		Type: core.MessageConnect,
		From: c.local,
		Data: map[string]any{"method": string(session.Method)},
	}
	if !c.bus.Send(ctx, session.ID, hello) {
		c.logger.Debug("connect announcement not sent", zap.String("session_id", session.ID))
	}

	c.logger.Info("entered session",
		zap.String("session_id", session.ID),
		zap.String("method", string(session.Method)))
	return session, nil
}

// SendEmoji sends the local emoji to the peer. Only the first successful
// emoji counts; later calls are ignored.
func (c *Controller) SendEmoji(ctx context.Context, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("%w: empty emoji", core.ErrInvalidMessage)
	}

	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return core.ErrSessionNotFound
	}
	if c.sent != "" || c.sending {
		c.mu.Unlock()
		return nil
	}
	c.sending = true
	c.mu.Unlock()

	ok := c.bus.Send(ctx, session.ID, core.NewEmojiMessage(c.local, emoji, c.now()))

	c.mu.Lock()
	c.sending = false
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: emoji not delivered", core.ErrTransportUnavailable)
	}
	if c.session == nil || c.session.ID != session.ID {
		c.mu.Unlock()
		return nil
	}
	c.sent = emoji
	c.advanceLocked()
	fire := c.takeMintLocked()
	c.mu.Unlock()

	fire()
	return nil
}

// handle processes a message from the session's bus subscription
func (c *Controller) handle(sessionID string, msg *core.Message) {
	c.mu.Lock()

	if c.session == nil || c.session.ID != sessionID || msg.From == "" || core.SameParticipant(msg.From, c.local) || !msg.AddressedTo(c.local) {
		c.mu.Unlock()
		return
	}
	if !msg.Fresh(c.now(), c.freshness) {
		c.mu.Unlock()
		return
	}

	switch msg.Type {
	case core.MessageConnect:
		if c.peer == nil {
			c.peer = &core.PeerDescriptor{
				Method:    c.session.Method,
				Address:   msg.From,
				SessionID: c.session.ID,
				Timestamp: msg.Timestamp,
			}
		}
		c.peerLeft = false
	case core.MessageEmoji:
		emoji, ok := msg.Emoji()
		if !ok || c.received != "" {
			break
		}
		c.received = emoji
		if c.peer == nil {
			c.peer = &core.PeerDescriptor{
				Method:    c.session.Method,
				Address:   msg.From,
				SessionID: c.session.ID,
			}
		}
		c.advanceLocked()
	case core.MessageDisconnect:
		c.peerLeft = true
		c.logger.Info("peer left", zap.String("session_id", c.session.ID))
	}

	fire := c.takeMintLocked()
	c.mu.Unlock()

	fire()
}

// OnMintReady registers fn to run once both emojis are known. It runs at most
// once per session, immediately if the exchange already finished.
func (c *Controller) OnMintReady(fn func(MintRequest)) {
	c.mu.Lock()
	c.onMintReady = fn
	fire := c.takeMintLocked()
	c.mu.Unlock()

	fire()
}

// MintRequest returns the hand-off payload of a completed exchange
func (c *Controller) MintRequest() (MintRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mintReady {
		return MintRequest{}, core.ErrMintNotReady
	}
	return c.mintRequestLocked(), nil
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Phase:         c.phase,
		SentEmoji:     c.sent,
		ReceivedEmoji: c.received,
		PeerLeft:      c.peerLeft,
		Err:           c.lastErr,
	}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	if c.peer != nil {
		p := *c.peer
		snap.Peer = &p
	}
	return snap
}

// Cancel stops a running adapter. It is safe to call at any time.
func (c *Controller) Cancel() {
	c.mu.Lock()
	active, cancel := c.active, c.cancelAcquire
	c.active, c.cancelAcquire = nil, nil
	if c.phase == PhaseRunningAdapter {
		c.phase = PhaseChooseMethod
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.Cancel()
	}
}

// Leave tells the peer we are gone, stops listening and ends the session
func (c *Controller) Leave(ctx context.Context) {
	c.Cancel()

	c.mu.Lock()
	session, unsubscribe := c.session, c.unsubscribe
	c.session, c.unsubscribe, c.peer = nil, nil, nil
	c.sent, c.received = "", ""
	c.sending, c.peerLeft = false, false
	c.mintReady, c.mintFired = false, false
	c.lastErr = nil
	c.phase = PhaseChooseMethod
	c.stopResetLocked()
	c.mu.Unlock()

	if session == nil {
		return
	}

	bye := &core.Message{Type: core.MessageDisconnect, From: c.local}
	if !c.bus.Send(ctx, session.ID, bye) {
		c.logger.Debug("disconnect announcement not sent", zap.String("session_id", session.ID))
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	c.registry.Disconnect(ctx, session.ID)
}

func (c *Controller) clearAdapter() {
	c.mu.Lock()
	c.active, c.cancelAcquire = nil, nil
	c.mu.Unlock()
}

// fail records err, moves to the failed phase and schedules the return to
// method selection
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.phase = PhaseFailed
	c.lastErr = err
	c.stopResetLocked()

	var timer *time.Timer
	timer = time.AfterFunc(c.errorReset, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.resetTimer == timer && c.phase == PhaseFailed {
			c.phase = PhaseChooseMethod
			c.lastErr = nil
			c.resetTimer = nil
		}
	})
	c.resetTimer = timer

	c.logger.Warn("connection failed",
		zap.String("category", string(core.CategoryOf(err))),
		zap.Error(err))
	return err
}

func (c *Controller) stopResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}

func (c *Controller) advanceLocked() {
	switch {
	case c.sent != "" && c.received != "":
		c.phase = PhaseMintReady
		c.mintReady = true
	case c.sent != "" || c.received != "":
		c.phase = PhaseEmojiExchange
	}
}

// takeMintLocked claims the one mint-ready notification, returning a function
// to run after the lock is released
func (c *Controller) takeMintLocked() func() {
	if !c.mintReady || c.mintFired || c.onMintReady == nil {
		return func() {}
	}
	c.mintFired = true
	fn, req := c.onMintReady, c.mintRequestLocked()
	return func() { fn(req) }
}

func (c *Controller) mintRequestLocked() MintRequest {
	req := MintRequest{
		LocalAddress:  c.local,
		SentEmoji:     c.sent,
		ReceivedEmoji: c.received,
	}
	if c.session != nil {
		req.SessionID = c.session.ID
		req.Method = c.session.Method
	}
	if c.peer != nil {
		req.Partner = c.peer.Address
	}
	return req
}
