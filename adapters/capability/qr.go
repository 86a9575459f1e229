package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// DefaultQRSize is the edge length in pixels of a rendered QR code
const DefaultQRSize = 300

var (
	qrForeground = color.RGBA{R: 0x63, G: 0x66, B: 0xf1, A: 0xff}
	qrBackground = color.RGBA{R: 0x0a, G: 0x0e, B: 0x1a, A: 0xff}
)

// ErrNoCode is returned by a FrameDecoder when a frame holds no QR code
var ErrNoCode = errors.New("no qr code in frame")

// QRPayload is the JSON content of a TapMint QR code
type QRPayload struct {
	Address   string `json:"address"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeQRPayload returns the QR content inviting a peer into sessionID
func EncodeQRPayload(address, sessionID string, now time.Time) (string, error) {
	if address == "" || sessionID == "" {
		return "", fmt.Errorf("%w: address and session id are required", core.ErrInvalidPeerData)
	}

	raw, err := json.Marshal(QRPayload{
		Address:   address,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode qr payload: %w", err)
	}
	return string(raw), nil
}

// DecodeQRPayload parses scanned QR content into a peer descriptor
func DecodeQRPayload(content string) (*core.PeerDescriptor, error) {
	var payload QRPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return nil, fmt.Errorf("%w: not a tapmint code: %v", core.ErrInvalidPeerData, err)
	}
	if payload.Address == "" || payload.SessionID == "" || payload.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: address, session id and timestamp are required", core.ErrInvalidPeerData)
	}

	return &core.PeerDescriptor{
		Method:    core.MethodQR,
		Address:   payload.Address,
		SessionID: payload.SessionID,
		Timestamp: time.UnixMilli(payload.Timestamp),
	}, nil
}

// RenderQRPNG renders content as a PNG image in the TapMint colours
func RenderQRPNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}

	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate qr code: %w", err)
	}
	code.ForegroundColor = qrForeground
	code.BackgroundColor = qrBackground

	png, err := code.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	return png, nil
}

// RenderQR renders content as a PNG data URL ready for an <img> tag
func RenderQR(content string, size int) (string, error) {
	png, err := RenderQRPNG(content, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// RenderQRText renders content with terminal block characters
func RenderQRText(content string) (string, error) {
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to generate qr code: %w", err)
	}
	return code.ToSmallString(false), nil
}

// FrameDecoder yields the content of QR codes seen by a camera
type FrameDecoder interface {
	// Next blocks for the next frame and returns the QR content found in it,
	// or ErrNoCode when the frame held none
	Next(ctx context.Context) (string, error)
	Close() error
}

// Camera opens a frame decoder over the device camera
type Camera interface {
	Available() bool
	Open(ctx context.Context) (FrameDecoder, error)
}

// QRConfig configures a QR scanner
type QRConfig struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// QRScanner finds a peer by scanning the QR code shown on its screen
type QRScanner struct {
	run
	camera  Camera
	timeout time.Duration
	logger  *zap.Logger
}

// NewQRScanner creates a scanner reading from camera, which may be nil on
// devices without one
func NewQRScanner(camera Camera, cfg QRConfig) *QRScanner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &QRScanner{
		camera:  camera,
		timeout: cfg.Timeout,
		logger:  logging.OrNop(cfg.Logger).Named("qr"),
	}
}

var _ ports.Capability = (*QRScanner)(nil)

// Method returns core.MethodQR
func (s *QRScanner) Method() core.Method {
	return core.MethodQR
}

// Probe reports whether a camera is present
func (s *QRScanner) Probe(context.Context) bool {
	return s.camera != nil && s.camera.Available()
}

// Acquire scans frames until one holds a valid TapMint payload
func (s *QRScanner) Acquire(ctx context.Context) (*core.PeerDescriptor, error) {
	if s.camera == nil {
		return nil, fmt.Errorf("%w: no camera", core.ErrCapabilityUnavailable)
	}

	ctx, done := s.begin(ctx, s.timeout)
	defer done()

	decoder, err := s.camera.Open(ctx)
	if err != nil {
		return nil, finish(ctx, core.MethodQR, err)
	}
	defer func() {
		if err := decoder.Close(); err != nil {
			s.logger.Debug("failed to close camera", zap.Error(err))
		}
	}()

	for {
		content, err := decoder.Next(ctx)
		if ctx.Err() != nil {
			return nil, finish(ctx, core.MethodQR, ctx.Err())
		}
		if errors.Is(err, ErrNoCode) {
			continue
		}
		if err != nil {
			return nil, finish(ctx, core.MethodQR, err)
		}

		peer, err := DecodeQRPayload(content)
		if err != nil {
			s.logger.Debug("skipping qr code", zap.Error(err))
			continue
		}
		return peer, nil
	}
}
