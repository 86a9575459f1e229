package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peerAddress = "0x2222222222222222222222222222222222222222"

func TestQRPayload_RoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)

	content, err := EncodeQRPayload(peerAddress, "session-1-abc", now)
	require.NoError(t, err)

	peer, err := DecodeQRPayload(content)
	require.NoError(t, err)
	assert.Equal(t, core.MethodQR, peer.Method)
	assert.Equal(t, peerAddress, peer.Address)
	assert.Equal(t, "session-1-abc", peer.SessionID)
	assert.Equal(t, now.UnixMilli(), peer.Timestamp.UnixMilli())
}

func TestDecodeQRPayload_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":          "https://example.com",
		"missing address":   `{"sessionId":"s","timestamp":1}`,
		"missing sessionId": `{"address":"0xabc","timestamp":1}`,
		"missing timestamp": `{"address":"0xabc","sessionId":"s"}`,
		"empty":             "",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeQRPayload(content)
			assert.ErrorIs(t, err, core.ErrInvalidPeerData)
		})
	}
}

func TestEncodeQRPayload_RequiresFields(t *testing.T) {
	_, err := EncodeQRPayload("", "s", time.Now())
	assert.ErrorIs(t, err, core.ErrInvalidPeerData)

	_, err = EncodeQRPayload(peerAddress, "", time.Now())
	assert.ErrorIs(t, err, core.ErrInvalidPeerData)
}

func TestRenderQR(t *testing.T) {
	url, err := RenderQR(`{"address":"0xabc","sessionId":"s","timestamp":1}`, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	text, err := RenderQRText("hello")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

type scriptedFrames struct {
	mu     sync.Mutex
	frames []string
	errs   []error
	closed bool
}

func (f *scriptedFrames) Next(ctx context.Context) (string, error) {
	f.mu.Lock()
	if len(f.frames) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	frame, err := f.frames[0], f.errs[0]
	f.frames, f.errs = f.frames[1:], f.errs[1:]
	f.mu.Unlock()
	return frame, err
}

func (f *scriptedFrames) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCamera struct {
	available bool
	openErr   error
	frames    *scriptedFrames
}

func (c *fakeCamera) Available() bool { return c.available }

func (c *fakeCamera) Open(context.Context) (FrameDecoder, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.frames, nil
}

func TestQRScanner_SkipsUntilValidPayload(t *testing.T) {
	valid, err := EncodeQRPayload(peerAddress, "session-9-xyz", time.Now())
	require.NoError(t, err)

	frames := &scriptedFrames{
		frames: []string{"", "garbage", `{"address":"0xabc"}`, valid},
		errs:   []error{ErrNoCode, nil, nil, nil},
	}
	scanner := NewQRScanner(&fakeCamera{available: true, frames: frames}, QRConfig{})
	assert.True(t, scanner.Probe(context.Background()))

	peer, err := scanner.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-9-xyz", peer.SessionID)
	assert.True(t, frames.closed)
}

func TestQRScanner_Cancel(t *testing.T) {
	scanner := NewQRScanner(&fakeCamera{available: true, frames: &scriptedFrames{}}, QRConfig{})
	scanner.Cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := scanner.Acquire(context.Background())
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	scanner.Cancel()
	scanner.Cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, core.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("scan did not stop")
	}
}

func TestQRScanner_Timeout(t *testing.T) {
	scanner := NewQRScanner(&fakeCamera{available: true, frames: &scriptedFrames{}}, QRConfig{Timeout: 20 * time.Millisecond})

	_, err := scanner.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, core.CategoryTransient, core.CategoryOf(err))
}

func TestQRScanner_CameraErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category core.Category
	}{
		{"not allowed", &PlatformError{Name: "NotAllowedError"}, core.CategoryPermissionDenied},
		{"permission denied", &PlatformError{Name: "PermissionDeniedError"}, core.CategoryPermissionDenied},
		{"no camera", &PlatformError{Name: "NotFoundError"}, core.CategoryUnsupported},
		{"overconstrained", &PlatformError{Name: "OverconstrainedError"}, core.CategoryUnsupported},
		{"in use", &PlatformError{Name: "NotReadableError", Message: "camera in use"}, core.CategoryTransient},
		{"other", errors.New("boom"), core.CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := NewQRScanner(&fakeCamera{available: true, openErr: tt.err}, QRConfig{})
			_, err := scanner.Acquire(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.category, core.CategoryOf(err))
		})
	}
}

func TestQRScanner_NoCamera(t *testing.T) {
	scanner := NewQRScanner(nil, QRConfig{})
	assert.False(t, scanner.Probe(context.Background()))

	_, err := scanner.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrCapabilityUnavailable)
}
