// Package capability implements the physical connection methods (QR, NFC and
// Bluetooth) on top of small platform interfaces supplied by the host.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/tapmint/core"
)

// DefaultTimeout bounds a single Acquire call
const DefaultTimeout = 30 * time.Second

// PlatformError is an error raised by the device platform, identified by the
// platform's own error name
type PlatformError struct {
	Name    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Translate maps a platform failure of method onto the core error taxonomy
func Translate(method core.Method, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", core.FromContext(err), method)
	}

	var perr *PlatformError
	if !errors.As(err, &perr) {
		return err
	}

	switch perr.Name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return fmt.Errorf("%w: %s access denied: %v", core.ErrPermissionDenied, method, err)
	case "NotSupportedError", "OverconstrainedError", "DevicesNotFoundError":
		return fmt.Errorf("%w: %s not supported on this device: %v", core.ErrCapabilityUnavailable, method, err)
	case "NotFoundError":
		// The Bluetooth chooser reports a dismissed dialog as NotFoundError
		if method == core.MethodBluetooth {
			return fmt.Errorf("%w: no device selected", core.ErrCancelled)
		}
		return fmt.Errorf("%w: no %s hardware found: %v", core.ErrCapabilityUnavailable, method, err)
	case "AbortError":
		return fmt.Errorf("%w: %s", core.ErrCancelled, method)
	case "TimeoutError":
		return fmt.Errorf("%w: %s", core.ErrTimeout, method)
	case "NotReadableError", "TrackStartError":
		return fmt.Errorf("%s hardware busy: %w", method, err)
	default:
		return fmt.Errorf("%s error: %w", method, err)
	}
}

// run tracks the in-flight Acquire of an adapter so Cancel can stop it
type run struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// begin derives the context of one Acquire call, bounded by timeout
func (r *run) begin(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	r.cancel = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		if r.gen == gen {
			r.cancel = nil
		}
		r.mu.Unlock()
		cancel()
	}
}

// Cancel stops the in-flight Acquire, if any
func (r *run) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// finish converts the outcome of ctx into the error returned by Acquire
func finish(ctx context.Context, method core.Method, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Translate(method, ctxErr)
	}
	return Translate(method, err)
}
