package ports

import (
	"context"

	"github.com/layer-3/tapmint/core"
)

// Capability is one physical connection method able to discover a peer
type Capability interface {
	// Method returns the connection method the capability implements
	Method() core.Method

	// Probe reports whether the platform offers the capability at all
	Probe(ctx context.Context) bool

	// Acquire blocks until a peer is found, the context ends or Cancel is called
	Acquire(ctx context.Context) (*core.PeerDescriptor, error)

	// Cancel stops in-flight work; safe to call repeatedly and after completion
	Cancel()
}
