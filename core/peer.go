package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/tapmint/internal/eth"
)

// DescriptorMaxAge bounds how long a QR or NFC payload may be replayed
const DescriptorMaxAge = 5 * time.Minute

// PeerDescriptor identifies the remote party found by a connection adapter
type PeerDescriptor struct {
	Method    Method    // Adapter that produced the descriptor
	Address   string    // Peer identifier (wallet address or device name)
	SessionID string    // Session proposed by the peer, empty for Bluetooth
	DeviceID  string    // Platform device id, Bluetooth only
	Timestamp time.Time // When the peer produced the payload
}

// SameParticipant reports whether two participant identifiers are equal
func SameParticipant(a, b string) bool {
	return eth.SameAddress(a, b)
}

// Validate checks the descriptor against the local participant at now
func (d *PeerDescriptor) Validate(localAddress string, now time.Time) error {
	if strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("%w: missing peer address", ErrInvalidPeerData)
	}
	if (d.Method == MethodQR || d.Method == MethodNFC) && d.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidPeerData)
	}
	if localAddress != "" && SameParticipant(d.Address, localAddress) {
		return fmt.Errorf("%w: cannot connect to yourself", ErrInvalidPeerData)
	}
	if !d.Timestamp.IsZero() && now.Sub(d.Timestamp) > DescriptorMaxAge {
		return fmt.Errorf("%w: payload expired", ErrInvalidPeerData)
	}
	return nil
}
