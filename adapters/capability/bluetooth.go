package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/ports"
)

const (
	// ServiceUUID is the GATT service advertised by TapMint devices
	ServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"

	// CharacteristicUUID carries messages within ServiceUUID
	CharacteristicUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
)

// Device is a Bluetooth device picked by the user
type Device struct {
	ID   string
	Name string
}

// DeviceChooser shows the platform device picker
type DeviceChooser interface {
	Available() bool
	// Choose blocks until the user picks a device offering one of services
	Choose(ctx context.Context, services []string) (Device, error)
}

// Bluetooth finds a peer through the platform device chooser. Devices carry
// no wallet address, so the device name stands in for it.
type Bluetooth struct {
	run
	chooser DeviceChooser
	timeout time.Duration
	now     func() time.Time
}

// NewBluetooth creates the Bluetooth capability; chooser may be nil
func NewBluetooth(chooser DeviceChooser, timeout time.Duration) *Bluetooth {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bluetooth{
		chooser: chooser,
		timeout: timeout,
		now:     time.Now,
	}
}

var _ ports.Capability = (*Bluetooth)(nil)

// Method returns core.MethodBluetooth
func (b *Bluetooth) Method() core.Method {
	return core.MethodBluetooth
}

// Probe reports whether the platform exposes Bluetooth
func (b *Bluetooth) Probe(context.Context) bool {
	return b.chooser != nil && b.chooser.Available()
}

// Acquire asks the user to pick the peer's device
func (b *Bluetooth) Acquire(ctx context.Context) (*core.PeerDescriptor, error) {
	if b.chooser == nil {
		return nil, fmt.Errorf("%w: no bluetooth adapter", core.ErrCapabilityUnavailable)
	}

	ctx, done := b.begin(ctx, b.timeout)
	defer done()

	device, err := b.chooser.Choose(ctx, []string{ServiceUUID, "battery_service", "device_information"})
	if err != nil {
		return nil, finish(ctx, core.MethodBluetooth, err)
	}

	name := strings.TrimSpace(device.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: device name not available", core.ErrInvalidPeerData)
	}

	return &core.PeerDescriptor{
		Method:    core.MethodBluetooth,
		Address:   name,
		DeviceID:  device.ID,
		Timestamp: b.now(),
	}, nil
}
