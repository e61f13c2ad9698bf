package netdev

import (
	"bytes"
	"fmt"
	"net"

	"github.com/psaab/netboot/pkg/settings"
)

// Registry is the set of known devices. Each device's settings block is
// registered under the store root using the device name.
type Registry struct {
	store *settings.Store
	devs  []*Device
}

// NewRegistry returns an empty registry attached to store.
func NewRegistry(store *settings.Store) *Registry {
	return &Registry{store: store}
}

// Add registers a device and its settings block.
func (r *Registry) Add(d *Device) error {
	if r.ByName(d.Name) != nil {
		return fmt.Errorf("device %s already registered", d.Name)
	}
	if err := r.store.Register(d.settings, nil, d.Name); err != nil {
		return fmt.Errorf("register %s settings: %w", d.Name, err)
	}
	r.devs = append(r.devs, d)
	return nil
}

// Remove unregisters a device.
func (r *Registry) Remove(d *Device) {
	for i, dev := range r.devs {
		if dev == d {
			r.devs = append(r.devs[:i], r.devs[i+1:]...)
			r.store.Unregister(d.settings)
			return
		}
	}
}

// All returns the devices in registration order.
func (r *Registry) All() []*Device {
	return append([]*Device(nil), r.devs...)
}

// ByName finds a device by name.
func (r *Registry) ByName(name string) *Device {
	for _, d := range r.devs {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// ByIndex finds a device by scope id.
func (r *Registry) ByIndex(index int) *Device {
	for _, d := range r.devs {
		if d.Index == index {
			return d
		}
	}
	return nil
}

// ByHWAddr finds a device by link-layer address.
func (r *Registry) ByHWAddr(hw net.HardwareAddr) *Device {
	for _, d := range r.devs {
		if bytes.Equal(d.HWAddr, hw) {
			return d
		}
	}
	return nil
}
