// Package netdev provides the network device abstraction used by the
// protocol engines: a named Ethernet device with a scope id, a link-layer
// address, open/closed state and a Link that carries frames.
package netdev

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/netboot/pkg/settings"
)

// ErrClosed is returned when transmitting on a device that is not open.
var ErrClosed = errors.New("device not open")

// Link carries complete Ethernet frames for a device.
type Link interface {
	Transmit(frame []byte) error
}

// RxFlags describe the link-layer destination class of a received frame.
type RxFlags uint8

const (
	LLBroadcast RxFlags = 1 << iota
	LLMulticast
)

// Device is one network interface.
type Device struct {
	Name   string
	Index  int // scope id; the kernel ifindex for real interfaces
	HWAddr net.HardwareAddr
	MTU    int

	link     Link
	open     bool
	blocked  bool
	settings *settings.Block
}

// New creates a closed device transmitting through link.
func New(name string, index int, hw net.HardwareAddr, link Link) *Device {
	return &Device{
		Name:     name,
		Index:    index,
		HWAddr:   hw,
		MTU:      1500,
		link:     link,
		settings: settings.NewBlock(nil, 0),
	}
}

// ScopeID returns the id used to qualify link-local socket addresses.
func (d *Device) ScopeID() int { return d.Index }

// IsOpen reports whether the device is up.
func (d *Device) IsOpen() bool { return d.open }

// SetOpen marks the device up or down.
func (d *Device) SetOpen(open bool) {
	if d.open != open {
		slog.Info("netdev: link state changed", "interface", d.Name, "open", open)
	}
	d.open = open
}

// LinkBlocked reports whether the link is up but not yet forwarding
// (for example while spanning tree is still learning).
func (d *Device) LinkBlocked() bool { return d.blocked }

// SetLinkBlocked sets the blocked state.
func (d *Device) SetLinkBlocked(blocked bool) { d.blocked = blocked }

// Settings returns the device's settings block.
func (d *Device) Settings() *settings.Block { return d.settings }

// SetLink replaces the link carrying the device's frames.
func (d *Device) SetLink(link Link) { d.link = link }

// Transmit wraps payload in an Ethernet header addressed to dst and hands
// the frame to the link.
func (d *Device) Transmit(dst net.HardwareAddr, etherType layers.EthernetType, payload []byte) error {
	if !d.open {
		return fmt.Errorf("%s: %w", d.Name, ErrClosed)
	}
	if d.link == nil {
		return fmt.Errorf("%s: no link attached", d.Name)
	}
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       d.HWAddr,
		DstMAC:       dst,
		EthernetType: etherType,
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("%s: build frame: %w", d.Name, err)
	}
	return d.link.Transmit(buf.Bytes())
}

func (d *Device) String() string { return d.Name }
