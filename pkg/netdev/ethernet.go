package netdev

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Broadcast is the Ethernet broadcast address.
var Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Frame is a decoded Ethernet frame.
type Frame struct {
	Dst       net.HardwareAddr
	Src       net.HardwareAddr
	EtherType layers.EthernetType
	Payload   []byte
	Flags     RxFlags
}

// Decode parses an Ethernet frame. The payload aliases data.
func Decode(data []byte) (*Frame, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode ethernet: %w", err)
	}
	f := &Frame{
		Dst:       eth.DstMAC,
		Src:       eth.SrcMAC,
		EtherType: eth.EthernetType,
		Payload:   eth.Payload,
	}
	switch {
	case bytes.Equal(eth.DstMAC, Broadcast):
		f.Flags |= LLBroadcast
	case len(eth.DstMAC) > 0 && eth.DstMAC[0]&0x01 != 0:
		f.Flags |= LLMulticast
	}
	return f, nil
}

// MulticastHash maps a multicast IP address to its Ethernet group address.
func MulticastHash(addr netip.Addr) (net.HardwareAddr, error) {
	if !addr.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr)
	}
	if addr.Is4() {
		a := addr.As4()
		return net.HardwareAddr{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]}, nil
	}
	a := addr.As16()
	return net.HardwareAddr{0x33, 0x33, a[12], a[13], a[14], a[15]}, nil
}
