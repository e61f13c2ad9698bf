package netdev

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/psaab/netboot/pkg/settings"
)

type captureLink struct {
	frames [][]byte
}

func (c *captureLink) Transmit(frame []byte) error {
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func TestMulticastHash(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"ff02::1", "33:33:00:00:00:01"},
		{"ff02::1:ff50:5845", "33:33:ff:50:58:45"},
		{"224.0.0.251", "01:00:5e:00:00:fb"},
		{"239.200.1.2", "01:00:5e:48:01:02"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := MulticastHash(netip.MustParseAddr(tt.addr))
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := MulticastHash(netip.MustParseAddr("2001:db8::1")); err == nil {
		t.Error("expected error for unicast address")
	}
}

func TestTransmitAndDecode(t *testing.T) {
	link := &captureLink{}
	hw := net.HardwareAddr{0x02, 0x00, 0x69, 0x50, 0x58, 0x45}
	dev := New("net0", 42, hw, link)

	if err := dev.Transmit(Broadcast, layers.EthernetTypeIPv6, []byte{1, 2, 3}); err == nil {
		t.Fatal("transmit on closed device succeeded")
	}

	dev.SetOpen(true)
	dst, _ := MulticastHash(netip.MustParseAddr("ff02::1"))
	if err := dev.Transmit(dst, layers.EthernetTypeIPv6, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if len(link.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(link.frames))
	}

	f, err := Decode(link.frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if f.EtherType != layers.EthernetTypeIPv6 {
		t.Errorf("ethertype = %v, want IPv6", f.EtherType)
	}
	if !bytes.Equal(f.Src, hw) {
		t.Errorf("src = %s, want %s", f.Src, hw)
	}
	if f.Flags != LLMulticast {
		t.Errorf("flags = %v, want multicast", f.Flags)
	}
	// Short frames are padded to the Ethernet minimum.
	if len(link.frames[0]) != 60 {
		t.Errorf("frame length = %d, want 60", len(link.frames[0]))
	}
	if !bytes.HasPrefix(f.Payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %x", f.Payload)
	}
}

func TestRegistry(t *testing.T) {
	store := settings.NewStore()
	reg := NewRegistry(store)
	a := New("net0", 1, net.HardwareAddr{0, 1, 2, 3, 4, 5}, nil)
	b := New("net1", 2, net.HardwareAddr{0, 1, 2, 3, 4, 6}, nil)
	if err := reg.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(b); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(New("net0", 3, nil, nil)); err == nil {
		t.Error("duplicate name accepted")
	}

	if reg.ByIndex(2) != b || reg.ByName("net0") != a {
		t.Error("lookup returned wrong device")
	}
	if reg.ByHWAddr(net.HardwareAddr{0, 1, 2, 3, 4, 6}) != b {
		t.Error("hwaddr lookup failed")
	}
	if store.Find("net1") != b.Settings() {
		t.Error("device settings not registered")
	}

	reg.Remove(b)
	if reg.ByName("net1") != nil || store.Find("net1") != nil {
		t.Error("device not removed")
	}
}
