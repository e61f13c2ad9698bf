package ipv6

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/psaab/netboot/pkg/netdev"
)

// ErrInvalidAddress is returned for unparseable IPv6 address text.
var ErrInvalidAddress = errors.New("invalid IPv6 address")

// ErrNoDevice is returned when a socket address names an unknown device.
var ErrNoDevice = errors.New("no such network device")

// SockAddr is an IPv6 socket address. ScopeID selects the device for
// link-local and multicast destinations; zero means unspecified.
type SockAddr struct {
	Addr    netip.Addr
	Port    uint16
	ScopeID int
}

// ParseAddr parses a textual IPv6 address. Zones and embedded IPv4
// notation are rejected.
func ParseAddr(s string) (netip.Addr, error) {
	if strings.ContainsAny(s, ".%") {
		return netip.Addr{}, fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() {
		return netip.Addr{}, fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return a, nil
}

// FormatSockAddr renders sa, appending "%ifname" for link-local and
// multicast addresses.
func FormatSockAddr(devs *netdev.Registry, sa SockAddr) string {
	if !IsLinkLocal(sa.Addr) && !IsMulticast(sa.Addr) {
		return sa.Addr.WithZone("").String()
	}
	name := "UNKNOWN"
	if dev := devs.ByIndex(sa.ScopeID); dev != nil {
		name = dev.Name
	}
	return sa.Addr.WithZone("").String() + "%" + name
}

// ParseSockAddr parses "addr", "[addr]", "addr%ifname" or "[addr%ifname]".
// A link-local or multicast address without a device name defaults to the
// most recently added open device.
func ParseSockAddr(devs *netdev.Registry, s string) (SockAddr, error) {
	in := s
	if len(in) >= 2 && in[0] == '[' && in[len(in)-1] == ']' {
		in = in[1 : len(in)-1]
	}
	var devName string
	hasDev := false
	if i := strings.IndexByte(in, '%'); i >= 0 {
		in, devName, hasDev = in[:i], in[i+1:], true
	}

	a, err := ParseAddr(in)
	if err != nil {
		return SockAddr{}, err
	}
	sa := SockAddr{Addr: a}

	switch {
	case hasDev:
		dev := devs.ByName(devName)
		if dev == nil {
			return SockAddr{}, fmt.Errorf("%q: %w", devName, ErrNoDevice)
		}
		sa.ScopeID = dev.ScopeID()
	case IsLinkLocal(a) || IsMulticast(a):
		all := devs.All()
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].IsOpen() {
				sa.ScopeID = all[i].ScopeID()
				break
			}
		}
	}
	return sa, nil
}
