package netdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
)

// Discover builds closed devices for the named kernel interfaces. The
// kernel ifindex becomes the scope id and the open state follows the
// interface's operational state.
func Discover(names []string) ([]*Device, error) {
	var devs []*Device
	for _, name := range names {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("link lookup %s: %w", name, err)
		}
		attrs := link.Attrs()
		if len(attrs.HardwareAddr) != 6 {
			return nil, fmt.Errorf("%s: not an Ethernet interface", name)
		}
		dev := New(attrs.Name, attrs.Index, attrs.HardwareAddr, nil)
		if attrs.MTU > 0 {
			dev.MTU = attrs.MTU
		}
		dev.open = linkUp(attrs)
		slog.Info("netdev: discovered interface",
			"interface", attrs.Name, "index", attrs.Index,
			"mac", attrs.HardwareAddr, "open", dev.open)
		devs = append(devs, dev)
	}
	return devs, nil
}

// LinkEvent reports an interface state change.
type LinkEvent struct {
	Index int
	Up    bool
}

// WatchLinks streams link state changes until ctx is cancelled.
func WatchLinks(ctx context.Context) (<-chan LinkEvent, error) {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("link subscribe: %w", err)
	}
	out := make(chan LinkEvent, 16)
	go func() {
		defer close(out)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				attrs := u.Link.Attrs()
				select {
				case out <- LinkEvent{Index: attrs.Index, Up: linkUp(attrs)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func linkUp(attrs *netlink.LinkAttrs) bool {
	return attrs.OperState == netlink.OperUp ||
		(attrs.OperState == netlink.OperUnknown && attrs.Flags&net.FlagUp != 0)
}
