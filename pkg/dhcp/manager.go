package dhcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"

	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

// Runner executes a function on the event loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Lease is the result of a completed DHCP session.
type Lease struct {
	Interface  string        `json:"interface"`
	Address    netip.Prefix  `json:"address"`
	Gateway    netip.Addr    `json:"gateway,omitzero"`
	DNS        []netip.Addr  `json:"dns,omitempty"`
	NextServer netip.Addr    `json:"next_server,omitzero"`
	Filename   string        `json:"filename,omitempty"`
	ProxyDHCP  bool          `json:"proxydhcp"`
	PXEBS      bool          `json:"pxebs"`
	Cached     bool          `json:"cached"`
	Obtained   time.Time     `json:"obtained"`
	LeaseTime  time.Duration `json:"lease_time"`
}

// InterfaceOptions controls what the manager does around a session.
type InterfaceOptions struct {
	// PXEType, if non-zero, runs boot server discovery for that type
	// after DHCP completes.
	PXEType uint16
	// InstallAddress installs the leased address in the kernel.
	InstallAddress bool
}

// AddressInstaller installs leased addresses on host interfaces.
type AddressInstaller interface {
	Replace(iface string, p netip.Prefix) error
	Remove(iface string, p netip.Prefix) error
}

// SessionInfo is a snapshot of a running session.
type SessionInfo struct {
	Interface string  `json:"interface"`
	State     string  `json:"state"`
	XID       string  `json:"xid"`
	Local     string  `json:"local,omitempty"`
	Offers    []Offer `json:"offers"`
}

// Manager runs DHCP for multiple interfaces.
type Manager struct {
	mu       sync.Mutex
	run      Runner
	client   *Client
	devs     *netdev.Registry
	store    *settings.Store
	sessions map[string]*Session
	leases   map[string]*Lease
	opts     map[string]*InterfaceOptions
	install  AddressInstaller
	onLease  func(*Lease)
}

// NewManager creates a manager. All client calls are made through run.
func NewManager(run Runner, client *Client, devs *netdev.Registry, store *settings.Store) *Manager {
	return &Manager{
		run:      run,
		client:   client,
		devs:     devs,
		store:    store,
		sessions: make(map[string]*Session),
		leases:   make(map[string]*Lease),
		opts:     make(map[string]*InterfaceOptions),
	}
}

// SetInstaller sets the kernel address installer used for interfaces
// with InstallAddress.
func (m *Manager) SetInstaller(inst AddressInstaller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.install = inst
}

// OnLease registers a callback run after each lease is obtained.
func (m *Manager) OnLease(fn func(*Lease)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLease = fn
}

// SetInterfaceOptions configures an interface. Must be called before Start.
func (m *Manager) SetInterfaceOptions(ifaceName string, opts *InterfaceOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts[ifaceName] = opts
}

// Start begins DHCP on the named interface. Starting an interface that
// already runs a session is a no-op.
func (m *Manager) Start(ctx context.Context, ifaceName string) error {
	var err error
	derr := m.run.Do(ctx, func() { err = m.start(ifaceName) })
	if derr != nil {
		return derr
	}
	return err
}

// start runs on the loop.
func (m *Manager) start(ifaceName string) error {
	dev := m.devs.ByName(ifaceName)
	if dev == nil {
		return fmt.Errorf("interface %s: not found", ifaceName)
	}

	m.mu.Lock()
	_, running := m.sessions[ifaceName]
	m.mu.Unlock()
	if running {
		return nil
	}

	s, cached, err := m.client.StartDHCP(JobFunc(func(err error) { m.dhcpDone(dev, err) }), dev)
	if err != nil {
		return err
	}
	if cached {
		m.leaseObtained(dev, true)
		return nil
	}
	m.mu.Lock()
	m.sessions[ifaceName] = s
	m.mu.Unlock()
	slog.Info("DHCP: started", "interface", ifaceName)
	return nil
}

// dhcpDone runs on the loop when a DHCP session finishes.
func (m *Manager) dhcpDone(dev *netdev.Device, err error) {
	m.mu.Lock()
	delete(m.sessions, dev.Name)
	opts := m.opts[dev.Name]
	m.mu.Unlock()

	if err != nil {
		slog.Warn("DHCP: failed", "interface", dev.Name, "err", err)
		return
	}
	m.leaseObtained(dev, false)

	if opts == nil || opts.PXEType == 0 {
		return
	}
	s, err := m.client.StartPXEBS(JobFunc(func(err error) { m.pxebsDone(dev, err) }), dev, opts.PXEType)
	if err != nil {
		slog.Warn("DHCP: PXE boot server discovery not started", "interface", dev.Name, "err", err)
		return
	}
	m.mu.Lock()
	m.sessions[dev.Name] = s
	m.mu.Unlock()
}

func (m *Manager) pxebsDone(dev *netdev.Device, err error) {
	m.mu.Lock()
	delete(m.sessions, dev.Name)
	m.mu.Unlock()
	if err != nil {
		slog.Warn("DHCP: PXE boot server discovery failed", "interface", dev.Name, "err", err)
		return
	}
	m.leaseObtained(dev, false)
}

// leaseObtained builds the lease from the registered settings.
func (m *Manager) leaseObtained(dev *netdev.Device, cached bool) {
	lease := m.buildLease(dev)
	lease.Cached = cached

	m.mu.Lock()
	old := m.leases[dev.Name]
	m.leases[dev.Name] = lease
	opts := m.opts[dev.Name]
	inst := m.install
	onLease := m.onLease
	m.mu.Unlock()

	slog.Info("DHCP: lease obtained", "interface", dev.Name, "address", lease.Address,
		"gateway", lease.Gateway, "next_server", lease.NextServer, "filename", lease.Filename,
		"proxydhcp", lease.ProxyDHCP, "pxebs", lease.PXEBS)

	if opts != nil && opts.InstallAddress && inst != nil && lease.Address.IsValid() {
		if old != nil && old.Address.IsValid() && old.Address != lease.Address {
			if err := inst.Remove(dev.Name, old.Address); err != nil {
				slog.Warn("DHCP: failed to remove address", "interface", dev.Name,
					"address", old.Address, "err", err)
			}
		}
		if err := inst.Replace(dev.Name, lease.Address); err != nil {
			slog.Warn("DHCP: failed to apply address", "interface", dev.Name,
				"address", lease.Address, "err", err)
		}
	}
	if onLease != nil {
		lc := *lease
		onLease(&lc)
	}
}

func (m *Manager) buildLease(dev *netdev.Device) *Lease {
	scope := dev.Settings()
	lease := &Lease{Interface: dev.Name, Obtained: time.Now()}

	if ip, _, err := m.store.FetchIPv4(scope, settings.IP); err == nil {
		bits := 32
		if raw, _, err := m.store.Fetch(scope, settings.Netmask); err == nil && len(raw) == 4 {
			if ones, size := net.IPMask(raw).Size(); size == 32 {
				bits = ones
			}
		}
		lease.Address = netip.PrefixFrom(ip, bits)
	}
	if gw, _, err := m.store.FetchIPv4(scope, settings.Gateway); err == nil {
		lease.Gateway = gw
	}
	if raw, _, err := m.store.Fetch(scope, settings.DNS); err == nil {
		for i := 0; i+4 <= len(raw); i += 4 {
			lease.DNS = append(lease.DNS, netip.AddrFrom4([4]byte(raw[i:i+4])))
		}
	}
	if ns, _, err := m.store.FetchIPv4(nil, settings.NextServer); err == nil {
		lease.NextServer = ns
	}
	if f, _, err := m.store.FetchString(nil, settings.Filename); err == nil {
		lease.Filename = f
	}
	if b := m.store.Find(scope.Path() + "." + SettingsName); b != nil {
		if ps, ok := b.Source().(*PacketSettings); ok {
			lease.LeaseTime = ps.Packet().IPAddressLeaseTime(0)
		}
	}
	lease.ProxyDHCP = m.store.Find(ProxySettingsName) != nil
	lease.PXEBS = m.store.Find(PXEBSSettingsName) != nil
	return lease
}

// Renew restarts DHCP on an interface, cancelling any running session.
func (m *Manager) Renew(ctx context.Context, ifaceName string) error {
	var err error
	derr := m.run.Do(ctx, func() {
		m.mu.Lock()
		s := m.sessions[ifaceName]
		delete(m.sessions, ifaceName)
		m.mu.Unlock()
		if s != nil {
			s.Kill()
		}
		err = m.start(ifaceName)
	})
	if derr != nil {
		return derr
	}
	return err
}

// StopAll cancels every session and removes installed addresses.
func (m *Manager) StopAll(ctx context.Context) error {
	err := m.run.Do(ctx, func() {
		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range sessions {
			s.Kill()
		}
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, lease := range m.leases {
		if opts := m.opts[name]; opts != nil && opts.InstallAddress && m.install != nil && lease.Address.IsValid() {
			if rerr := m.install.Remove(name, lease.Address); rerr != nil {
				slog.Warn("DHCP: failed to remove address", "interface", name,
					"address", lease.Address, "err", rerr)
			}
		}
	}
	return err
}

// Leases returns a snapshot of all current leases.
func (m *Manager) Leases() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		lc := *l
		result = append(result, &lc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Interface < result[j].Interface })
	return result
}

// LeaseFor returns the current lease for an interface, or nil.
func (m *Manager) LeaseFor(ifaceName string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[ifaceName]
	if !ok {
		return nil
	}
	lc := *l
	return &lc
}

// Sessions returns a snapshot of the running sessions.
func (m *Manager) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := m.run.Do(ctx, func() {
		for _, s := range m.client.Sessions() {
			info := SessionInfo{
				Interface: s.Device().Name,
				State:     s.State(),
				XID:       s.XID().String(),
				Offers:    s.Offers(),
			}
			if s.Local().IsValid() {
				info.Local = s.Local().String()
			}
			out = append(out, info)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out, err
}

// NetlinkInstaller installs addresses with netlink.
type NetlinkInstaller struct {
	h *netlink.Handle
}

// NewNetlinkInstaller opens a netlink handle.
func NewNetlinkInstaller() (*NetlinkInstaller, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &NetlinkInstaller{h: h}, nil
}

// Replace installs p on iface, replacing any identical address.
func (n *NetlinkInstaller) Replace(iface string, p netip.Prefix) error {
	link, err := n.h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	if err := n.h.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(p)}); err != nil {
		return fmt.Errorf("addr replace: %w", err)
	}
	return nil
}

// Remove deletes p from iface.
func (n *NetlinkInstaller) Remove(iface string, p netip.Prefix) error {
	link, err := n.h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	return n.h.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(p)})
}

// Close releases the netlink handle.
func (n *NetlinkInstaller) Close() {
	n.h.Close()
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}

const uuidFile = "client-uuid"

// LoadUUID returns the client UUID persisted in stateDir, generating and
// saving a new one on first use.
func LoadUUID(stateDir string) (uuid.UUID, error) {
	path := filepath.Join(stateDir, uuidFile)
	data, err := os.ReadFile(path)
	if err == nil {
		u, perr := uuid.ParseBytes(bytes.TrimSpace(data))
		if perr == nil {
			slog.Info("DHCP: loaded persisted client UUID", "uuid", u)
			return u, nil
		}
		slog.Warn("DHCP: ignoring malformed client UUID", "path", path, "err", perr)
	} else if !errors.Is(err, os.ErrNotExist) {
		return uuid.Nil, fmt.Errorf("read client UUID: %w", err)
	}

	u := uuid.New()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return u, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(u.String()+"\n"), 0644); err != nil {
		return u, fmt.Errorf("persist client UUID: %w", err)
	}
	slog.Info("DHCP: generated client UUID", "uuid", u)
	return u, nil
}
