// Package dhcp implements the PXE-aware DHCPv4 client state machine.
//
// A session walks through Discover, Request and optionally ProxyDHCP, or
// runs PXE boot server discovery on its own. Every event is delivered on
// the caller's event loop: received datagrams through Session.Deliver and
// retry deadlines through Client.Tick. Results are registered as settings
// blocks: "dhcp" under the device, "proxydhcp" and "pxebs" at the root.
package dhcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/retry"
	"github.com/psaab/netboot/pkg/settings"
)

// Settings block names.
const (
	SettingsName      = "dhcp"
	ProxySettingsName = "proxydhcp"
	PXEBSSettingsName = "pxebs"
)

var (
	ErrTimedOut      = errors.New("DHCP timed out")
	ErrCanceled      = errors.New("DHCP session cancelled")
	ErrNoBootServers = errors.New("no PXE boot servers")
	ErrBadXID        = errors.New("DHCP transaction ID mismatch")
	ErrBadChaddr     = errors.New("DHCP client hardware address mismatch")
)

var broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Job receives the final result of a session. Done is called exactly once.
type Job interface {
	Done(err error)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(err error)

// Done implements Job.
func (f JobFunc) Done(err error) { f(err) }

// Transport carries DHCP messages for one session.
type Transport interface {
	Send(msg *dhcpv4.DHCPv4, dst netip.AddrPort) error
	Close() error
}

// DialFunc opens the transport for a session on dev. Received datagrams
// must be handed to s.Deliver on the event loop.
type DialFunc func(dev *netdev.Device, s *Session) (Transport, error)

// Timeouts holds the retry bounds of every state.
type Timeouts struct {
	DiscoverMin time.Duration `yaml:"discover-min"`
	DiscoverMax time.Duration `yaml:"discover-max"`
	// ProxyWait is how long Discover waits for a ProxyDHCP offer once an
	// address offer is in hand.
	ProxyWait time.Duration `yaml:"proxy-wait"`
	// MaxDeferrals limits how often discovery restarts after a DHCPNAK
	// or while the link is blocked.
	MaxDeferrals int `yaml:"max-deferrals"`

	RequestMin time.Duration `yaml:"request-min"`
	RequestMax time.Duration `yaml:"request-max"`

	ProxyMin time.Duration `yaml:"proxy-min"`
	ProxyMax time.Duration `yaml:"proxy-max"`
	// ProxyGiveUp is how long a ProxyDHCP server gets before its offer is
	// demoted.
	ProxyGiveUp time.Duration `yaml:"proxy-give-up"`

	PXEBSMin time.Duration `yaml:"pxebs-min"`
	PXEBSMax time.Duration `yaml:"pxebs-max"`
	// PXEBSWait is how long each boot server address is tried.
	PXEBSWait time.Duration `yaml:"pxebs-wait"`
}

// DefaultTimeouts returns the standard PXE client timing.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		DiscoverMin:  time.Second,
		DiscoverMax:  32 * time.Second,
		ProxyWait:    11 * time.Second,
		MaxDeferrals: 60,
		RequestMin:   time.Second,
		RequestMax:   32 * time.Second,
		ProxyMin:     0,
		ProxyMax:     10 * time.Second,
		ProxyGiveUp:  7 * time.Second,
		PXEBSMin:     0,
		PXEBSMax:     10 * time.Second,
		PXEBSWait:    3 * time.Second,
	}
}

// Options configures a Client.
type Options struct {
	Arch      iana.Arch
	NDI       [2]uint8 // UNDI major, minor
	UserClass string
	UUID      uuid.UUID
	MaxOffers int
	Timeouts  Timeouts

	// Now returns the current time; time.Now if nil.
	Now func() time.Time
	// Registerer receives the client metrics if non-nil.
	Registerer prometheus.Registerer
}

// Client creates and drives DHCP sessions. It is owned by the event loop.
type Client struct {
	store    *settings.Store
	dial     DialFunc
	opts     Options
	now      func() time.Time
	sessions []*Session
	cache    *Cache
	metrics  *metrics
}

// NewClient returns a client registering results in store.
func NewClient(store *settings.Store, dial DialFunc, opts Options) (*Client, error) {
	if opts.MaxOffers <= 0 {
		opts.MaxOffers = DefaultMaxOffers
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	if opts.NDI == [2]uint8{} {
		opts.NDI = [2]uint8{2, 1}
	}
	c := &Client{
		store:   store,
		dial:    dial,
		opts:    opts,
		now:     opts.Now,
		metrics: newMetrics(),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(c.metrics); err != nil {
			return nil, fmt.Errorf("register DHCP metrics: %w", err)
		}
	}
	return c, nil
}

// SetCache attaches externally supplied DHCP packets.
func (c *Client) SetCache(cache *Cache) { c.cache = cache }

// Sessions returns the running sessions.
func (c *Client) Sessions() []*Session {
	return append([]*Session(nil), c.sessions...)
}

// Tick fires every retry timer whose deadline has passed.
func (c *Client) Tick(now time.Time) {
	for _, s := range c.Sessions() {
		s.timer.Poll(now)
	}
}

// StartDHCP starts address discovery on dev. cached is true if a cached
// DHCPACK already satisfies the request, in which case no session is
// started and job is not called.
func (c *Client) StartDHCP(job Job, dev *netdev.Device) (s *Session, cached bool, err error) {
	if c.cache != nil && c.cache.Satisfied(dev) {
		slog.Info("DHCP: using cached DHCPACK", "interface", dev.Name)
		return nil, true, nil
	}
	s, err = c.newSession(job, dev)
	if err != nil {
		return nil, false, err
	}
	s.setState(discoverState{})
	return s, false, nil
}

// StartPXEBS starts PXE boot server discovery on dev for boot server
// type pxeType, using the boot server settings already registered.
func (c *Client) StartPXEBS(job Job, dev *netdev.Device, pxeType uint16) (*Session, error) {
	var attempts []netip.Addr
	ctl, _, _ := c.store.FetchUint(nil, settings.PXEDiscoveryControl)
	if ctl&pxebsNoMulticast == 0 {
		if mcast, _, err := c.store.FetchIPv4(nil, settings.PXEBootMulticast); err == nil && !mcast.IsUnspecified() {
			attempts = append(attempts, mcast)
		}
	}
	if ctl&pxebsNoBroadcast == 0 {
		attempts = append(attempts, broadcast)
	}
	known := len(attempts)
	if raw, _, err := c.store.Fetch(nil, settings.PXEBootServers); err == nil {
		servers, err := ParseBootServers(raw)
		if err != nil {
			slog.Warn("DHCP: malformed PXE boot server list", "interface", dev.Name, "err", err)
		}
		for _, bs := range servers {
			if bs.Type == pxeType {
				attempts = append(attempts, bs.IPs...)
			}
		}
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("type %#04x: %w", pxeType, ErrNoBootServers)
	}

	s, err := c.newSession(job, dev)
	if err != nil {
		return nil, err
	}
	s.pxeType = pxeType
	s.attempts = attempts
	if ctl&pxebsNoUnknownServer != 0 {
		s.filter = true
		s.accept = append([]netip.Addr(nil), attempts[known:]...)
	}
	if ip, _, err := c.store.FetchIPv4(dev.Settings(), settings.IP); err == nil {
		s.local = ip
	}
	slog.Info("DHCP: starting PXE boot server discovery", "interface", dev.Name,
		"type", pxeType, "attempt", attempts, "accept", s.accept)
	s.setState(pxebsState{})
	return s, nil
}

func (c *Client) newSession(job Job, dev *netdev.Device) (*Session, error) {
	xid, err := dhcpv4.GenerateTransactionID()
	if err != nil {
		return nil, err
	}
	s := &Session{
		c:   c,
		dev: dev,
		job: job,
		xid: xid,
	}
	s.timer = retry.New(s.expired)
	if s.tr, err = c.dial(dev, s); err != nil {
		return nil, fmt.Errorf("open DHCP transport on %s: %w", dev.Name, err)
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *Client) remove(s *Session) {
	for i, x := range c.sessions {
		if x == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return
		}
	}
}

// Session is one running DHCP or PXEBS exchange.
type Session struct {
	c     *Client
	dev   *netdev.Device
	job   Job
	tr    Transport
	xid   dhcpv4.TransactionID
	st    state
	start time.Time
	timer *retry.Timer
	count int
	done  bool

	// local is the address we claim as ciaddr.
	local netip.Addr

	offers  []*Offer
	current *Offer // address offer being requested
	pxe     *Offer // PXE offer chosen for ProxyDHCP

	pxeType  uint16
	attempts []netip.Addr
	filter   bool
	accept   []netip.Addr
}

// Device returns the session's network device.
func (s *Session) Device() *netdev.Device { return s.dev }

// State returns the name of the current state.
func (s *Session) State() string { return s.st.String() }

// XID returns the transaction ID.
func (s *Session) XID() dhcpv4.TransactionID { return s.xid }

// Local returns the address learned so far, if any.
func (s *Session) Local() netip.Addr { return s.local }

// Kill cancels the session.
func (s *Session) Kill() {
	s.finish(ErrCanceled)
}

func (s *Session) setState(st state) {
	now := s.c.now()
	slog.Info("DHCP: entering state", "interface", s.dev.Name, "state", st.String(), "xid", s.xid)
	s.st = st
	s.start = now
	s.timer.Stop()
	s.timer.SetLimits(st.limits(&s.c.opts.Timeouts))
	s.timer.StartNoDelay(now)
	s.c.metrics.states.WithLabelValues(s.dev.Name, st.String()).Inc()
}

func (s *Session) elapsed() time.Duration {
	return s.c.now().Sub(s.start)
}

func (s *Session) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.timer.Stop()
	if s.tr != nil {
		if cerr := s.tr.Close(); cerr != nil {
			slog.Debug("DHCP: closing transport", "interface", s.dev.Name, "err", cerr)
		}
	}
	s.c.remove(s)
	s.c.metrics.results.WithLabelValues(s.dev.Name, resultLabel(err)).Inc()
	if err != nil {
		slog.Warn("DHCP: session failed", "interface", s.dev.Name, "state", s.st.String(), "err", err)
	} else {
		slog.Info("DHCP: session complete", "interface", s.dev.Name, "ip", s.local)
	}
	s.job.Done(err)
}

func (s *Session) expired(fail bool) {
	if fail {
		s.finish(ErrTimedOut)
		return
	}
	s.count++
	s.st.expired(s)
}

// transmit sends the current state's request. The retry timer is started
// first so that a failed send is retried like a lost one.
func (s *Session) transmit() {
	s.timer.Start(s.c.now())

	dst, mods := s.st.tx(s)
	msg, err := s.buildRequest(s.st.msgType(), mods...)
	if err != nil {
		slog.Warn("DHCP: could not construct request", "interface", s.dev.Name, "err", err)
		return
	}
	slog.Debug("DHCP: transmit", "interface", s.dev.Name, "state", s.st.String(),
		"xid", s.xid, "type", msg.MessageType(), "dst", dst, "count", s.count)
	if err := s.tr.Send(msg, dst); err != nil {
		slog.Debug("DHCP: could not transmit", "interface", s.dev.Name, "dst", dst, "err", err)
		return
	}
	s.c.metrics.transmits.WithLabelValues(s.dev.Name, s.st.String()).Inc()
}

// deferDiscovery returns to Discover with the first transmission delayed.
// It reports false once the deferral limit is reached.
func (s *Session) deferDiscovery() bool {
	if s.count > s.c.opts.Timeouts.MaxDeferrals {
		return false
	}
	slog.Info("DHCP: deferring discovery", "interface", s.dev.Name, "count", s.count)
	s.setState(discoverState{})
	s.timer.StartFixed(s.c.now(), s.c.opts.Timeouts.DiscoverMin)
	return true
}

// reply is a received DHCP message with its identification.
type reply struct {
	msg      *dhcpv4.DHCPv4
	peer     netip.AddrPort
	msgType  dhcpv4.MessageType
	serverID netip.Addr
	pseudoID netip.Addr
}

// Deliver processes a datagram received from peer.
func (s *Session) Deliver(data []byte, peer netip.AddrPort) error {
	if s.done {
		return nil
	}
	msg, err := dhcpv4.FromBytes(data)
	if err != nil {
		return fmt.Errorf("parse DHCP message from %s: %w", peer, err)
	}
	r := &reply{
		msg:      msg,
		peer:     netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()),
		msgType:  msg.MessageType(),
		pseudoID: pseudoID(msg, peer),
	}
	r.serverID, _ = addrFrom4(msg.ServerIdentifier())

	if msg.TransactionID != s.xid {
		slog.Debug("DHCP: bad transaction ID", "interface", s.dev.Name,
			"type", r.msgType, "peer", r.peer, "xid", msg.TransactionID)
		return ErrBadXID
	}
	if !hwEqual(msg.ClientHWAddr, s.dev.HWAddr) {
		slog.Debug("DHCP: bad chaddr", "interface", s.dev.Name,
			"type", r.msgType, "peer", r.peer, "chaddr", msg.ClientHWAddr)
		return ErrBadChaddr
	}

	var yiaddr netip.Addr
	if a, ok := addrFrom4(msg.YourIPAddr); ok {
		yiaddr = a
	}
	slog.Debug("DHCP: received", "interface", s.dev.Name, "state", s.st.String(),
		"type", r.msgType, "peer", r.peer, "server_id", r.serverID,
		"pseudo_id", r.pseudoID, "ip", yiaddr)
	s.st.rx(s, r)
	return nil
}

func hwEqual(chaddr, hw net.HardwareAddr) bool {
	if len(chaddr) < len(hw) {
		return false
	}
	for i := range hw {
		if chaddr[i] != hw[i] {
			return false
		}
	}
	return true
}
