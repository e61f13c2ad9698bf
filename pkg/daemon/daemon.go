// Package daemon implements the netboot daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sys/unix"

	"github.com/psaab/netboot/pkg/api"
	"github.com/psaab/netboot/pkg/config"
	"github.com/psaab/netboot/pkg/dhcp"
	"github.com/psaab/netboot/pkg/logging"
	"github.com/psaab/netboot/pkg/loop"
	"github.com/psaab/netboot/pkg/netdev"
)

// logBufferSize is the number of records kept for the status API.
const logBufferSize = 1000

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// APIAddr overrides the configured address when non-empty.
	APIAddr   string
	Debug     bool
	LogOutput io.Writer // os.Stderr if nil
}

type devLink struct {
	dev  *netdev.Device
	link *netdev.PacketLink
}

// Daemon is the main netboot daemon.
type Daemon struct {
	opts  Options
	cfg   *config.Config
	logs  *logging.Buffer
	log   *logging.Handler
	stack *stack
	loop  *loop.Loop
	links []devLink
	dhcp  *dhcp.Manager
	inst  *dhcp.NetlinkInstaller
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	missing := errors.Is(err, os.ErrNotExist)
	switch {
	case missing:
		cfg = config.Default()
	case err != nil:
		return err
	}
	d.cfg = cfg
	if d.opts.APIAddr != "" {
		cfg.APIAddr = d.opts.APIAddr
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	if d.opts.Debug {
		level = slog.LevelDebug
	}
	d.logs = logging.NewBuffer(logBufferSize)
	d.log = logging.Setup(d.opts.LogOutput, level, d.logs)
	defer d.log.Close()
	d.applySyslogConfig()

	slog.Info("starting netboot daemon", "config", d.opts.ConfigFile, "pid", os.Getpid())
	if missing {
		slog.Warn("no configuration file, using defaults", "file", d.opts.ConfigFile)
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config: " + w)
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if d.stack, err = newStack(cfg); err != nil {
		return err
	}
	d.loop = loop.New(0)
	d.loop.OnTick(d.stack.engine.Tick)

	if err := d.setupInterfaces(); err != nil {
		return err
	}
	defer d.closeLinks()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := d.setupDHCP(registry); err != nil {
		return err
	}
	if d.inst != nil {
		defer d.inst.Close()
	}

	// The loop outlives ctx so shutdown can still cancel sessions.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.loop.Run(loopCtx)
	}()

	for _, dl := range d.links {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dl.link.Run(ctx, func(frame []byte) {
				d.loop.Post(func() { d.stack.rxFrame(dl.dev, frame) })
			})
		}()
	}

	if events, err := netdev.WatchLinks(ctx); err != nil {
		slog.Warn("link monitoring unavailable", "err", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				d.loop.Post(func() {
					if dev := d.stack.devs.ByIndex(ev.Index); dev != nil {
						dev.SetOpen(ev.Up)
					}
				})
			}
		}()
	}

	if cfg.APIAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:       cfg.APIAddr,
			Token:      cfg.APIToken,
			Loop:       d.loop,
			Engine:     d.stack.engine,
			Devices:    d.stack.devs,
			Settings:   d.stack.store,
			Neighbours: d.stack.neigh,
			DHCP:       d.dhcp,
			Logs:       d.logs,
			Registry:   registry,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("HTTP API server failed", "err", err)
			}
		}()
	}

	for _, ifc := range cfg.Interfaces {
		if !ifc.DHCP {
			continue
		}
		if err := d.dhcp.Start(ctx, ifc.Name); err != nil {
			slog.Warn("DHCP: failed to start", "interface", ifc.Name, "err", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.dhcp.StopAll(stopCtx); err != nil {
		slog.Warn("DHCP: stop failed", "err", err)
	}
	cancel()
	stopLoop()
	wg.Wait()
	slog.Info("daemon stopped")
	return nil
}

// setupInterfaces discovers the configured interfaces and opens an IPv6
// packet socket on each.
func (d *Daemon) setupInterfaces() error {
	devs, err := netdev.Discover(d.cfg.InterfaceNames())
	if err != nil {
		return err
	}
	for _, dev := range devs {
		link, err := netdev.OpenPacketLink(dev.Name, dev.Index, unix.ETH_P_IPV6)
		if err != nil {
			d.closeLinks()
			return err
		}
		d.links = append(d.links, devLink{dev: dev, link: link})
		dev.SetLink(link)
		if err := d.stack.addInterface(dev, d.cfg.Interface(dev.Name)); err != nil {
			d.closeLinks()
			return err
		}
	}
	return nil
}

func (d *Daemon) closeLinks() {
	for _, dl := range d.links {
		dl.link.Close()
	}
	d.links = nil
}

// setupDHCP creates the DHCP client and manager. Runs before the loop
// starts, so the client may be touched directly.
func (d *Daemon) setupDHCP(registry *prometheus.Registry) error {
	cfg := d.cfg
	id, err := dhcp.LoadUUID(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("client UUID: %w", err)
	}
	client, err := dhcp.NewClient(d.stack.store, dhcp.RawDialer(d.loop), dhcp.Options{
		Arch:       iana.Arch(cfg.DHCP.Arch),
		NDI:        cfg.DHCP.NDI,
		UserClass:  cfg.DHCP.UserClass,
		UUID:       id,
		MaxOffers:  cfg.DHCP.MaxOffers,
		Timeouts:   cfg.DHCP.Timeouts,
		Registerer: registry,
	})
	if err != nil {
		return err
	}
	d.loop.OnTick(client.Tick)

	if len(cfg.DHCP.Cached) > 0 {
		cache := dhcp.NewCache(d.stack.store)
		for name, path := range cfg.DHCP.Cached {
			if err := cache.RecordFile(name, path); err != nil {
				slog.Warn("CACHEDHCP: ignoring cached packet", "name", name, "err", err)
			}
		}
		if err := cache.Apply(nil); err != nil {
			slog.Warn("CACHEDHCP: apply failed", "err", err)
		}
		for _, dev := range d.stack.devs.All() {
			if err := cache.Apply(dev); err != nil {
				slog.Warn("CACHEDHCP: apply failed", "interface", dev.Name, "err", err)
			}
		}
		client.SetCache(cache)
	}

	d.dhcp = dhcp.NewManager(d.loop, client, d.stack.devs, d.stack.store)
	install := false
	for _, ifc := range cfg.Interfaces {
		if !ifc.DHCP {
			continue
		}
		d.dhcp.SetInterfaceOptions(ifc.Name, &dhcp.InterfaceOptions{
			PXEType:        ifc.PXEType,
			InstallAddress: ifc.InstallAddress,
		})
		install = install || ifc.InstallAddress
	}
	if install {
		inst, err := dhcp.NewNetlinkInstaller()
		if err != nil {
			return err
		}
		d.dhcp.SetInstaller(inst)
		d.inst = inst
	}
	return nil
}

// applySyslogConfig creates syslog clients from the configuration.
func (d *Daemon) applySyslogConfig() {
	var clients []*logging.SyslogClient
	for _, sc := range d.cfg.Syslog {
		c, err := logging.NewSyslogClient(sc.Host, sc.Port, "")
		if err != nil {
			slog.Warn("failed to create syslog client", "host", sc.Host, "err", err)
			continue
		}
		c.MinSeverity = logging.ParseSeverity(sc.Severity)
		clients = append(clients, c)
	}
	d.log.SetClients(clients)
}
