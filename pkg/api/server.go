package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/netboot/pkg/dhcp"
	"github.com/psaab/netboot/pkg/ipstat"
	"github.com/psaab/netboot/pkg/ipv6"
	"github.com/psaab/netboot/pkg/logging"
	"github.com/psaab/netboot/pkg/ndp"
	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

// Runner executes a function on the protocol loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Config configures the API server.
type Config struct {
	Addr  string
	Token string // empty = no authentication

	Loop       Runner
	Engine     *ipv6.Engine
	Devices    *netdev.Registry
	Settings   *settings.Store
	Neighbours *ndp.Cache
	DHCP       *dhcp.Manager
	Logs       *logging.Buffer

	// Registry is served on /metrics. A private registry is created if nil.
	Registry *prometheus.Registry
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	loop       Runner
	engine     *ipv6.Engine
	devs       *netdev.Registry
	store      *settings.Store
	neigh      *ndp.Cache
	dhcp       *dhcp.Manager
	logs       *logging.Buffer
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		loop:      cfg.Loop,
		engine:    cfg.Engine,
		devs:      cfg.Devices,
		store:     cfg.Settings,
		neigh:     cfg.Neighbours,
		dhcp:      cfg.DHCP,
		logs:      cfg.Logs,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(newCollector(s))
	if s.engine != nil {
		registry.MustRegister(ipstat.NewCollector(s.engine.Stats))
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/interfaces", s.interfacesHandler)
	mux.HandleFunc("GET /api/v1/routes", s.routesHandler)
	mux.HandleFunc("GET /api/v1/settings", s.settingsHandler)
	mux.HandleFunc("GET /api/v1/settings/blocks", s.blocksHandler)
	mux.HandleFunc("GET /api/v1/neighbours", s.neighboursHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /api/v1/dhcp/leases", s.dhcpLeasesHandler)
	mux.HandleFunc("GET /api/v1/dhcp/sessions", s.dhcpSessionsHandler)
	mux.HandleFunc("GET /api/v1/logs", s.logsHandler)

	// Mutations
	mux.HandleFunc("POST /api/v1/dhcp/renew", s.dhcpRenewHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/logs/stream", s.logStreamHandler)

	s.handler = mux
	if cfg.Token != "" {
		s.handler = tokenMiddleware(cfg.Token, mux)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Request contexts derive from ctx so streaming handlers end on shutdown.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr())
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
