package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/config"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/control"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/transport"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/wire"
	"github.com/haukened/rr-tcpd/internal/dns/repos/dnscache"
	"github.com/haukened/rr-tcpd/internal/dns/repos/zone"
	"github.com/haukened/rr-tcpd/internal/dns/repos/zonecache"
	"github.com/haukened/rr-tcpd/internal/dns/services/resolver"
	"github.com/haukened/rr-tcpd/internal/dns/services/shutdown"
	"github.com/haukened/rr-tcpd/internal/dns/services/status"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-tcpd"

	defaultZoneTTL = 300 * time.Second
)

// Application holds all the components of the DNS server
type Application struct {
	config    *config.AppConfig
	coord     *shutdown.Coordinator
	zones     *zonecache.ZoneCache
	authority *resolver.Authority
	transport *transport.TCPTransport
	control   *control.Server
	metrics   *http.Server

	// ready is closed once every listener is bound.
	ready chan struct{}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"app":            appName,
		"version":        version,
		"env":            cfg.Env,
		"log_level":      cfg.Log.Level,
		"listen":         cfg.Server.Listen,
		"zone_dir":       cfg.Server.ZoneDir,
		"control_listen": cfg.Control.Listen,
		"metrics_listen": cfg.Metrics.Listen,
	}, "Starting RR-TCPD server")

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Signals and the control channel's stop command share one entry point.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
			app.coord.Shutdown("signal: " + sig.String())
		}
	}()

	if err := app.Run(context.Background()); err != nil {
		log.Error(map[string]any{"error": err}, "Server did not shut down cleanly")
		os.Exit(1)
	}
	log.Info(nil, "RR-TCPD server stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	zones, err := buildZones(cfg)
	if err != nil {
		return nil, err
	}

	var cache resolver.Cache
	if cfg.Cache.Size > uint(^uint(0)>>1) {
		return nil, fmt.Errorf("cache size too large: %d", cfg.Cache.Size)
	}
	cache, err = dnscache.New(int(cfg.Cache.Size), clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer cache: %w", err)
	}
	log.Info(map[string]any{"type": "LRU", "size": cfg.Cache.Size}, "DNS answer cache configured")

	authority := resolver.NewAuthority(resolver.AuthorityOptions{
		Zones:  zones,
		Cache:  cache,
		Logger: logger,
	})

	coord := shutdown.New(clk, logger)

	tcp, err := transport.NewTransport(transport.TransportTCP, transport.Options{
		Addr:        cfg.Server.Listen,
		Codec:       wire.NewTCPCodec(),
		Timeouts:    cfg.Timeouts(),
		Linger:      cfg.Server.CloseLinger,
		Clock:       clk,
		Logger:      logger,
		Coordinator: coord,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	tcpTransport := tcp.(*transport.TCPTransport)

	app := &Application{
		config:    cfg,
		coord:     coord,
		zones:     zones,
		authority: authority,
		transport: tcpTransport,
		ready:     make(chan struct{}),
	}

	if cfg.Control.Listen != "" {
		reporter := status.NewReporter(version, coord, tcpTransport, zones, clk)
		app.control = control.NewServer(control.ServerOptions{
			Addr:           cfg.Control.Listen,
			Authenticator:  control.NewSharedSecret(cfg.Control.Secret),
			Dispatcher:     control.NewDispatcher(coord, reporter, tcpTransport, logger),
			ReadOnly:       cfg.Control.ReadOnly,
			SessionTimeout: cfg.Control.SessionTimeout,
			Coordinator:    coord,
			Logger:         logger,
		})
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		app.metrics = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app, nil
}

// buildZones loads the zone directory into a zone cache
func buildZones(cfg *config.AppConfig) (*zonecache.ZoneCache, error) {
	loaded, err := zone.LoadZoneDirectory(cfg.Server.ZoneDir, defaultZoneTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to load zone directory: %w", err)
	}

	zones := zonecache.New()
	for origin, records := range loaded {
		zones.PutZone(origin, records)
	}

	log.Info(map[string]any{
		"zone_dir": cfg.Server.ZoneDir,
		"zones":    len(zones.Zones()),
		"records":  zones.Count(),
	}, "Zone cache initialized")
	return zones, nil
}

// Run starts every listener and blocks until the server has terminated or
// the shutdown bound has passed. Cancelling ctx begins shutdown, as does a
// signal or the stop command.
func (app *Application) Run(ctx context.Context) error {
	if err := app.start(); err != nil {
		app.coord.Shutdown("startup failed")
		app.stop()
		return err
	}
	close(app.ready)

	select {
	case <-ctx.Done():
		app.coord.Shutdown("context cancelled")
	case <-app.coord.Draining():
	}

	timeout := app.config.Server.ShutdownTimeout
	log.Info(map[string]any{"timeout": timeout.String()}, "Shutdown initiated")

	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := app.coord.Wait(waitCtx)
	if err != nil {
		snap := app.coord.Snapshot()
		log.Warn(map[string]any{
			"timeout": timeout.String(),
			"data":    snap.Data,
			"control": snap.Control,
		}, "Shutdown timeout exceeded")
	}

	app.stop()
	if err != nil {
		return fmt.Errorf("shutdown did not complete within %s: %w", timeout, err)
	}
	log.Info(nil, "Graceful shutdown completed")
	return nil
}

func (app *Application) start() error {
	// Listeners are drained through the coordinator, not through a context.
	bg := context.Background()

	if err := app.transport.Start(bg, app.authority); err != nil {
		return fmt.Errorf("failed to start TCP transport: %w", err)
	}
	log.Info(map[string]any{"address": app.transport.Address(), "transport": "TCP"}, "DNS server started")

	if app.control != nil {
		if err := app.control.Start(bg); err != nil {
			return fmt.Errorf("failed to start control channel: %w", err)
		}
	}

	if app.metrics != nil {
		l, err := net.Listen("tcp", app.metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to bind metrics listener: %w", err)
		}
		app.metrics.Addr = l.Addr().String()
		go func() {
			if err := app.metrics.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(map[string]any{"error": err}, "Metrics server failed")
			}
		}()
		log.Info(map[string]any{"address": app.metrics.Addr}, "Metrics endpoint started")
	}
	return nil
}

// stop releases whatever is still open. After a clean termination this only
// reaps goroutines; after a timeout it resets the remaining connections.
func (app *Application) stop() {
	if app.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := app.metrics.Shutdown(ctx); err != nil {
			log.Warn(map[string]any{"error": err}, "Error stopping metrics server")
		}
		cancel()
	}
	if app.control != nil {
		if err := app.control.Stop(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error stopping control channel")
		}
	}
	if err := app.transport.Stop(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error during transport shutdown")
	}
}
