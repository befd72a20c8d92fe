package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"multitun/internal/appid"
	"multitun/internal/core"
	"multitun/internal/engine"
	"multitun/internal/iface"
	"multitun/internal/tunnel"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("multitund %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		core.Log.Fatalf("Core", "Failed to load config: %v", err)
	}
	core.Log = core.NewLogger(cfg.Log)
	core.Log.Infof("Core", "multitund %s starting...", version)

	// === 1. Core components ===
	bus := core.NewEventBus()
	registry := core.NewTunnelRegistry(bus)
	rules := core.NewRuleCache(cfg.Rules, bus)
	tracker := engine.NewConnTracker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === 2. Virtual interface ===
	tun, err := iface.NewTUN(cfg.Interface.Name, cfg.Interface.MTU)
	if err != nil {
		core.Log.Fatalf("Core", "Failed to create interface: %v", err)
	}
	defer tun.Close()

	allocator := engine.NewSubnetAllocator(tun.Configure, bus)
	onReport := func(tunnelID string, rep tunnel.AddressReport) {
		allocator.OnTunnelAddressAssigned(tunnelID, rep.Addr, rep.Subnet.Bits())
	}

	// === 3. Endpoints ===
	epCfg := tunnel.Config{
		MTU:          cfg.Interface.MTU,
		RecvQueueLen: cfg.Buffers.RecvQueueLen,
		ReconnectMin: core.Duration(cfg.Timeouts.ReconnectMin, 0),
		ReconnectMax: core.Duration(cfg.Timeouts.ReconnectMax, 0),
	}
	endpoints := engine.NewEndpoints()

	// Direct passthrough: registered like any tunnel so direct and tunneled
	// traffic share one send path. Return traffic arrives via the host stack.
	injector, err := iface.NewRawInjector("")
	if err != nil {
		core.Log.Fatalf("Core", "Failed to open raw injector: %v", err)
	}
	defer injector.Close()

	directCfg := core.TunnelConfig{ID: core.TunnelDirect, Protocol: core.TunnelDirect}
	if err := registry.Register(directCfg); err != nil {
		core.Log.Fatalf("Core", "Failed to register direct tunnel: %v", err)
	}
	directEP := tunnel.NewEndpoint(core.TunnelDirect,
		tunnel.NewDirectBackend(injector.Inject, nil, cfg.Interface.MTU),
		registry, bus, epCfg, nil)
	if err := directEP.Connect(ctx, ""); err != nil {
		core.Log.Fatalf("Core", "Failed to bring up direct path: %v", err)
	}
	endpoints.Add(directEP)

	for _, tcfg := range cfg.Tunnels {
		if err := registry.Register(tcfg); err != nil {
			core.Log.Fatalf("Core", "Failed to register tunnel %q: %v", tcfg.ID, err)
		}

		var backend tunnel.Backend
		switch tcfg.Protocol {
		case "wireguard":
			settings, err := tunnel.ParseWGSettings(tcfg.Settings)
			if err != nil {
				core.Log.Fatalf("Core", "Tunnel %q: %v", tcfg.ID, err)
			}
			backend = tunnel.NewWGBackend(tcfg.ID, settings)
		default:
			core.Log.Fatalf("Core", "Tunnel %q: unknown protocol %q", tcfg.ID, tcfg.Protocol)
		}

		// Tunnels start Idle: the first packet routed to one triggers
		// establishment through the JIT orchestrator.
		endpoints.Add(tunnel.NewEndpoint(tcfg.ID, backend, registry, bus, epCfg, onReport))
	}

	// === 4. JIT orchestrator + router ===
	prober := engine.NewProber(core.Duration(cfg.Timeouts.Probe, 0))
	jit := engine.NewOrchestrator(registry, tracker, prober, endpoints, bus, engine.JitConfig{
		FlowMaxPackets:   cfg.Buffers.FlowMaxPackets,
		FlowMaxBytes:     cfg.Buffers.FlowMaxBytes,
		GlobalMaxBytes:   cfg.Buffers.GlobalMaxBytes,
		EstablishTimeout: core.Duration(cfg.Timeouts.Establish, 0),
		IdleTimeout:      core.Duration(cfg.Timeouts.Idle, 0),
	})

	router := engine.NewRouter(tun, rules, tracker, registry, jit, endpoints, appid.NewResolver(), bus, engine.RouterConfig{
		DefaultDirect: cfg.DefaultDirect,
		MTU:           cfg.Interface.MTU,
		WriteQueueLen: cfg.Buffers.RecvQueueLen,
		FlowTTL:       core.Duration(cfg.Timeouts.FlowTTL, 0),
	})

	// === 5. Run until signalled ===
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			core.Log.Infof("Core", "Received %s, shutting down", sig)
			cancel()
			return nil
		}
	})

	err = g.Wait()
	endpoints.CloseAll()
	if err != nil && err != context.Canceled {
		core.Log.Errorf("Core", "Engine stopped: %v", err)
		os.Exit(1)
	}
	core.Log.Infof("Core", "Shutdown complete")
}
