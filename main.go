// aceorch keeps a fleet of AceStream engine containers sized to demand
// and multiplexes playback across them. One process owns the Docker
// fleet, the VPN sidecar coordination, the stream registry and the
// client-facing proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/breaker"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/driver"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/health"
	"krinkuto11/aceorch/lib/hls"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/proxy"
	"krinkuto11/aceorch/lib/registry"
	"krinkuto11/aceorch/lib/scaler"
	"krinkuto11/aceorch/lib/selector"
	"krinkuto11/aceorch/lib/state"
	"krinkuto11/aceorch/lib/vpn"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 container
// runtime unreachable.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

const ownerID = "aceorch"

func main() {
	os.Exit(run())
}

func run() int {
	var configFile string
	flag.StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "optional config file; the environment is the primary source")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Configure(logger.Config{Service: "aceorch"})
		log := logger.Base()
		log.Error().Err(err).Msg("Configuration invalid")
		return exitConfig
	}
	logger.Configure(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile, Service: "aceorch"})
	log := logger.Base()
	cfgStore := config.NewStore(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drv, err := driver.NewDockerDriver(ownerID)
	if err != nil {
		log.Error().Err(err).Msg("Docker client unavailable")
		return exitRuntime
	}
	if err := drv.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Docker daemon unreachable")
		return exitRuntime
	}

	bus := events.NewBus(256)
	defer bus.Close()
	store := state.NewStore(bus)
	met := metrics.New()
	brk := breaker.New()
	alloc := driver.NewAllocator(cfg.HostPortRange, cfg.AceHTTPRange, cfg.AceHTTPSRange)
	engines := aceengine.NewClient(5 * time.Second)

	// Restore persisted state, then reconcile it against what is actually
	// running before any scaling decision happens.
	if err := store.LoadSnapshot(cfg.SnapshotPath); err != nil {
		log.Warn().Err(err).Msg("Snapshot restore failed, starting fresh")
	}
	if err := store.Reindex(ctx, drv); err != nil {
		log.Warn().Err(err).Msg("Startup reindex failed")
	}
	for _, e := range store.Engines() {
		httpPort, _ := strconv.Atoi(e.Labels["acestream.http_port"])
		alloc.Reserve(e.Port, httpPort, e.HTTPSPort)
	}

	vpns := vpn.New(cfg, bus, store.CountByBinding)
	scl := scaler.New(store, drv, vpns, brk, cfgStore, alloc)
	vpns.OnPortChange(func(ctx context.Context, vpnName string, newPort int) {
		scl.StopForwarded(ctx, vpnName, "port_rotation")
	})

	blacklist, err := registry.NewBlacklist(cfg.BlacklistRetention, cfg.BlacklistPath)
	if err != nil {
		log.Error().Err(err).Msg("Blacklist load failed")
		return exitConfig
	}
	reg := registry.New(store, engines, cfgStore, blacklist)
	monitor := health.NewMonitor(store, cfg.HealthInterval, cfg.HealthFailLimit)
	sel := selector.New(ctx, store, cfgStore, bus, scl, vpns)
	tsProxy := proxy.NewManager(ctx, store, cfgStore, engines, sel, blacklist, met)
	hlsMgr := hls.NewManager(ctx, store, cfgStore, engines, sel, blacklist, met)

	srv := NewServer(cfgStore, store, bus, engines, scl, sel, vpns, brk, reg, tsProxy, hlsMgr, met)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { store.RunPersister(gctx, cfgStore.Current().SnapshotPath); return nil })
	g.Go(func() error { vpns.Run(gctx); return nil })
	g.Go(func() error { monitor.Run(gctx); return nil })
	g.Go(func() error { reg.Run(gctx); return nil })
	g.Go(func() error { scl.Run(gctx); return nil })
	g.Go(func() error { tsProxy.Run(gctx); return nil })
	g.Go(func() error { hlsMgr.Run(gctx); return nil })
	g.Go(func() error { runEmergencyEvictor(gctx, bus, vpns, scl); return nil })
	g.Go(func() error { runMetricsSync(gctx, store, vpns, brk, met); return nil })

	g.Go(func() error {
		log.Info().Str("addr", cfgStore.Current().ListenAddr).Msg("Starting orchestrator")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Orchestrator terminated")
		return exitRuntime
	}
	log.Info().Msg("Orchestrator stopped")
	return exitOK
}

// runEmergencyEvictor reacts to VPN transitions: in redundant mode, when
// one VPN dies its engines are evicted so capacity rebuilds on the
// surviving VPN. Eviction waits out the stabilization window so transient
// flaps during port rotation do not empty half the fleet. A periodic
// re-check catches a VPN whose transition fired inside a stabilization
// window and would otherwise never be retried.
func runEmergencyEvictor(ctx context.Context, bus *events.Bus, vpns *vpn.Coordinator, scl *scaler.Autoscaler) {
	ch, cancel := bus.Subscribe(ctx)
	defer cancel()
	recheck := time.NewTicker(30 * time.Second)
	defer recheck.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-recheck.C:
			evictFailedBindings(ctx, vpns, scl)
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == events.VPNChanged {
				evictFailedBindings(ctx, vpns, scl)
			}
		}
	}
}

// evictFailedBindings evicts the engines of every down VPN while the
// fleet is in emergency mode, skipping VPNs still in stabilization.
func evictFailedBindings(ctx context.Context, vpns *vpn.Coordinator, scl *scaler.Autoscaler) {
	if !vpns.EmergencyMode() {
		return
	}
	for _, st := range vpns.Statuses() {
		if st.Up || vpns.InStabilization(st.Name) {
			continue
		}
		scl.EvictBinding(ctx, st.Name)
		scl.Kick()
	}
}

// runMetricsSync refreshes the fleet gauges.
func runMetricsSync(ctx context.Context, store *state.Store, vpns *vpn.Coordinator, brk *breaker.Breaker, met *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			byHealth := map[state.HealthStatus]int{}
			for _, e := range store.Engines() {
				byHealth[e.Health]++
			}
			for _, h := range []state.HealthStatus{state.Healthy, state.Unhealthy, state.Unknown} {
				met.EnginesByHealth.WithLabelValues(string(h)).Set(float64(byHealth[h]))
			}
			met.StreamsStarted.Set(float64(len(store.Streams(state.StreamStarted))))

			for _, st := range vpns.Statuses() {
				up := 0.0
				if st.Up {
					up = 1
				}
				met.VPNUp.WithLabelValues(st.Name).Set(up)

				key := breaker.OpProvisionVPN(st.Name)
				open := 0.0
				if brk.StateOf(key) == breaker.Open {
					open = 1
				}
				met.BreakerOpen.WithLabelValues(key).Set(open)
			}
			open := 0.0
			if brk.StateOf(breaker.OpProvisionGeneral) == breaker.Open {
				open = 1
			}
			met.BreakerOpen.WithLabelValues(breaker.OpProvisionGeneral).Set(open)
		}
	}
}
