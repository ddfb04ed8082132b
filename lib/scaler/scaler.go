// Package scaler enforces the replica policy: keep MIN_REPLICAS engines
// free, never exceed MAX_REPLICAS or the VPN active caps, provision one
// engine ahead of demand (lookahead), place the forwarded engine, and
// scale idle engines down outside stabilization windows. Every decision is
// gated by the circuit breaker and a global cooldown.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/breaker"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/driver"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/state"
	"krinkuto11/aceorch/lib/vpn"
)

// ErrProvisioningBlocked is returned while the circuit breaker is open.
var ErrProvisioningBlocked = errors.New("provisioning blocked by circuit breaker")

const tickInterval = 10 * time.Second

// Autoscaler owns fleet sizing.
type Autoscaler struct {
	store *state.Store
	drv   driver.Driver
	vpns  *vpn.Coordinator
	brk   *breaker.Breaker
	cfg   *config.Store
	alloc *driver.Allocator
	log   zerolog.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
	kick          chan struct{}
}

// New builds an autoscaler.
func New(store *state.Store, drv driver.Driver, vpns *vpn.Coordinator, brk *breaker.Breaker, cfg *config.Store, alloc *driver.Allocator) *Autoscaler {
	return &Autoscaler{
		store: store,
		drv:   drv,
		vpns:  vpns,
		brk:   brk,
		cfg:   cfg,
		alloc: alloc,
		kick:  make(chan struct{}, 1),
		log:   logger.WithComponent("scaler"),
	}
}

// Kick schedules an immediate tick, used by the selector when admission
// finds no capacity.
func (a *Autoscaler) Kick() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run evaluates the policies until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	a.log.Info().Msg("Autoscaler started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		case <-a.kick:
			a.Tick(ctx)
		}
	}
}

// Tick runs one policy evaluation: unhealthy eviction, minimum free
// capacity, lookahead, scale-down. During the cooldown only unhealthy
// eviction and a strictly positive minimum-free deficit may fire.
func (a *Autoscaler) Tick(ctx context.Context) {
	inCooldown := a.inCooldown()

	a.evictUnhealthy(ctx)
	if err := a.EnsureMinimumFree(ctx); err != nil &&
		!errors.Is(err, ErrProvisioningBlocked) && !errors.Is(err, vpn.ErrUnavailable) {
		a.log.Warn().Err(err).Msg("Minimum-free enforcement failed")
	}

	if inCooldown {
		return
	}
	if err := a.lookahead(ctx); err != nil && !errors.Is(err, ErrProvisioningBlocked) {
		a.log.Warn().Err(err).Msg("Lookahead provisioning failed")
	}
	a.scaleDown(ctx)
}

func (a *Autoscaler) inCooldown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().Before(a.cooldownUntil)
}

func (a *Autoscaler) startCooldown() {
	cfg := a.cfg.Current()
	a.mu.Lock()
	a.cooldownUntil = time.Now().Add(cfg.ScaleCooldown)
	a.mu.Unlock()
}

// EnsureMinimumFree provisions until free_count reaches effective_min,
// capped by MAX_REPLICAS and the VPN active caps.
func (a *Autoscaler) EnsureMinimumFree(ctx context.Context) error {
	cfg := a.cfg.Current()
	free := a.store.FreeCount()
	deficit := cfg.EffectiveMin() - free
	if deficit <= 0 {
		return nil
	}

	total := a.store.EngineCount()
	if room := cfg.MaxReplicas - total; deficit > room {
		deficit = room
	}
	if a.vpns.Enabled() {
		if room := a.vpns.ActiveCap() - total; deficit > room {
			deficit = room
		}
		if deficit <= 0 {
			a.log.Info().Int("total", total).Int("active_cap", a.vpns.ActiveCap()).
				Msg("Free-capacity deficit but fleet at active-replicas cap")
			return nil
		}
	}
	if deficit <= 0 {
		return nil
	}

	a.log.Info().Int("free", free).Int("effective_min", cfg.EffectiveMin()).Int("deficit", deficit).
		Msg("Provisioning to restore free capacity")
	var firstErr error
	for i := 0; i < deficit; i++ {
		if _, err := a.Provision(ctx, "min_free"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
	}
	return firstErr
}

// lookahead provisions one engine when any engine reaches
// MAX_STREAMS_PER_ENGINE-1, at most once until the fleet-wide minimum load
// reaches the recorded layer.
func (a *Autoscaler) lookahead(ctx context.Context) error {
	cfg := a.cfg.Current()
	loads := a.store.Loads()
	if len(loads) == 0 {
		return nil
	}
	trigger := cfg.MaxStreamsPerEngine - 1
	minLoad, maxLoad := minMax(loads)

	if layer, armed := a.store.LookaheadLayer(); armed {
		switch {
		case minLoad >= layer:
			// The lookahead engine caught up; re-arm.
			a.store.SetLookaheadLayer(-1)
		case maxLoad < trigger:
			// Demand eased below the trigger; re-arm.
			a.store.SetLookaheadLayer(-1)
		default:
			return nil
		}
	}

	if maxLoad < trigger {
		return nil
	}
	total := a.store.EngineCount()
	if total >= cfg.MaxReplicas {
		return nil
	}
	if a.vpns.Enabled() && total >= a.vpns.ActiveCap() {
		return nil
	}

	a.log.Info().Int("min_load", minLoad).Int("trigger", trigger).
		Msg("Lookahead provisioning one engine")
	if _, err := a.Provision(ctx, "lookahead"); err != nil {
		return err
	}
	a.store.SetLookaheadLayer(minLoad)
	return nil
}

// ScaleTo sets the fleet to the requested size, clamped to the configured
// bounds and, with a VPN active, the active-replicas cap.
func (a *Autoscaler) ScaleTo(ctx context.Context, n int) error {
	cfg := a.cfg.Current()
	desired := n
	if desired < cfg.MinReplicas {
		desired = cfg.MinReplicas
	}
	if desired > cfg.MaxReplicas {
		desired = cfg.MaxReplicas
	}
	if a.vpns.Enabled() {
		if c := a.vpns.ActiveCap(); desired > c {
			desired = c
		}
	}

	total := a.store.EngineCount()
	a.log.Info().Int("requested", n).Int("desired", desired).Int("total", total).Msg("Scaling to demand")
	for total < desired {
		if _, err := a.Provision(ctx, "scale_to"); err != nil {
			return err
		}
		total++
	}
	for total > desired {
		stopped := a.stopOneIdle(ctx, true)
		if !stopped {
			break
		}
		total--
	}
	return nil
}

// scaleDown stops at most one idle engine per tick, honouring the free
// minimum, the forwarded designation, the minimum engine lifetime and the
// VPN stabilization windows.
func (a *Autoscaler) scaleDown(ctx context.Context) {
	cfg := a.cfg.Current()
	if a.store.FreeCount() <= cfg.EffectiveMin() {
		return
	}
	a.stopOneIdle(ctx, false)
}

// stopOneIdle stops one eligible idle engine. force relaxes only the
// free-minimum check (used by explicit scale_to).
func (a *Autoscaler) stopOneIdle(ctx context.Context, force bool) bool {
	cfg := a.cfg.Current()
	loads := a.store.Loads()
	for _, e := range a.store.Engines() {
		if loads[e.ContainerID] != 0 || e.Forwarded {
			continue
		}
		if time.Since(e.CreatedAt) < cfg.MinEngineLifetime {
			continue
		}
		if a.vpns.InStabilization(e.VPNBinding) {
			continue
		}
		if !force && a.store.FreeCount()-1 < cfg.EffectiveMin() {
			return false
		}
		if err := a.StopEngine(ctx, e.ContainerID, "scale_down"); err != nil {
			a.log.Warn().Err(err).Str("container_id", e.ContainerID).Msg("Scale-down stop failed")
			return false
		}
		a.startCooldown()
		return true
	}
	return false
}

// evictUnhealthy stops engines that stayed unhealthy past the grace
// period; the minimum-free policy replaces them on the same tick. Engines
// on a VPN inside its stabilization window are left alone.
func (a *Autoscaler) evictUnhealthy(ctx context.Context) {
	grace := a.cfg.Current().UnhealthyGrace
	now := time.Now()
	for _, e := range a.store.Engines() {
		if e.Health != state.Unhealthy || e.UnhealthySince.IsZero() {
			continue
		}
		if now.Sub(e.UnhealthySince) < grace {
			continue
		}
		if a.vpns.InStabilization(e.VPNBinding) {
			continue
		}
		a.log.Warn().Str("container_id", state.ShortID(e.ContainerID)).
			Dur("unhealthy_for", now.Sub(e.UnhealthySince)).
			Msg("Evicting unhealthy engine")
		if err := a.StopEngine(ctx, e.ContainerID, "unhealthy"); err != nil {
			a.log.Warn().Err(err).Str("container_id", e.ContainerID).Msg("Unhealthy eviction failed")
		}
	}
}

// Provision creates one engine. The new engine becomes the forwarded one
// when its VPN has no forwarded engine yet.
func (a *Autoscaler) Provision(ctx context.Context, reason string) (state.Engine, error) {
	cfg := a.cfg.Current()

	binding := ""
	key := breaker.OpProvisionGeneral
	if a.vpns.Enabled() {
		picked, err := a.vpns.PickBinding()
		if err != nil {
			return state.Engine{}, err
		}
		binding = picked
		key = breaker.OpProvisionVPN(binding)
	}
	if !a.brk.Allow(key) {
		a.log.Warn().Str("op", key).Msg("Provisioning blocked, circuit open")
		return state.Engine{}, ErrProvisioningBlocked
	}

	ports, err := a.alloc.Allocate(cfg.EngineConf)
	if err != nil {
		return state.Engine{}, err
	}

	forwarded := false
	p2pPort := 0
	if binding != "" && a.vpns.IsUp(binding) && !a.store.HasForwardedEngine(binding) {
		forwarded = true
		p2pPort = a.vpns.ForwardedPort(binding)
	}

	conf := driver.ConfWithPorts(cfg.EngineConf, ports)
	if forwarded && p2pPort != 0 {
		conf += "\n--port=" + strconv.Itoa(p2pPort)
	}
	labels := map[string]string{
		"acestream.http_port":      strconv.Itoa(ports.ContainerHTTP),
		"acestream.https_port":     strconv.Itoa(ports.ContainerHTTPS),
		"acestream.host_http_port": strconv.Itoa(ports.HostHTTP),
	}
	if binding != "" {
		labels["acestream.vpn"] = binding
	}
	if forwarded {
		labels[driver.LabelForwarded] = "true"
	}

	spec := driver.StartSpec{
		Image:  cfg.EngineImage,
		Name:   "acestream-" + uuid.NewString()[:8],
		Env:    []string{"CONF=" + conf},
		Labels: labels,
	}
	if binding != "" {
		spec.NetworkMode = "container:" + binding
	}
	spec.Ports = ports

	info, err := a.drv.Start(ctx, spec)
	if err != nil {
		a.alloc.Release(ports)
		a.brk.Failure(key)
		return state.Engine{}, fmt.Errorf("provision (%s): %w", reason, err)
	}
	a.brk.Success(key)

	engine := state.Engine{
		ContainerID:   info.ID,
		ContainerName: info.Name,
		Host:          "127.0.0.1",
		Port:          ports.HostHTTP,
		HTTPSPort:     ports.ContainerHTTPS,
		Forwarded:     forwarded,
		P2PPort:       p2pPort,
		Health:        state.Unknown,
		VPNBinding:    binding,
		CreatedAt:     info.CreatedAt,
		Labels:        info.Labels,
	}
	a.store.UpsertEngine(engine)
	if forwarded {
		a.store.SetForwarded(info.ID, p2pPort)
	}
	if err := a.store.Reindex(ctx, a.drv); err != nil {
		a.log.Debug().Err(err).Msg("Post-provision reindex failed")
	}
	a.startCooldown()

	a.log.Info().
		Str("container_id", state.ShortID(info.ID)).
		Str("reason", reason).
		Str("vpn", binding).
		Bool("forwarded", forwarded).
		Msg("Provisioned engine")
	return engine, nil
}

// StopEngine stops a container and drops its record. Started streams on
// the engine are ended first.
func (a *Autoscaler) StopEngine(ctx context.Context, id, reason string) error {
	for _, st := range a.store.Streams(state.StreamStarted) {
		if st.EngineID == id {
			a.store.EndStream(st.ID, reason)
		}
	}
	if err := a.drv.Stop(ctx, id, 10*time.Second); err != nil {
		return err
	}
	removed, ok := a.store.RemoveEngine(id)
	if ok {
		a.alloc.Release(driver.PortSpec{
			HostHTTP:       removed.Port,
			ContainerHTTPS: removed.HTTPSPort,
			ContainerHTTP:  labelPort(removed.Labels, "acestream.http_port"),
		})
	}
	a.log.Info().Str("container_id", state.ShortID(id)).Str("reason", reason).Msg("Stopped engine")
	return nil
}

// StopForwarded invalidates the forwarded engine after a port rotation.
// The minimum-free policy replaces it, and the replacement picks up the
// new forwarded port.
func (a *Autoscaler) StopForwarded(ctx context.Context, vpnName, reason string) {
	e, ok := a.store.ForwardedEngine(vpnName)
	if !ok {
		return
	}
	a.log.Warn().Str("container_id", state.ShortID(e.ContainerID)).Str("vpn", vpnName).
		Str("reason", reason).Msg("Stopping forwarded engine")
	if err := a.StopEngine(ctx, e.ContainerID, reason); err != nil {
		a.log.Warn().Err(err).Msg("Forwarded engine stop failed")
	}
	a.Kick()
}

// EvictBinding stops every engine bound to a failed VPN (emergency mode).
func (a *Autoscaler) EvictBinding(ctx context.Context, vpnName string) {
	for _, e := range a.store.Engines() {
		if e.VPNBinding != vpnName {
			continue
		}
		if err := a.StopEngine(ctx, e.ContainerID, "vpn_down"); err != nil {
			a.log.Warn().Err(err).Str("container_id", e.ContainerID).Msg("Emergency eviction failed")
		}
	}
}

func minMax(loads map[string]int) (int, int) {
	first := true
	var lo, hi int
	for _, v := range loads {
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func labelPort(labels map[string]string, key string) int {
	if labels == nil {
		return 0
	}
	p, _ := strconv.Atoi(labels[key])
	return p
}
