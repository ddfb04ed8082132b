// Package vpn coordinates the optional gluetun-style sidecars. A loop per
// sidecar polls health, public IP and the forwarded port. Transitions and
// port rotations stamp a recovery time that opens a stabilization window:
// while it is active, cleanup paths leave this VPN's engines alone, because
// engines transiently report unhealthy during port rotation and evicting
// them caused fleet imbalance.
package vpn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/logger"
)

// ErrUnavailable is returned when no VPN can carry traffic: the single VPN
// is down, or both are in redundant mode.
var ErrUnavailable = errors.New("vpn unavailable")

// Status of one sidecar as reported on /vpn/status.
type Status struct {
	Name           string     `json:"name"`
	Mode           string     `json:"mode"`
	Up             bool       `json:"up"`
	PublicIP       string     `json:"public_ip,omitempty"`
	Country        string     `json:"country,omitempty"`
	ForwardedPort  int        `json:"forwarded_port,omitempty"`
	LastRecoveryAt *time.Time `json:"last_recovery_at,omitempty"`
}

type sidecar struct {
	cfg config.VPNSidecar

	mu             sync.RWMutex
	up             bool
	everProbed     bool
	publicIP       string
	country        string
	forwardedPort  int
	lastRecoveryAt time.Time
}

// PortChangeHandler is invoked when a sidecar's forwarded port rotates.
// The coordinator has already stamped the recovery time; the handler's job
// is to invalidate the current forwarded engine.
type PortChangeHandler func(ctx context.Context, vpnName string, newPort int)

// Coordinator polls every configured sidecar and answers stabilization and
// placement questions for the rest of the orchestrator.
type Coordinator struct {
	mode          config.VPNMode
	sidecars      []*sidecar
	interval      time.Duration
	stabilization time.Duration
	hc            *http.Client
	bus           *events.Bus
	onPortChange  PortChangeHandler
	bindingCounts func() map[string]int
	log           zerolog.Logger
}

// New builds a coordinator. bindingCounts reports engines per VPN binding
// for balanced placement; onPortChange may be nil.
func New(cfg *config.Config, bus *events.Bus, bindingCounts func() map[string]int) *Coordinator {
	c := &Coordinator{
		mode:          cfg.VPNMode,
		interval:      cfg.VPNCheckInterval,
		stabilization: cfg.RecoveryStabilization,
		hc:            &http.Client{Timeout: 5 * time.Second},
		bus:           bus,
		bindingCounts: bindingCounts,
		log:           logger.WithComponent("vpn"),
	}
	for _, sc := range cfg.VPNs {
		c.sidecars = append(c.sidecars, &sidecar{cfg: sc})
	}
	return c
}

// OnPortChange registers the forwarded-port rotation handler.
func (c *Coordinator) OnPortChange(h PortChangeHandler) { c.onPortChange = h }

// Enabled reports whether any sidecar is configured.
func (c *Coordinator) Enabled() bool { return len(c.sidecars) > 0 }

// Run polls until ctx is cancelled. A no-VPN deployment blocks idle.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.Enabled() {
		<-ctx.Done()
		return
	}
	c.log.Info().Int("sidecars", len(c.sidecars)).Str("mode", string(c.mode)).Msg("VPN coordinator started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *Coordinator) checkAll(ctx context.Context) {
	for _, sc := range c.sidecars {
		c.check(ctx, sc)
	}
}

func (c *Coordinator) check(ctx context.Context, sc *sidecar) {
	up := c.probeStatus(ctx, sc)

	sc.mu.Lock()
	wasUp, everProbed := sc.up, sc.everProbed
	sc.up = up
	sc.everProbed = true
	sc.mu.Unlock()

	if everProbed && up != wasUp {
		if up {
			c.stampRecovery(sc)
			c.log.Info().Str("vpn", sc.cfg.Name).Msg("VPN recovered")
		} else {
			c.log.Warn().Str("vpn", sc.cfg.Name).Msg("VPN went down")
		}
		c.bus.Publish(events.Event{Type: events.VPNChanged, VPN: sc.cfg.Name})
	}

	if !up {
		return
	}

	if ip, country, err := c.probePublicIP(ctx, sc); err == nil {
		sc.mu.Lock()
		sc.publicIP, sc.country = ip, country
		sc.mu.Unlock()
	}

	port, err := c.probeForwardedPort(ctx, sc)
	if err != nil || port == 0 {
		return
	}
	sc.mu.Lock()
	prev := sc.forwardedPort
	sc.forwardedPort = port
	sc.mu.Unlock()
	if prev != 0 && prev != port {
		c.log.Warn().Str("vpn", sc.cfg.Name).Int("old_port", prev).Int("new_port", port).
			Msg("Forwarded port changed")
		c.stampRecovery(sc)
		c.bus.Publish(events.Event{Type: events.VPNPortChanged, VPN: sc.cfg.Name, Port: port})
		if c.onPortChange != nil {
			c.onPortChange(ctx, sc.cfg.Name, port)
		}
	}
}

func (c *Coordinator) stampRecovery(sc *sidecar) {
	sc.mu.Lock()
	sc.lastRecoveryAt = time.Now()
	sc.mu.Unlock()
}

// ---- sidecar HTTP contract ----

func (c *Coordinator) probeStatus(ctx context.Context, sc *sidecar) bool {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, sc.cfg.ControlURL+"/v1/openvpn/status", &body); err != nil {
		c.log.Debug().Err(err).Str("vpn", sc.cfg.Name).Msg("Sidecar status probe failed")
		return false
	}
	return body.Status == "running"
}

func (c *Coordinator) probeForwardedPort(ctx context.Context, sc *sidecar) (int, error) {
	var body struct {
		Port int `json:"port"`
	}
	if err := c.getJSON(ctx, sc.cfg.ControlURL+"/v1/openvpn/portforwarded", &body); err != nil {
		return 0, err
	}
	return body.Port, nil
}

func (c *Coordinator) probePublicIP(ctx context.Context, sc *sidecar) (string, string, error) {
	var body struct {
		PublicIP string `json:"public_ip"`
		Country  string `json:"country"`
	}
	if err := c.getJSON(ctx, sc.cfg.ControlURL+"/v1/publicip/ip", &body); err != nil {
		return "", "", err
	}
	return body.PublicIP, body.Country, nil
}

func (c *Coordinator) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar returned %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// ---- queries ----

func (c *Coordinator) find(name string) *sidecar {
	for _, sc := range c.sidecars {
		if sc.cfg.Name == name {
			return sc
		}
	}
	return nil
}

// IsUp reports whether the named VPN is up.
func (c *Coordinator) IsUp(name string) bool {
	sc := c.find(name)
	if sc == nil {
		return false
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.up
}

// AnyUp reports whether at least one VPN is up. True when no VPN is
// configured.
func (c *Coordinator) AnyUp() bool {
	if !c.Enabled() {
		return true
	}
	for _, sc := range c.sidecars {
		sc.mu.RLock()
		up := sc.up
		sc.mu.RUnlock()
		if up {
			return true
		}
	}
	return false
}

// EmergencyMode reports redundant-mode degradation: exactly one of the two
// VPNs is down.
func (c *Coordinator) EmergencyMode() bool {
	if c.mode != config.VPNRedundant {
		return false
	}
	up := 0
	for _, sc := range c.sidecars {
		sc.mu.RLock()
		if sc.up {
			up++
		}
		sc.mu.RUnlock()
	}
	return up == 1
}

// InStabilization reports whether the named VPN (or any, for "") is inside
// its post-recovery stabilization window.
func (c *Coordinator) InStabilization(name string) bool {
	for _, sc := range c.sidecars {
		if name != "" && sc.cfg.Name != name {
			continue
		}
		sc.mu.RLock()
		recovered := sc.lastRecoveryAt
		sc.mu.RUnlock()
		if !recovered.IsZero() && time.Since(recovered) < c.stabilization {
			return true
		}
	}
	return false
}

// ForwardedPort returns the sidecar's current forwarded port.
func (c *Coordinator) ForwardedPort(name string) int {
	sc := c.find(name)
	if sc == nil {
		return 0
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.forwardedPort
}

// MaxActive returns the per-VPN active-replica cap, or 0 for unknown.
func (c *Coordinator) MaxActive(name string) int {
	sc := c.find(name)
	if sc == nil {
		return 0
	}
	return sc.cfg.MaxActiveReplicas
}

// ActiveCap is the fleet-wide active cap given the current VPN health: in
// emergency mode only the healthy VPN's capacity counts.
func (c *Coordinator) ActiveCap() int {
	if !c.Enabled() {
		return 0
	}
	total := 0
	for _, sc := range c.sidecars {
		sc.mu.RLock()
		up := sc.up
		sc.mu.RUnlock()
		if c.EmergencyMode() && !up {
			continue
		}
		total += sc.cfg.MaxActiveReplicas
	}
	return total
}

// PickBinding chooses the VPN a new engine should bind to: the healthy VPN
// in emergency mode, otherwise the up VPN with the fewest engines, per-VPN
// caps respected. Fails with ErrUnavailable when every VPN is down.
func (c *Coordinator) PickBinding() (string, error) {
	if !c.Enabled() {
		return "", nil
	}
	counts := map[string]int{}
	if c.bindingCounts != nil {
		counts = c.bindingCounts()
	}
	best := ""
	bestCount := -1
	for _, sc := range c.sidecars {
		sc.mu.RLock()
		up := sc.up
		sc.mu.RUnlock()
		if !up {
			continue
		}
		n := counts[sc.cfg.Name]
		if n >= sc.cfg.MaxActiveReplicas {
			continue
		}
		if bestCount == -1 || n < bestCount {
			best, bestCount = sc.cfg.Name, n
		}
	}
	if best == "" {
		if !c.AnyUp() {
			return "", ErrUnavailable
		}
		return "", fmt.Errorf("all healthy VPNs at MAX_ACTIVE_REPLICAS")
	}
	return best, nil
}

// Statuses returns the status of every sidecar for /vpn/status.
func (c *Coordinator) Statuses() []Status {
	out := make([]Status, 0, len(c.sidecars))
	for _, sc := range c.sidecars {
		sc.mu.RLock()
		st := Status{
			Name:          sc.cfg.Name,
			Mode:          string(c.mode),
			Up:            sc.up,
			PublicIP:      sc.publicIP,
			Country:       sc.country,
			ForwardedPort: sc.forwardedPort,
		}
		if !sc.lastRecoveryAt.IsZero() {
			t := sc.lastRecoveryAt
			st.LastRecoveryAt = &t
		}
		sc.mu.RUnlock()
		out = append(out, st)
	}
	return out
}
