// Package health probes every engine's HTTP endpoint out-of-band. Three
// consecutive failures mark an engine unhealthy; the first success marks
// it healthy again. Transitions surface as engine_healthy /
// engine_unhealthy events through the store's write path.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/state"
)

// Monitor drives the periodic probes.
type Monitor struct {
	store     *state.Store
	interval  time.Duration
	failLimit int
	hc        *http.Client
	log       zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewMonitor builds a monitor over the store.
func NewMonitor(store *state.Store, interval time.Duration, failLimit int) *Monitor {
	if failLimit < 1 {
		failLimit = 3
	}
	return &Monitor{
		store:     store,
		interval:  interval,
		failLimit: failLimit,
		hc:        &http.Client{Timeout: 5 * time.Second},
		failures:  make(map[string]int),
		log:       logger.WithComponent("health"),
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Dur("interval", m.interval).Msg("Health monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every engine once. Exposed for tests and for the autoscaler
// to force a probe after provisioning.
func (m *Monitor) Sweep(ctx context.Context) {
	engines := m.store.Engines()
	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e state.Engine) {
			defer wg.Done()
			m.probe(ctx, e)
		}(e)
	}
	wg.Wait()
	m.forget(engines)
}

func (m *Monitor) probe(ctx context.Context, e state.Engine) {
	ok := m.probeHTTP(ctx, e)

	m.mu.Lock()
	if ok {
		m.failures[e.ContainerID] = 0
	} else {
		m.failures[e.ContainerID]++
	}
	fails := m.failures[e.ContainerID]
	m.mu.Unlock()

	switch {
	case ok:
		m.store.SetEngineHealth(e.ContainerID, state.Healthy)
	case fails >= m.failLimit:
		if e.Health != state.Unhealthy {
			m.log.Warn().
				Str("container_id", e.ContainerID).
				Int("consecutive_failures", fails).
				Msg("Engine marked unhealthy")
		}
		m.store.SetEngineHealth(e.ContainerID, state.Unhealthy)
	default:
		// Below the limit: keep the previous status, only stamp the probe.
		m.store.SetEngineHealth(e.ContainerID, e.Health)
	}
}

func (m *Monitor) probeHTTP(ctx context.Context, e state.Engine) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, aceengine.HealthURL(e.Host, e.Port), nil)
	if err != nil {
		return false
	}
	res, err := m.hc.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

// forget drops failure counters for engines no longer in the fleet.
func (m *Monitor) forget(current []state.Engine) {
	keep := make(map[string]bool, len(current))
	for _, e := range current {
		keep[e.ContainerID] = true
	}
	m.mu.Lock()
	for id := range m.failures {
		if !keep[id] {
			delete(m.failures, id)
		}
	}
	m.mu.Unlock()
}
