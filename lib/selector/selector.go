// Package selector picks the engine a new stream lands on. Candidates are
// scored so lightly loaded engines win, the forwarded engine wins ties,
// and unhealthy engines never serve. The scored ordering is cached
// briefly and dropped on any engine event.
package selector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/state"
	"krinkuto11/aceorch/lib/vpn"
)

// ErrNoCapacity is returned when no engine can take a stream and
// provisioning did not yield one within the wait budget.
var ErrNoCapacity = errors.New("no engine capacity available")

const (
	cacheTTL     = 2 * time.Second
	capacityPoll = 250 * time.Millisecond

	loadPenalty      = 10
	forwardedBonus   = 1000
	unhealthyPenalty = 1000
)

// Provisioner requests fleet growth; satisfied by the autoscaler.
type Provisioner interface {
	Kick()
}

// Gate reports whether upstream traffic can flow at all; satisfied by the
// VPN coordinator (AnyUp is true when no VPN is configured). A nil gate
// never blocks.
type Gate interface {
	AnyUp() bool
}

// Selector ranks engines for admission.
type Selector struct {
	store *state.Store
	cfg   *config.Store
	prov  Provisioner
	gate  Gate
	log   zerolog.Logger

	// In-flight session opens per engine; counted toward the engine's
	// load so concurrent admissions cannot overshoot the cap.
	inflight *xsync.Map[string, int]

	mu       sync.Mutex
	ranked   []string
	rankedAt time.Time
}

// New builds a selector and starts the cache invalidation listener.
func New(ctx context.Context, store *state.Store, cfg *config.Store, bus *events.Bus, prov Provisioner, gate Gate) *Selector {
	s := &Selector{
		store:    store,
		cfg:      cfg,
		prov:     prov,
		gate:     gate,
		inflight: xsync.NewMap[string, int](),
		log:      logger.WithComponent("selector"),
	}
	ch, cancel := bus.Subscribe(ctx)
	go func() {
		defer cancel()
		for ev := range ch {
			switch ev.Type {
			case events.EngineAdded, events.EngineRemoved, events.EngineHealthy, events.EngineUnhealthy:
				s.invalidate()
			}
		}
	}()
	return s
}

func (s *Selector) invalidate() {
	s.mu.Lock()
	s.rankedAt = time.Time{}
	s.mu.Unlock()
}

// Score is the selection score for one engine. Higher wins.
func Score(load int, forwarded bool, health state.HealthStatus) int {
	score := -loadPenalty * load
	if forwarded {
		score += forwardedBonus
	}
	if health == state.Unhealthy {
		score -= unhealthyPenalty
	}
	return score
}

// ranking returns engine ids ordered best-first, recomputing when the
// cache expired.
func (s *Selector) ranking() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.rankedAt) < cacheTTL && s.ranked != nil {
		return s.ranked
	}

	engines := s.store.Engines()
	loads := s.store.Loads()
	type scored struct {
		id      string
		score   int
		created time.Time
	}
	list := make([]scored, 0, len(engines))
	for _, e := range engines {
		if e.Health == state.Unhealthy {
			continue
		}
		list = append(list, scored{
			id:      e.ContainerID,
			score:   Score(loads[e.ContainerID], e.Forwarded, e.Health),
			created: e.CreatedAt,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].created.Before(list[j].created)
	})

	s.ranked = make([]string, len(list))
	for i, c := range list {
		s.ranked[i] = c.id
	}
	s.rankedAt = time.Now()
	return s.ranked
}

// tryPick returns the best engine with spare capacity, reserving one
// in-flight slot on it. The release func must be called once the session
// open settles (success or failure).
func (s *Selector) tryPick() (state.Engine, func(), bool) {
	max := s.cfg.Current().MaxStreamsPerEngine
	for _, id := range s.ranking() {
		e, ok := s.store.Engine(id)
		if !ok || e.Health == state.Unhealthy {
			continue
		}
		reserved := false
		s.inflight.Compute(id, func(n int, _ bool) (int, xsync.ComputeOp) {
			if s.store.EngineLoad(id)+n >= max {
				return n, xsync.CancelOp
			}
			reserved = true
			return n + 1, xsync.UpdateOp
		})
		if !reserved {
			continue
		}
		release := func() {
			s.inflight.Compute(id, func(n int, _ bool) (int, xsync.ComputeOp) {
				if n <= 1 {
					return 0, xsync.DeleteOp
				}
				return n - 1, xsync.UpdateOp
			})
		}
		return e, release, true
	}
	return state.Engine{}, nil, false
}

// Select returns the engine for a new stream, provisioning on demand when
// the fleet is full. Blocks up to PROVISION_WAIT_S for new capacity; the
// returned release func must be called after the session open settles.
func (s *Selector) Select(ctx context.Context) (state.Engine, func(), error) {
	if s.gate != nil && !s.gate.AnyUp() {
		// Engines route through the VPN; with every VPN down no engine
		// can carry the stream, so waiting for capacity is pointless.
		return state.Engine{}, nil, vpn.ErrUnavailable
	}
	if e, release, ok := s.tryPick(); ok {
		return e, release, nil
	}

	s.log.Info().Msg("No engine capacity, requesting provision")
	s.prov.Kick()

	wait := s.cfg.Current().ProvisionWait
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(capacityPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return state.Engine{}, nil, ctx.Err()
		case <-deadline.C:
			s.log.Warn().Dur("waited", wait).Msg("Provisioning did not yield capacity")
			return state.Engine{}, nil, ErrNoCapacity
		case <-poll.C:
			if s.gate != nil && !s.gate.AnyUp() {
				return state.Engine{}, nil, vpn.ErrUnavailable
			}
			s.invalidate()
			if e, release, ok := s.tryPick(); ok {
				return e, release, nil
			}
		}
	}
}
