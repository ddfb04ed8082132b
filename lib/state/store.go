package state

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/logger"
)

// Store owns the engine and stream records. A reader-writer lock per
// entity class; multi-step reads copy a consistent snapshot under the read
// lock. Events are published after the lock is released so subscribers can
// re-enter the store.
type Store struct {
	engMu   sync.RWMutex
	engines map[string]*Engine

	strMu   sync.RWMutex
	streams map[string]*Stream

	metaMu         sync.Mutex
	lookaheadLayer int // -1 when unset

	bus   *events.Bus
	dirty chan struct{}
	log   zerolog.Logger
}

// NewStore builds an empty store publishing on bus.
func NewStore(bus *events.Bus) *Store {
	return &Store{
		engines:        make(map[string]*Engine),
		streams:        make(map[string]*Stream),
		lookaheadLayer: -1,
		bus:            bus,
		dirty:          make(chan struct{}, 1),
		log:            logger.WithComponent("state"),
	}
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) publish(evs ...events.Event) {
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
	s.markDirty()
}

// ---- Engines ----

// Engines returns a copy of every engine, ordered by creation time.
func (s *Store) Engines() []Engine {
	s.engMu.RLock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, *e)
	}
	s.engMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Engine returns one engine by container id.
func (s *Store) Engine(id string) (Engine, bool) {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	e, ok := s.engines[id]
	if !ok {
		return Engine{}, false
	}
	return *e, true
}

// EngineCount returns the fleet size.
func (s *Store) EngineCount() int {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	return len(s.engines)
}

// UpsertEngine inserts or replaces an engine record.
func (s *Store) UpsertEngine(e Engine) {
	if e.Health == "" {
		e.Health = Unknown
	}
	s.engMu.Lock()
	_, existed := s.engines[e.ContainerID]
	s.engines[e.ContainerID] = &e
	s.engMu.Unlock()

	if !existed {
		s.publish(events.Event{Type: events.EngineAdded, EngineID: e.ContainerID, VPN: e.VPNBinding})
	} else {
		s.markDirty()
	}
}

// RemoveEngine deletes an engine record. Returns the removed engine.
func (s *Store) RemoveEngine(id string) (Engine, bool) {
	s.engMu.Lock()
	e, ok := s.engines[id]
	var removed Engine
	if ok {
		removed = *e
		delete(s.engines, id)
	}
	s.engMu.Unlock()
	if !ok {
		return Engine{}, false
	}
	s.publish(events.Event{Type: events.EngineRemoved, EngineID: id, VPN: removed.VPNBinding})
	return removed, true
}

// SetEngineHealth records a probe result. An event fires only on a
// transition.
func (s *Store) SetEngineHealth(id string, health HealthStatus) {
	s.engMu.Lock()
	e, ok := s.engines[id]
	var changed bool
	var vpn string
	if ok {
		vpn = e.VPNBinding
		changed = e.Health != health
		e.Health = health
		e.LastProbeAt = time.Now()
		if changed {
			if health == Unhealthy {
				e.UnhealthySince = time.Now()
			} else {
				e.UnhealthySince = time.Time{}
			}
		}
	}
	s.engMu.Unlock()
	if !ok || !changed {
		return
	}
	typ := events.EngineHealthy
	if health == Unhealthy {
		typ = events.EngineUnhealthy
	}
	s.publish(events.Event{Type: typ, EngineID: id, VPN: vpn})
}

// TouchEngineData records data movement observed for an engine.
func (s *Store) TouchEngineData(id string, at time.Time) {
	s.engMu.Lock()
	if e, ok := s.engines[id]; ok && at.After(e.LastDataAt) {
		e.LastDataAt = at
	}
	s.engMu.Unlock()
}

// SetForwarded designates an engine as the forwarded one for its VPN and
// assigns the P2P port. Any previous holder for the same VPN is demoted
// (invariant: at most one forwarded engine per VPN).
func (s *Store) SetForwarded(id string, p2pPort int) bool {
	s.engMu.Lock()
	target, ok := s.engines[id]
	if ok {
		for _, e := range s.engines {
			if e.ContainerID != id && e.VPNBinding == target.VPNBinding && e.Forwarded {
				e.Forwarded = false
				e.P2PPort = 0
			}
		}
		target.Forwarded = true
		target.P2PPort = p2pPort
		if target.Labels == nil {
			target.Labels = map[string]string{}
		}
		target.Labels["acestream.forwarded"] = "true"
	}
	s.engMu.Unlock()
	if ok {
		s.markDirty()
	}
	return ok
}

// HasForwardedEngine reports whether the VPN currently has a forwarded
// engine. Empty binding matches any.
func (s *Store) HasForwardedEngine(vpn string) bool {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	for _, e := range s.engines {
		if e.Forwarded && (vpn == "" || e.VPNBinding == vpn) {
			return true
		}
	}
	return false
}

// ForwardedEngine returns the forwarded engine for the VPN, if any.
func (s *Store) ForwardedEngine(vpn string) (Engine, bool) {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	for _, e := range s.engines {
		if e.Forwarded && (vpn == "" || e.VPNBinding == vpn) {
			return *e, true
		}
	}
	return Engine{}, false
}

// CountByBinding returns engines per VPN binding.
func (s *Store) CountByBinding() map[string]int {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	out := make(map[string]int)
	for _, e := range s.engines {
		out[e.VPNBinding]++
	}
	return out
}

// ---- Streams ----

// UpsertStream inserts a stream record; status=started visibility is
// linearizable with respect to the stream_started event (record first).
func (s *Store) UpsertStream(st Stream) {
	if st.Status == "" {
		st.Status = StreamStarted
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now()
	}
	s.strMu.Lock()
	_, existed := s.streams[st.ID]
	s.streams[st.ID] = &st
	s.strMu.Unlock()
	if !existed && st.Status == StreamStarted {
		s.publish(events.Event{
			Type:       events.StreamStarted,
			StreamID:   st.ID,
			ContentKey: st.ContentKey,
			EngineID:   st.EngineID,
		})
	} else {
		s.markDirty()
	}
}

// EndStream transitions a stream to ended exactly once. The second and
// later calls are no-ops, so stream_ended fires exactly once per stream.
func (s *Store) EndStream(id, reason string) bool {
	now := time.Now()
	s.strMu.Lock()
	st, ok := s.streams[id]
	var ended bool
	var contentKey, engineID string
	if ok && st.Status == StreamStarted {
		st.Status = StreamEnded
		st.EndedAt = &now
		st.EndReason = reason
		contentKey, engineID = st.ContentKey, st.EngineID
		ended = true
	}
	s.strMu.Unlock()
	if !ended {
		return false
	}
	s.publish(events.Event{
		Type:       events.StreamEnded,
		StreamID:   id,
		ContentKey: contentKey,
		EngineID:   engineID,
		Reason:     reason,
	})
	return true
}

// Stream returns one stream by id.
func (s *Store) Stream(id string) (Stream, bool) {
	s.strMu.RLock()
	defer s.strMu.RUnlock()
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, false
	}
	return *st, true
}

// Streams returns a copy of streams filtered by status ("" for all).
func (s *Store) Streams(status StreamStatus) []Stream {
	s.strMu.RLock()
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		if status == "" || st.Status == status {
			out = append(out, *st)
		}
	}
	s.strMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StartedStreamByKey returns the started stream for a content key, if any.
func (s *Store) StartedStreamByKey(contentKey string) (Stream, bool) {
	s.strMu.RLock()
	defer s.strMu.RUnlock()
	for _, st := range s.streams {
		if st.ContentKey == contentKey && st.Status == StreamStarted {
			return *st, true
		}
	}
	return Stream{}, false
}

// UpdateStreamStats applies a collector snapshot.
func (s *Store) UpdateStreamStats(id string, stats StreamStats, liveLast *time.Time) {
	s.strMu.Lock()
	if st, ok := s.streams[id]; ok {
		st.Stats = stats
		if liveLast != nil {
			st.LiveLast = liveLast
		}
	}
	s.strMu.Unlock()
}

// EngineLoad counts started streams on one engine.
func (s *Store) EngineLoad(engineID string) int {
	s.strMu.RLock()
	defer s.strMu.RUnlock()
	n := 0
	for _, st := range s.streams {
		if st.EngineID == engineID && st.Status == StreamStarted {
			n++
		}
	}
	return n
}

// Loads returns started-stream counts keyed by engine id, with an explicit
// zero for every engine in the fleet.
func (s *Store) Loads() map[string]int {
	loads := make(map[string]int)
	s.engMu.RLock()
	for id := range s.engines {
		loads[id] = 0
	}
	s.engMu.RUnlock()
	s.strMu.RLock()
	for _, st := range s.streams {
		if st.Status == StreamStarted {
			loads[st.EngineID]++
		}
	}
	s.strMu.RUnlock()
	return loads
}

// FreeCount counts engines with zero started streams. Unhealthy engines
// provide no usable capacity and never count as free.
func (s *Store) FreeCount() int {
	loads := s.Loads()
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	free := 0
	for id, e := range s.engines {
		if e.Health != Unhealthy && loads[id] == 0 {
			free++
		}
	}
	return free
}

// CapacityUsed is the number of distinct engines with at least one started
// stream, never the stream count.
func (s *Store) CapacityUsed() int {
	used := 0
	for _, load := range s.Loads() {
		if load > 0 {
			used++
		}
	}
	return used
}

// CleanupEnded drops ended streams older than the retention window and
// returns how many were removed.
func (s *Store) CleanupEnded(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.strMu.Lock()
	removed := 0
	for id, st := range s.streams {
		if st.Status == StreamEnded && st.EndedAt != nil && st.EndedAt.Before(cutoff) {
			delete(s.streams, id)
			removed++
		}
	}
	s.strMu.Unlock()
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

// ---- Lookahead layer ----

// SetLookaheadLayer records the fleet-wide minimum load at the moment a
// lookahead provision fired. -1 clears it.
func (s *Store) SetLookaheadLayer(layer int) {
	s.metaMu.Lock()
	s.lookaheadLayer = layer
	s.metaMu.Unlock()
	s.markDirty()
}

// LookaheadLayer returns the recorded layer and whether one is armed.
func (s *Store) LookaheadLayer() (int, bool) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.lookaheadLayer, s.lookaheadLayer >= 0
}
