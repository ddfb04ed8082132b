// Package registry runs the stream bookkeeping loops: the stats collector
// polling each started stream's stat URL, the stale-stream detector, the
// loop detector feeding the blacklist, and the ended-stream cleanup.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/state"
)

const cleanupInterval = 5 * time.Minute

// Registry owns the collector and detector loops.
type Registry struct {
	store     *state.Store
	engines   *aceengine.Client
	cfg       *config.Store
	blacklist *Blacklist
	log       zerolog.Logger

	mu       sync.Mutex
	progress map[string]progressMark
}

type progressMark struct {
	downloaded int64
	changedAt  time.Time
}

// New builds a registry.
func New(store *state.Store, engines *aceengine.Client, cfg *config.Store, blacklist *Blacklist) *Registry {
	return &Registry{
		store:     store,
		engines:   engines,
		cfg:       cfg,
		blacklist: blacklist,
		progress:  make(map[string]progressMark),
		log:       logger.WithComponent("registry"),
	}
}

// Blacklist exposes the loop blacklist for admission and management.
func (r *Registry) Blacklist() *Blacklist { return r.blacklist }

// Run drives all loops until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	cfg := r.cfg.Current()
	collect := time.NewTicker(cfg.CollectInterval)
	detect := time.NewTicker(cfg.LoopCheckInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer collect.Stop()
	defer detect.Stop()
	defer cleanup.Stop()

	r.log.Info().
		Dur("collect_interval", cfg.CollectInterval).
		Dur("detect_interval", cfg.LoopCheckInterval).
		Msg("Stream registry started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-collect.C:
			r.Collect(ctx)
		case <-detect.C:
			r.DetectStale(ctx)
			r.DetectLoops(ctx)
			r.blacklist.Prune()
		case <-cleanup.C:
			r.pruneProgress()
			if removed := r.store.CleanupEnded(r.cfg.Current().EndedRetention); removed > 0 {
				r.log.Info().Int("removed", removed).Msg("Cleaned up ended streams")
			}
		}
	}
}

// Collect polls every started stream's stat URL once.
func (r *Registry) Collect(ctx context.Context) {
	for _, st := range r.store.Streams(state.StreamStarted) {
		r.collectOne(ctx, st)
	}
}

func (r *Registry) collectOne(ctx context.Context, st state.Stream) {
	if st.StatURL == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stats, err := r.engines.Stats(cctx, st.StatURL)
	if err != nil {
		r.log.Debug().Err(err).Str("stream_id", st.ID).Msg("Stat poll failed")
		return
	}

	// The engine reports "stopped" (or a rotated session id) when the
	// session died out from under us.
	if stats.Status == "stopped" ||
		(stats.PlaybackSessionID != "" && st.PlaybackSessionID != "" && stats.PlaybackSessionID != st.PlaybackSessionID) {
		if r.store.EndStream(st.ID, "stat_stopped") {
			r.log.Info().Str("stream_id", st.ID).Str("content_key", st.ContentKey).
				Msg("Stream ended by engine")
		}
		r.forget(st.ID)
		return
	}

	var liveLast *time.Time
	if stats.LiveLast > 0 {
		t := time.Unix(int64(stats.LiveLast), 0)
		liveLast = &t
	}
	r.store.UpdateStreamStats(st.ID, state.StreamStats{
		SpeedDown:  stats.SpeedDown,
		SpeedUp:    stats.SpeedUp,
		Peers:      stats.Peers,
		Downloaded: stats.Downloaded,
		Uploaded:   stats.Uploaded,
	}, liveLast)

	// Track data movement for the stale detector and the engine record.
	now := time.Now()
	r.mu.Lock()
	mark, ok := r.progress[st.ID]
	if !ok || stats.Downloaded > mark.downloaded {
		r.progress[st.ID] = progressMark{downloaded: stats.Downloaded, changedAt: now}
		r.mu.Unlock()
		r.store.TouchEngineData(st.EngineID, now)
		return
	}
	r.mu.Unlock()
}

// DetectStale ends streams with no data movement for STREAM_TIMEOUT_S.
func (r *Registry) DetectStale(ctx context.Context) {
	timeout := r.cfg.Current().StreamTimeout
	if timeout <= 0 {
		return
	}
	now := time.Now()
	for _, st := range r.store.Streams(state.StreamStarted) {
		r.mu.Lock()
		mark, ok := r.progress[st.ID]
		r.mu.Unlock()
		if !ok {
			// Never collected; measure from the stream start.
			mark = progressMark{changedAt: st.StartedAt}
		}
		if now.Sub(mark.changedAt) < timeout {
			continue
		}
		r.log.Warn().Str("stream_id", st.ID).Str("content_key", st.ContentKey).
			Dur("stalled_for", now.Sub(mark.changedAt)).
			Msg("Terminating stale stream")
		r.stopUpstream(ctx, st)
		r.store.EndStream(st.ID, "stale")
		r.forget(st.ID)
	}
}

// DetectLoops ends streams whose broadcast position stopped advancing past
// STREAM_LOOP_THRESHOLD_S and blacklists their content key.
func (r *Registry) DetectLoops(ctx context.Context) {
	threshold := r.cfg.Current().LoopThreshold
	if threshold <= 0 {
		return
	}
	now := time.Now()
	for _, st := range r.store.Streams(state.StreamStarted) {
		if st.LiveLast == nil || now.Sub(*st.LiveLast) <= threshold {
			continue
		}
		r.log.Warn().Str("stream_id", st.ID).Str("content_key", st.ContentKey).
			Time("live_last", *st.LiveLast).
			Msg("Loop detected, blacklisting content key")
		r.stopUpstream(ctx, st)
		r.store.EndStream(st.ID, "loop_detected")
		r.blacklist.Add(st.ContentKey)
		r.forget(st.ID)
	}
}

func (r *Registry) stopUpstream(ctx context.Context, st state.Stream) {
	if st.CommandURL == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.engines.Stop(sctx, st.CommandURL); err != nil {
		r.log.Debug().Err(err).Str("stream_id", st.ID).Msg("Upstream stop failed")
	}
}

func (r *Registry) forget(streamID string) {
	r.mu.Lock()
	delete(r.progress, streamID)
	r.mu.Unlock()
}

// pruneProgress drops marks for streams that ended outside the registry's
// own loops (idle teardown, engine stop, API delete), so the map does not
// grow without bound.
func (r *Registry) pruneProgress() {
	started := make(map[string]bool)
	for _, st := range r.store.Streams(state.StreamStarted) {
		started[st.ID] = true
	}
	r.mu.Lock()
	for id := range r.progress {
		if !started[id] {
			delete(r.progress, id)
		}
	}
	r.mu.Unlock()
}
