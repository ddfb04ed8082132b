// Package hls relays AceStream HLS output: one channel per content key,
// the upstream manifest polled and its segments buffered, clients served
// a rewritten playlist from the orchestrator itself. Engine selection
// runs once per channel; every later viewer reuses it.
package hls

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/registry"
	"krinkuto11/aceorch/lib/selector"
	"krinkuto11/aceorch/lib/state"
)

// ErrBlacklisted is returned for content keys flagged by the loop
// detector.
var ErrBlacklisted = errors.New("content key is blacklisted")

// Manager owns the HLS channels, one per content key.
type Manager struct {
	store     *state.Store
	cfg       *config.Store
	engines   *aceengine.Client
	sel       *selector.Selector
	blacklist *registry.Blacklist
	met       *metrics.Metrics
	log       zerolog.Logger

	channels  *xsync.Map[string, *Channel]
	admission *xsync.Map[string, *sync.Mutex]

	ctx context.Context
}

// NewManager builds the channel manager. ctx bounds every channel's
// fetcher goroutine.
func NewManager(ctx context.Context, store *state.Store, cfg *config.Store, engines *aceengine.Client, sel *selector.Selector, blacklist *registry.Blacklist, met *metrics.Metrics) *Manager {
	return &Manager{
		store:     store,
		cfg:       cfg,
		engines:   engines,
		sel:       sel,
		blacklist: blacklist,
		met:       met,
		channels:  xsync.NewMap[string, *Channel](),
		admission: xsync.NewMap[string, *sync.Mutex](),
		ctx:       ctx,
		log:       logger.WithComponent("hls"),
	}
}

// Channel returns the live channel for a content key.
func (m *Manager) Channel(contentKey string) (*Channel, bool) {
	return m.channels.Load(contentKey)
}

// Channels returns every live channel.
func (m *Manager) Channels() []*Channel {
	var out []*Channel
	m.channels.Range(func(_ string, c *Channel) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ViewerCount sums viewers across channels.
func (m *Manager) ViewerCount() int {
	n := 0
	for _, c := range m.Channels() {
		n += c.ViewerCount()
	}
	return n
}

func (m *Manager) keyLock(contentKey string) *sync.Mutex {
	mu, _ := m.admission.LoadOrStore(contentKey, &sync.Mutex{})
	return mu
}

// Admit returns the channel for a content key. An existing channel is
// reused before any engine selection happens; only the first viewer pays
// the selection and upstream-open cost.
func (m *Manager) Admit(ctx context.Context, aceID aceengine.AceID, extraParams url.Values) (*Channel, error) {
	contentKey := aceID.Key()
	if m.blacklist.Contains(contentKey) {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, contentKey)
	}

	mu := m.keyLock(contentKey)
	mu.Lock()
	defer mu.Unlock()

	if c, ok := m.channels.Load(contentKey); ok {
		return c, nil
	}
	return m.open(ctx, aceID, extraParams)
}

func (m *Manager) open(ctx context.Context, aceID aceengine.AceID, extraParams url.Values) (*Channel, error) {
	contentKey := aceID.Key()
	engine, release, err := m.sel.Select(ctx)
	if err != nil {
		return nil, err
	}

	if extraParams == nil {
		extraParams = url.Values{}
	}
	// The middleware hands back an HLS manifest as the playback URL in
	// this output format.
	extraParams.Set("output_format", "hls")
	up, err := m.engines.Open(ctx, engine.Host, engine.Port, aceID, extraParams)
	release()
	if err != nil {
		return nil, fmt.Errorf("open upstream for %s: %w", contentKey, err)
	}

	streamID := uuid.NewString()
	m.store.UpsertStream(state.Stream{
		ID:                streamID,
		ContentKey:        contentKey,
		EngineID:          engine.ContainerID,
		Status:            state.StreamStarted,
		PlaybackSessionID: up.PlaybackSessionID,
		StatURL:           up.StatURL,
		CommandURL:        up.CommandURL,
	})

	c := &Channel{
		ContentKey:  contentKey,
		StreamID:    streamID,
		EngineID:    engine.ContainerID,
		playbackURL: up.PlaybackURL,
		commandURL:  up.CommandURL,
		cfg:         m.cfg,
		engines:     m.engines,
		store:       m.store,
		met:         m.met,
		segments:    make(map[int64]*segment),
		viewers:     make(map[string]*viewer),
		log:         m.log,
		onStop: func(stopped *Channel) {
			m.channels.Compute(stopped.ContentKey, func(cur *Channel, loaded bool) (*Channel, xsync.ComputeOp) {
				if loaded && cur == stopped {
					return nil, xsync.DeleteOp
				}
				return cur, xsync.CancelOp
			})
		},
	}
	m.channels.Store(contentKey, c)
	c.start(m.ctx)

	m.log.Info().Str("content_key", contentKey).
		Str("engine_id", state.ShortID(engine.ContainerID)).
		Str("stream_id", streamID).
		Msg("Opened HLS channel")
	return c, nil
}

// StopChannel force-stops the channel for a content key.
func (m *Manager) StopChannel(contentKey, reason string) bool {
	c, ok := m.channels.Load(contentKey)
	if !ok {
		return false
	}
	c.stop(reason)
	return true
}

// sweepInterval is the fixed viewer-sweep cadence, independent of the
// heartbeat interval that only sizes the eviction deadline.
const sweepInterval = 5 * time.Second

// Run drives the viewer sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := m.cfg.Current()
			deadline := cfg.HeartbeatInterval * time.Duration(cfg.GhostMultiplier)
			for _, c := range m.Channels() {
				c.sweep(deadline)
			}
		}
	}
}
