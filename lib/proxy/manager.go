// Package proxy multiplexes AceStream playback sessions: one upstream
// read per content key, any number of downstream clients fed from a
// bounded chunk buffer. Admission reuses a live session, refuses
// blacklisted keys, and otherwise selects an engine and opens a new
// upstream session.
package proxy

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
	"krinkuto11/aceorch/lib/buffer"
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

// Manager owns the proxy sessions, one per content key.
type Manager struct {
	store     *state.Store
	cfg       *config.Store
	engines   *aceengine.Client
	sel       *selector.Selector
	blacklist *registry.Blacklist
	met       *metrics.Metrics
	log       zerolog.Logger

	sessions *xsync.Map[string, *Session]
	// Serialises admission per content key so concurrent first requests
	// open exactly one upstream session.
	admission *xsync.Map[string, *sync.Mutex]

	ctx context.Context
}

// NewManager builds the session manager. ctx bounds the reader goroutines
// of every session it creates.
func NewManager(ctx context.Context, store *state.Store, cfg *config.Store, engines *aceengine.Client, sel *selector.Selector, blacklist *registry.Blacklist, met *metrics.Metrics) *Manager {
	return &Manager{
		store:     store,
		cfg:       cfg,
		engines:   engines,
		sel:       sel,
		blacklist: blacklist,
		met:       met,
		sessions:  xsync.NewMap[string, *Session](),
		admission: xsync.NewMap[string, *sync.Mutex](),
		ctx:       ctx,
		log:       logger.WithComponent("proxy"),
	}
}

// Session returns the live session for a content key.
func (m *Manager) Session(contentKey string) (*Session, bool) {
	s, ok := m.sessions.Load(contentKey)
	return s, ok
}

// Sessions returns every live session.
func (m *Manager) Sessions() []*Session {
	var out []*Session
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// ClientCount sums attached clients across sessions.
func (m *Manager) ClientCount() int {
	n := 0
	for _, s := range m.Sessions() {
		n += s.ClientCount()
	}
	return n
}

func (m *Manager) keyLock(contentKey string) *sync.Mutex {
	mu, _ := m.admission.LoadOrStore(contentKey, &sync.Mutex{})
	return mu
}

// Admit returns the session for the content key, reusing a live one or
// opening a new upstream session on the best engine.
func (m *Manager) Admit(ctx context.Context, aceID aceengine.AceID, extraParams url.Values) (*Session, error) {
	contentKey := aceID.Key()
	if m.blacklist.Contains(contentKey) {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, contentKey)
	}

	mu := m.keyLock(contentKey)
	mu.Lock()
	defer mu.Unlock()

	if s, ok := m.sessions.Load(contentKey); ok && s.State() != StateStopped {
		return s, nil
	}
	return m.open(ctx, aceID, extraParams)
}

func (m *Manager) open(ctx context.Context, aceID aceengine.AceID, extraParams url.Values) (*Session, error) {
	contentKey := aceID.Key()
	engine, release, err := m.sel.Select(ctx)
	if err != nil {
		return nil, err
	}

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

	buf, err := m.newBuffer(ctx, contentKey)
	if err != nil {
		m.store.EndStream(streamID, "buffer_error")
		return nil, err
	}

	s := &Session{
		ContentKey:  contentKey,
		StreamID:    streamID,
		EngineID:    engine.ContainerID,
		playbackURL: up.PlaybackURL,
		commandURL:  up.CommandURL,
		buf:         buf,
		cfg:         m.cfg,
		engines:     m.engines,
		store:       m.store,
		met:         m.met,
		state:       StateInitializing,
		clients:     make(map[string]*client),
		notify:      make(chan struct{}),
		done:        make(chan struct{}),
		log:         m.log,
		onStop: func(stopped *Session) {
			m.sessions.Compute(stopped.ContentKey, func(cur *Session, loaded bool) (*Session, xsync.ComputeOp) {
				if loaded && cur == stopped {
					return nil, xsync.DeleteOp
				}
				return cur, xsync.CancelOp
			})
		},
	}
	m.sessions.Store(contentKey, s)
	s.start(m.ctx)

	m.log.Info().Str("content_key", contentKey).
		Str("engine_id", state.ShortID(engine.ContainerID)).
		Str("stream_id", streamID).
		Msg("Opened proxy session")
	return s, nil
}

func (m *Manager) newBuffer(ctx context.Context, contentKey string) (buffer.Buffer, error) {
	cfg := m.cfg.Current()
	if cfg.BufferBackend == config.BackendRedis {
		return buffer.NewRedis(ctx, cfg.RedisAddr, contentKey, cfg.MaxChunks, cfg.ChunkTTL)
	}
	return buffer.NewMemory(cfg.MaxChunks, cfg.ChunkTTL), nil
}

// StopSession force-stops the session for a content key.
func (m *Manager) StopSession(contentKey, reason string) bool {
	s, ok := m.sessions.Load(contentKey)
	if !ok {
		return false
	}
	s.stop(reason)
	return true
}

// sweepInterval is the fixed ghost-sweep cadence, independent of the
// heartbeat interval that only sizes the eviction deadline.
const sweepInterval = 5 * time.Second

// Run drives the ghost sweep until ctx is cancelled: clients that stopped
// consuming (and never disconnected cleanly) are evicted once silent for
// heartbeat interval times the ghost multiplier.
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
			for _, s := range m.Sessions() {
				s.sweepGhosts(deadline)
			}
		}
	}
}
