package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/buffer"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/state"
)

// State of a proxy session.
type State string

const (
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

const (
	backfillChunks = 3
	maxRetries     = 3
	retryStep      = 250 * time.Millisecond
	retryCap       = 3 * time.Second
)

// client is one attached downstream viewer.
type client struct {
	id       string
	pos      int64
	lastSeen time.Time
}

// Session multiplexes one upstream playback session to any number of
// clients through the chunk buffer. One reader goroutine per session.
type Session struct {
	ContentKey string
	StreamID   string
	EngineID   string

	playbackURL string
	commandURL  string

	buf     buffer.Buffer
	cfg     *config.Store
	engines *aceengine.Client
	store   *state.Store
	met     *metrics.Metrics
	onStop  func(*Session)
	log     zerolog.Logger

	mu         sync.Mutex
	state      State
	clients    map[string]*client
	notify     chan struct{}
	graceTimer *time.Timer

	done         chan struct{} // closed when the session stops
	cancelReader context.CancelFunc
	stopOnce     sync.Once
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// start launches the upstream reader.
func (s *Session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancelReader = cancel
	go s.runReader(ctx)
}

// wakeClients swaps the notify channel, releasing every waiting client.
func (s *Session) wakeClients() {
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// waitChan returns the channel a client should block on for new data.
func (s *Session) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// runReader pulls the upstream playback body into the buffer, retrying
// transport failures with a linear backoff.
func (s *Session) runReader(ctx context.Context) {
	cfg := s.cfg.Current()
	writer := newChunkWriter(s.buf, cfg.ChunkSize, s.wakeClients)

	attempt := 0
	for {
		body, err := s.engines.OpenPlayback(ctx, s.playbackURL)
		if err == nil {
			s.mu.Lock()
			if s.state == StateInitializing {
				s.state = StateStreaming
			}
			s.mu.Unlock()
			attempt = 0

			copier := &flowCopier{
				Source:       body,
				Destination:  writer,
				EmptyTimeout: cfg.EmptyTimeout,
				BufferSize:   cfg.ChunkSize,
			}
			copyErr := copier.Copy()
			body.Close()
			writer.flush()

			if ctx.Err() != nil {
				return
			}
			if errors.Is(copyErr, ErrEmptyTimeout) {
				s.log.Warn().Str("content_key", s.ContentKey).Msg("Upstream went silent")
				s.stop("empty_timeout")
				return
			}
			s.log.Debug().Err(copyErr).Int64("bytes", copier.BytesCopied()).
				Str("content_key", s.ContentKey).Msg("Upstream read ended, retrying")
		} else if ctx.Err() != nil {
			return
		}

		attempt++
		if attempt >= maxRetries {
			s.log.Error().Str("content_key", s.ContentKey).Int("attempts", attempt).
				Msg("Upstream unrecoverable, stopping session")
			s.stop("upstream_error")
			return
		}
		backoff := time.Duration(attempt) * retryStep
		if backoff > retryCap {
			backoff = retryCap
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Attach registers a client. A draining session flips back to streaming
// and its teardown timer is cancelled.
func (s *Session) Attach(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return fmt.Errorf("session for %s already stopped", s.ContentKey)
	}
	if s.state == StateDraining {
		s.state = StateStreaming
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.log.Info().Str("content_key", s.ContentKey).Msg("Client reattached, teardown cancelled")
	}
	pos := s.buf.Head() - backfillChunks
	if pos < 0 {
		pos = 0
	}
	s.clients[clientID] = &client{id: clientID, pos: pos, lastSeen: time.Now()}
	s.met.ClientsConnected.Inc()
	return nil
}

// Detach removes a client. The last one out arms the shutdown grace
// timer instead of tearing the session down immediately.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	if _, ok := s.clients[clientID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, clientID)
	s.met.ClientsConnected.Dec()
	remaining := len(s.clients)
	if remaining > 0 || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	delay := s.cfg.Current().ChannelShutdownDelay
	s.graceTimer = time.AfterFunc(delay, func() { s.teardownIfDrained() })
	s.mu.Unlock()
	s.log.Info().Str("content_key", s.ContentKey).Dur("grace", delay).
		Msg("Last client left, scheduling teardown")
}

func (s *Session) teardownIfDrained() {
	s.mu.Lock()
	drained := s.state == StateDraining && len(s.clients) == 0
	s.mu.Unlock()
	if drained {
		s.stop("idle")
	}
}

// heartbeat stamps client liveness. Delivery is the production heartbeat:
// ServeClient stamps lastSeen on every chunk written.
func (s *Session) heartbeat(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if ok {
		c.lastSeen = time.Now()
	}
	return ok
}

// sweepGhosts detaches clients silent past the deadline and returns how
// many were evicted.
func (s *Session) sweepGhosts(deadline time.Duration) int {
	s.mu.Lock()
	var ghosts []string
	cutoff := time.Now().Add(-deadline)
	for id, c := range s.clients {
		if c.lastSeen.Before(cutoff) {
			ghosts = append(ghosts, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ghosts {
		s.log.Warn().Str("content_key", s.ContentKey).Str("client_id", id).
			Msg("Evicting ghost client")
		s.Detach(id)
	}
	return len(ghosts)
}

// stop tears the session down exactly once: reader cancelled, upstream
// stopped via the command URL, stream record ended.
func (s *Session) stop(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()
		close(s.done)
		if s.cancelReader != nil {
			s.cancelReader()
		}

		if s.commandURL != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.engines.Stop(ctx, s.commandURL); err != nil {
				s.log.Debug().Err(err).Str("content_key", s.ContentKey).Msg("Upstream stop failed")
			}
			cancel()
		}
		if s.store.EndStream(s.StreamID, reason) {
			s.met.StreamEndedReasons.WithLabelValues(reason).Inc()
		}
		s.buf.Close()
		if s.onStop != nil {
			s.onStop(s)
		}
		s.log.Info().Str("content_key", s.ContentKey).Str("reason", reason).Msg("Session stopped")
	})
}

// ServeClient streams chunks to one HTTP client until it disconnects or
// the session stops and the client has drained the buffer.
func (s *Session) ServeClient(w http.ResponseWriter, r *http.Request, clientID string) {
	if err := s.Attach(clientID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.Detach(clientID)

	w.Header().Set("Content-Type", "video/mp2t")
	flusher, _ := w.(http.Flusher)
	catchUp := int64(s.cfg.Current().CatchUpThreshold)

	s.mu.Lock()
	pos := s.clients[clientID].pos
	s.mu.Unlock()

	for {
		head := s.buf.Head()

		// A client too far behind the live edge jumps forward instead of
		// replaying the backlog.
		if catchUp > 0 && head-pos >= catchUp {
			s.log.Info().Str("client_id", clientID).Int64("behind", head-pos).
				Msg("Client behind live edge, jumping forward")
			pos = head - backfillChunks
			if pos < 0 {
				pos = 0
			}
			s.met.CatchUpJumps.Inc()
		}

		if pos >= head {
			// Caught up; wait for the next chunk or the end.
			select {
			case <-r.Context().Done():
				return
			case <-s.done:
				if pos >= s.buf.Head() {
					return
				}
			case <-s.waitChan():
			}
			continue
		}

		chunk, ok := s.buf.Get(pos)
		if !ok {
			// Evicted from under us; skip forward.
			pos++
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		pos++

		s.mu.Lock()
		if c, ok := s.clients[clientID]; ok {
			c.pos = pos
			c.lastSeen = time.Now()
		}
		s.mu.Unlock()
	}
}
