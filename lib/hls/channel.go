package hls

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/state"
)

const defaultSegmentDuration = 6 * time.Second

type segment struct {
	seq      int64
	duration float64
	data     []byte
}

type viewer struct {
	lastSeen time.Time
}

// Channel is one HLS relay: a fetch loop polling the engine's manifest,
// a bounded segment window, and a rewritten playlist pointing clients at
// the orchestrator's own segment endpoint.
type Channel struct {
	ContentKey string
	StreamID   string
	EngineID   string

	playbackURL string
	commandURL  string

	cfg     *config.Store
	engines *aceengine.Client
	store   *state.Store
	met     *metrics.Metrics
	onStop  func(*Channel)
	log     zerolog.Logger

	mu             sync.Mutex
	segments       map[int64]*segment
	order          []int64
	targetDuration float64
	viewers        map[string]*viewer
	graceTimer     *time.Timer
	stopped        bool

	cancelFetcher context.CancelFunc
	stopOnce      sync.Once
}

// start launches the segment fetcher.
func (c *Channel) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancelFetcher = cancel
	go c.runFetcher(ctx)
}

// runFetcher polls the upstream manifest at a fraction of the segment
// duration and pulls every segment it has not seen yet.
func (c *Channel) runFetcher(ctx context.Context) {
	for {
		interval := c.pollInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := c.refresh(ctx); err != nil {
			c.log.Debug().Err(err).Str("content_key", c.ContentKey).Msg("Manifest refresh failed")
		}
	}
}

func (c *Channel) pollInterval() time.Duration {
	cfg := c.cfg.Current()
	c.mu.Lock()
	target := c.targetDuration
	c.mu.Unlock()
	if target <= 0 {
		target = defaultSegmentDuration.Seconds()
	}
	interval := time.Duration(target * cfg.HLSSegmentFetchFactor * float64(time.Second))
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	return interval
}

// refresh fetches the upstream manifest once and downloads new segments.
func (c *Channel) refresh(ctx context.Context) error {
	raw, err := c.engines.FetchManifest(ctx, c.playbackURL)
	if err != nil {
		return err
	}
	mediaSeq, target, entries := parseManifest(string(raw))

	c.mu.Lock()
	if target > 0 {
		c.targetDuration = target
	}
	c.mu.Unlock()

	for i, entry := range entries {
		seq := mediaSeq + int64(i)
		c.mu.Lock()
		_, have := c.segments[seq]
		c.mu.Unlock()
		if have {
			continue
		}
		segURL := resolveSegmentURL(c.playbackURL, entry.uri)
		data, err := c.engines.FetchSegment(ctx, segURL)
		if err != nil {
			c.log.Debug().Err(err).Int64("seq", seq).Msg("Segment fetch failed")
			continue
		}
		c.met.HLSSegmentFetches.Inc()
		c.addSegment(&segment{seq: seq, duration: entry.duration, data: data})
	}
	return nil
}

func (c *Channel) addSegment(s *segment) {
	max := c.cfg.Current().HLSMaxSegments
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.segments[s.seq]; ok {
		return
	}
	c.segments[s.seq] = s
	c.order = append(c.order, s.seq)
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	for len(c.order) > max {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.segments, evict)
	}
}

// Manifest renders the client-facing playlist: the newest window of
// segments, rewritten to the orchestrator's segment endpoint. Requesting
// the manifest counts as a viewer heartbeat.
func (c *Channel) Manifest(viewerID string) []byte {
	cfg := c.cfg.Current()
	c.touch(viewerID)

	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.order
	if len(window) > cfg.HLSWindowSize {
		window = window[len(window)-cfg.HLSWindowSize:]
	}
	target := c.targetDuration
	if target <= 0 {
		target = defaultSegmentDuration.Seconds()
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(target+0.5))
	if len(window) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", window[0])
	}
	for _, seq := range window {
		seg := c.segments[seq]
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.duration)
		fmt.Fprintf(&b, "/hls/%s/segment/%d.ts\n", url.PathEscape(c.ContentKey), seq)
	}
	return []byte(b.String())
}

// Segment returns a buffered segment, or false when it was evicted or
// never fetched.
func (c *Channel) Segment(seq int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg, ok := c.segments[seq]
	if !ok {
		return nil, false
	}
	return seg.data, true
}

// touch registers viewer liveness and cancels a pending teardown.
func (c *Channel) touch(viewerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	v, ok := c.viewers[viewerID]
	if !ok {
		v = &viewer{}
		c.viewers[viewerID] = v
	}
	v.lastSeen = time.Now()
}

// ViewerCount returns the number of live viewers.
func (c *Channel) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

// sweep drops viewers silent past the deadline; when the last one goes
// the teardown grace timer is armed.
func (c *Channel) sweep(deadline time.Duration) {
	c.mu.Lock()
	cutoff := time.Now().Add(-deadline)
	for id, v := range c.viewers {
		if v.lastSeen.Before(cutoff) {
			delete(c.viewers, id)
		}
	}
	empty := len(c.viewers) == 0 && !c.stopped && c.graceTimer == nil
	if empty {
		delay := c.cfg.Current().ChannelShutdownDelay
		c.graceTimer = time.AfterFunc(delay, func() { c.teardownIfIdle() })
	}
	c.mu.Unlock()
}

func (c *Channel) teardownIfIdle() {
	c.mu.Lock()
	idle := len(c.viewers) == 0 && !c.stopped
	c.mu.Unlock()
	if idle {
		c.stop("idle")
	}
}

// stop tears the channel down exactly once.
func (c *Channel) stop(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.mu.Unlock()
		if c.cancelFetcher != nil {
			c.cancelFetcher()
		}
		if c.commandURL != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.engines.Stop(ctx, c.commandURL); err != nil {
				c.log.Debug().Err(err).Str("content_key", c.ContentKey).Msg("Upstream stop failed")
			}
			cancel()
		}
		if c.store.EndStream(c.StreamID, reason) {
			c.met.StreamEndedReasons.WithLabelValues(reason).Inc()
		}
		if c.onStop != nil {
			c.onStop(c)
		}
		c.log.Info().Str("content_key", c.ContentKey).Str("reason", reason).Msg("HLS channel stopped")
	})
}

// ---- manifest parsing ----

type manifestEntry struct {
	duration float64
	uri      string
}

// parseManifest extracts the media sequence, target duration and segment
// entries from an m3u8 playlist.
func parseManifest(body string) (mediaSeq int64, targetDuration float64, entries []manifestEntry) {
	var pendingDuration float64
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			mediaSeq, _ = strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			targetDuration, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
		case strings.HasPrefix(line, "#EXTINF:"):
			spec := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.IndexByte(spec, ','); idx >= 0 {
				spec = spec[:idx]
			}
			pendingDuration, _ = strconv.ParseFloat(spec, 64)
		case strings.HasPrefix(line, "#"):
			continue
		default:
			entries = append(entries, manifestEntry{duration: pendingDuration, uri: line})
			pendingDuration = 0
		}
	}
	return mediaSeq, targetDuration, entries
}

// resolveSegmentURL resolves a possibly relative segment URI against the
// manifest URL.
func resolveSegmentURL(manifestURL, uri string) string {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return base.ResolveReference(ref).String()
}
