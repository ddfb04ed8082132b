package hls

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/registry"
	"krinkuto11/aceorch/lib/selector"
	"krinkuto11/aceorch/lib/state"
)

func TestParseManifest(t *testing.T) {
	body := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:42

#EXTINF:6.000,
seg42.ts
#EXTINF:5.500,
seg43.ts
#EXT-X-SOMETHING-ELSE:1
#EXTINF:6.000,
http://host/abs/seg44.ts
`
	mediaSeq, target, entries := parseManifest(body)
	assert.Equal(t, int64(42), mediaSeq)
	assert.InDelta(t, 6.0, target, 1e-9)
	require.Len(t, entries, 3)
	assert.Equal(t, "seg42.ts", entries[0].uri)
	assert.InDelta(t, 6.0, entries[0].duration, 1e-9)
	assert.InDelta(t, 5.5, entries[1].duration, 1e-9)
	assert.Equal(t, "http://host/abs/seg44.ts", entries[2].uri)
}

func TestResolveSegmentURL(t *testing.T) {
	base := "http://127.0.0.1:6878/ace/m/abc/playlist.m3u8"
	assert.Equal(t, "http://127.0.0.1:6878/ace/m/abc/seg1.ts", resolveSegmentURL(base, "seg1.ts"))
	assert.Equal(t, "http://127.0.0.1:6878/other/seg1.ts", resolveSegmentURL(base, "/other/seg1.ts"))
	assert.Equal(t, "http://cdn/seg1.ts", resolveSegmentURL(base, "http://cdn/seg1.ts"))
}

// hlsUpstream fakes the engine: middleware, command endpoint, a live
// m3u8 manifest and its segments.
type hlsUpstream struct {
	srv   *httptest.Server
	stops int

	mu       sync.Mutex
	mediaSeq int64
	segCount int
}

func newHLSUpstream(t *testing.T) *hlsUpstream {
	t.Helper()
	u := &hlsUpstream{mediaSeq: 0, segCount: 3}
	mux := http.NewServeMux()
	mux.HandleFunc("/ace/getstream", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"playback_url":        u.srv.URL + "/hls/playlist.m3u8",
				"stat_url":            u.srv.URL + "/stat",
				"command_url":         u.srv.URL + "/cmd",
				"playback_session_id": "ps-1",
				"is_live":             1,
			},
			"error": nil,
		})
	})
	mux.HandleFunc("/cmd", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("method") == "stop" {
			u.mu.Lock()
			u.stops++
			u.mu.Unlock()
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "ok", "error": nil})
	})
	mux.HandleFunc("/hls/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		seq, n := u.mediaSeq, u.segCount
		u.mu.Unlock()
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n")
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "#EXTINF:6.000,\nseg%d.ts\n", seq+int64(i))
		}
		w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/hls/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/hls/")
		seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "seg"), ".ts"), 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(fmt.Sprintf("segment-%d", seq)))
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *hlsUpstream) advance(to int64, count int) {
	u.mu.Lock()
	u.mediaSeq = to
	u.segCount = count
	u.mu.Unlock()
}

func (u *hlsUpstream) stopCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stops
}

type nopProvisioner struct{}

func (nopProvisioner) Kick() {}

type hlsFixture struct {
	m        *Manager
	store    *state.Store
	upstream *hlsUpstream
}

func newHLSFixture(t *testing.T) *hlsFixture {
	t.Helper()
	cfg := &config.Config{
		MaxStreamsPerEngine:   10,
		ProvisionWait:         300 * time.Millisecond,
		HeartbeatInterval:     time.Second,
		GhostMultiplier:       5,
		ChannelShutdownDelay:  60 * time.Millisecond,
		HLSMaxSegments:        5,
		HLSWindowSize:         3,
		HLSSegmentFetchFactor: 0.5,
	}
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	store := state.NewStore(bus)
	cfgStore := config.NewStore(cfg)
	engines := aceengine.NewClient(5 * time.Second)
	blacklist, err := registry.NewBlacklist(0, "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sel := selector.New(ctx, store, cfgStore, bus, nopProvisioner{}, nil)
	met := metrics.New()

	upstream := newHLSUpstream(t)
	parsed, err := url.Parse(upstream.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	store.UpsertEngine(state.Engine{ContainerID: "eng-1", Host: parsed.Hostname(), Port: port, Health: state.Healthy})

	return &hlsFixture{
		m:        NewManager(ctx, store, cfgStore, engines, sel, blacklist, met),
		store:    store,
		upstream: upstream,
	}
}

func testAceID(t *testing.T, key string) aceengine.AceID {
	t.Helper()
	id, err := aceengine.NewAceID(key, "")
	require.NoError(t, err)
	return id
}

func TestAdmitRefusesBlacklistedKey(t *testing.T) {
	f := newHLSFixture(t)
	f.m.blacklist.Add("badkey")

	_, err := f.m.Admit(context.Background(), testAceID(t, "badkey"), nil)
	assert.ErrorIs(t, err, ErrBlacklisted)
}

func TestAdmitReusesChannel(t *testing.T) {
	f := newHLSFixture(t)
	ctx := context.Background()

	first, err := f.m.Admit(ctx, testAceID(t, "key1"), nil)
	require.NoError(t, err)
	second, err := f.m.Admit(ctx, testAceID(t, "key1"), nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRefreshFetchesAndWindowsSegments(t *testing.T) {
	f := newHLSFixture(t)
	c, err := f.m.Admit(context.Background(), testAceID(t, "key1"), nil)
	require.NoError(t, err)

	require.NoError(t, c.refresh(context.Background()))
	for i := int64(0); i < 3; i++ {
		data, ok := c.Segment(i)
		require.True(t, ok, "segment %d", i)
		assert.Equal(t, fmt.Sprintf("segment-%d", i), string(data))
	}

	// The playlist advances past the five-segment budget; the oldest
	// segments are evicted.
	f.upstream.advance(4, 3)
	require.NoError(t, c.refresh(context.Background()))

	_, ok := c.Segment(0)
	assert.False(t, ok, "evicted beyond the segment budget")
	_, ok = c.Segment(6)
	assert.True(t, ok)
}

func TestManifestRewritesSegmentURLs(t *testing.T) {
	f := newHLSFixture(t)
	c, err := f.m.Admit(context.Background(), testAceID(t, "key1"), nil)
	require.NoError(t, err)
	require.NoError(t, c.refresh(context.Background()))

	manifest := string(c.Manifest("viewer-1"))
	assert.Contains(t, manifest, "#EXTM3U")
	assert.Contains(t, manifest, "#EXT-X-VERSION:3")
	assert.Contains(t, manifest, "#EXT-X-TARGETDURATION:6")
	assert.Contains(t, manifest, "#EXT-X-MEDIA-SEQUENCE:0")
	assert.Contains(t, manifest, "/hls/key1/segment/0.ts")
	assert.NotContains(t, manifest, "seg0.ts", "upstream URIs never leak to clients")
	assert.Equal(t, 1, c.ViewerCount(), "a manifest request is a viewer heartbeat")
}

func TestManifestWindowsToNewestSegments(t *testing.T) {
	f := newHLSFixture(t)
	c, err := f.m.Admit(context.Background(), testAceID(t, "key1"), nil)
	require.NoError(t, err)

	f.upstream.advance(0, 5)
	require.NoError(t, c.refresh(context.Background()))

	// Five segments buffered, window of three: the playlist starts at
	// sequence two.
	manifest := string(c.Manifest("viewer-1"))
	assert.Contains(t, manifest, "#EXT-X-MEDIA-SEQUENCE:2")
	assert.NotContains(t, manifest, "/hls/key1/segment/1.ts")
	assert.Contains(t, manifest, "/hls/key1/segment/4.ts")
}

func TestSweepStopsIdleChannelAfterGrace(t *testing.T) {
	f := newHLSFixture(t)
	c, err := f.m.Admit(context.Background(), testAceID(t, "key1"), nil)
	require.NoError(t, err)
	c.Manifest("viewer-1")

	// The viewer goes silent; the sweep drops it and arms the teardown.
	c.mu.Lock()
	c.viewers["viewer-1"].lastSeen = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	c.sweep(30 * time.Second)
	assert.Zero(t, c.ViewerCount())
	assert.Equal(t, 5*time.Second, sweepInterval, "sweep cadence is fixed, not derived from the heartbeat interval")

	require.Eventually(t, func() bool {
		_, live := f.m.Channel("key1")
		return !live
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.upstream.stopCount())

	st, ok := f.store.Stream(c.StreamID)
	require.True(t, ok)
	assert.Equal(t, "idle", st.EndReason)
}

func TestManifestRequestCancelsPendingTeardown(t *testing.T) {
	f := newHLSFixture(t)
	c, err := f.m.Admit(context.Background(), testAceID(t, "key1"), nil)
	require.NoError(t, err)

	c.sweep(30 * time.Second) // no viewers yet: arms the grace timer
	c.Manifest("viewer-1")    // viewer shows up inside the grace window

	time.Sleep(150 * time.Millisecond)
	_, live := f.m.Channel("key1")
	assert.True(t, live)
	assert.Zero(t, f.upstream.stopCount())
}

func TestStopChannelForceRemoves(t *testing.T) {
	f := newHLSFixture(t)
	c, err := f.m.Admit(context.Background(), testAceID(t, "key1"), nil)
	require.NoError(t, err)

	assert.True(t, f.m.StopChannel("key1", "api_delete"))
	_, live := f.m.Channel("key1")
	assert.False(t, live)

	st, _ := f.store.Stream(c.StreamID)
	assert.Equal(t, state.StreamEnded, st.Status)
}
