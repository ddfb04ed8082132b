package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/state"
)

// fakeEngine serves the stat and command endpoints of one AceStream
// engine session.
type fakeEngine struct {
	stat    atomic.Pointer[aceengine.StatResponse]
	stopped atomic.Bool
	srv     *httptest.Server
}

func newFakeEngine(t *testing.T, stat aceengine.StatResponse) *fakeEngine {
	t.Helper()
	f := &fakeEngine{}
	f.stat.Store(&stat)
	mux := http.NewServeMux()
	mux.HandleFunc("/ace/stat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": f.stat.Load(), "error": nil})
	})
	mux.HandleFunc("/ace/cmd", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("method") == "stop" {
			f.stopped.Store(true)
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "ok", "error": nil})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestRegistry(t *testing.T) (*Registry, *state.Store) {
	t.Helper()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	store := state.NewStore(bus)
	cfg := config.NewStore(&config.Config{
		CollectInterval:   2 * time.Second,
		LoopCheckInterval: 10 * time.Second,
		LoopThreshold:     time.Hour,
		StreamTimeout:     120 * time.Second,
		EndedRetention:    time.Hour,
	})
	blacklist, err := NewBlacklist(0, "")
	require.NoError(t, err)
	return New(store, aceengine.NewClient(5*time.Second), cfg, blacklist), store
}

func TestCollectUpdatesStreamStats(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{
		Status:     "dl",
		SpeedDown:  4200,
		Peers:      12,
		Downloaded: 1 << 20,
		LiveLast:   float64(time.Now().Unix()),
	})
	reg, store := newTestRegistry(t)

	store.UpsertEngine(state.Engine{ContainerID: "e1"})
	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "key1", EngineID: "e1",
		StatURL: engine.srv.URL + "/ace/stat",
	})

	reg.Collect(context.Background())

	st, ok := store.Stream("s1")
	require.True(t, ok)
	assert.Equal(t, state.StreamStarted, st.Status)
	assert.Equal(t, 4200, st.Stats.SpeedDown)
	assert.Equal(t, 12, st.Stats.Peers)
	require.NotNil(t, st.LiveLast)

	e, _ := store.Engine("e1")
	assert.False(t, e.LastDataAt.IsZero(), "data movement touches the engine record")
}

func TestCollectEndsStoppedUpstream(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{Status: "stopped"})
	reg, store := newTestRegistry(t)

	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "key1", EngineID: "e1",
		StatURL: engine.srv.URL + "/ace/stat",
	})
	reg.Collect(context.Background())

	st, _ := store.Stream("s1")
	assert.Equal(t, state.StreamEnded, st.Status)
}

func TestCollectEndsRotatedSession(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{Status: "dl", PlaybackSessionID: "new-session"})
	reg, store := newTestRegistry(t)

	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "key1", EngineID: "e1",
		PlaybackSessionID: "old-session",
		StatURL:           engine.srv.URL + "/ace/stat",
	})
	reg.Collect(context.Background())

	st, _ := store.Stream("s1")
	assert.Equal(t, state.StreamEnded, st.Status, "rotated playback session means the old one died")
}

func TestDetectStaleTerminatesStalledStream(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{})
	reg, store := newTestRegistry(t)

	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "key1", EngineID: "e1",
		StartedAt:  time.Now().Add(-10 * time.Minute),
		CommandURL: engine.srv.URL + "/ace/cmd",
	})
	reg.DetectStale(context.Background())

	st, _ := store.Stream("s1")
	assert.Equal(t, state.StreamEnded, st.Status)
	assert.True(t, engine.stopped.Load(), "upstream session stopped via command URL")
}

func TestDetectLoopsBlacklistsContentKey(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{})
	reg, store := newTestRegistry(t)

	// Broadcast position frozen two hours ago: past the one-hour
	// threshold.
	frozen := time.Now().Add(-2 * time.Hour)
	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "loopkey", EngineID: "e1",
		CommandURL: engine.srv.URL + "/ace/cmd",
	})
	store.UpdateStreamStats("s1", state.StreamStats{}, &frozen)

	reg.DetectLoops(context.Background())

	st, _ := store.Stream("s1")
	assert.Equal(t, state.StreamEnded, st.Status)
	assert.True(t, reg.Blacklist().Contains("loopkey"))
	assert.True(t, engine.stopped.Load())
}

func TestDetectLoopsLeavesAdvancingStreamsAlone(t *testing.T) {
	reg, store := newTestRegistry(t)

	recent := time.Now().Add(-time.Minute)
	store.UpsertStream(state.Stream{ID: "s1", ContentKey: "livekey", EngineID: "e1"})
	store.UpdateStreamStats("s1", state.StreamStats{}, &recent)

	reg.DetectLoops(context.Background())

	st, _ := store.Stream("s1")
	assert.Equal(t, state.StreamStarted, st.Status)
	assert.False(t, reg.Blacklist().Contains("livekey"))
}

func TestCollectForgetsStoppedStreamMark(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{Status: "dl", Downloaded: 100})
	reg, store := newTestRegistry(t)

	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "key1", EngineID: "e1",
		StatURL: engine.srv.URL + "/ace/stat",
	})
	reg.Collect(context.Background())
	reg.mu.Lock()
	_, tracked := reg.progress["s1"]
	reg.mu.Unlock()
	require.True(t, tracked)

	engine.stat.Store(&aceengine.StatResponse{Status: "stopped"})
	reg.Collect(context.Background())

	st, _ := store.Stream("s1")
	assert.Equal(t, state.StreamEnded, st.Status)
	reg.mu.Lock()
	_, tracked = reg.progress["s1"]
	reg.mu.Unlock()
	assert.False(t, tracked, "the progress mark goes with the stream")
}

func TestPruneDropsMarksOfExternallyEndedStreams(t *testing.T) {
	engine := newFakeEngine(t, aceengine.StatResponse{Status: "dl", Downloaded: 100})
	reg, store := newTestRegistry(t)

	store.UpsertStream(state.Stream{
		ID: "s1", ContentKey: "key1", EngineID: "e1",
		StatURL: engine.srv.URL + "/ace/stat",
	})
	reg.Collect(context.Background())

	// The stream ends outside the registry, e.g. the proxy's idle
	// teardown.
	store.EndStream("s1", "idle")
	reg.pruneProgress()

	reg.mu.Lock()
	_, tracked := reg.progress["s1"]
	reg.mu.Unlock()
	assert.False(t, tracked, "orphaned marks are pruned")
}

func TestBlacklistPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.json")

	first, err := NewBlacklist(0, path)
	require.NoError(t, err)
	first.Add("persisted-key")

	second, err := NewBlacklist(0, path)
	require.NoError(t, err)
	assert.True(t, second.Contains("persisted-key"))

	assert.True(t, second.Remove("persisted-key"))
	assert.False(t, second.Remove("persisted-key"))
	assert.False(t, second.Contains("persisted-key"))
}

func TestBlacklistRetentionExpiry(t *testing.T) {
	b, err := NewBlacklist(50*time.Millisecond, "")
	require.NoError(t, err)
	b.Add("shortlived")
	require.True(t, b.Contains("shortlived"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, b.Contains("shortlived"), "lazily expired")
	assert.Zero(t, b.Prune())
}
