package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/breaker"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/driver"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/hls"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/proxy"
	"krinkuto11/aceorch/lib/registry"
	"krinkuto11/aceorch/lib/scaler"
	"krinkuto11/aceorch/lib/selector"
	"krinkuto11/aceorch/lib/state"
	"krinkuto11/aceorch/lib/vpn"
)

type fakeDriver struct {
	mu      sync.Mutex
	seq     int
	running map[string]driver.ContainerInfo
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: make(map[string]driver.ContainerInfo)}
}

func (d *fakeDriver) Start(ctx context.Context, spec driver.StartSpec) (driver.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	info := driver.ContainerInfo{
		ID:           fmt.Sprintf("eng-%03d", d.seq),
		Name:         spec.Name,
		Labels:       spec.Labels,
		HostHTTPPort: spec.Ports.HostHTTP,
		Running:      true,
		CreatedAt:    time.Now(),
	}
	d.running[info.ID] = info
	return info, nil
}

func (d *fakeDriver) Stop(ctx context.Context, id string, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, id)
	return nil
}

func (d *fakeDriver) Inspect(ctx context.Context, id string) (driver.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.running[id]; ok {
		return info, nil
	}
	return driver.ContainerInfo{}, driver.ErrNotFound
}

func (d *fakeDriver) ListManaged(ctx context.Context) ([]driver.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.ContainerInfo, 0, len(d.running))
	for _, info := range d.running {
		out = append(out, info)
	}
	return out, nil
}

func (d *fakeDriver) Ping(ctx context.Context) error { return nil }

// inject seeds a container so reindexing keeps the matching store entry.
func (d *fakeDriver) inject(id string) {
	d.mu.Lock()
	d.running[id] = driver.ContainerInfo{ID: id, Running: true, CreatedAt: time.Now()}
	d.mu.Unlock()
}

type serverFixture struct {
	srv   *httptest.Server
	store *state.Store
	cfg   *config.Store
	drv   *fakeDriver
	reg   *registry.Registry
	vpns  *vpn.Coordinator
	scl   *scaler.Autoscaler
}

func newServerFixture(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.MinReplicas = 0
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	store := state.NewStore(bus)
	cfgStore := config.NewStore(cfg)
	drv := newFakeDriver()
	brk := breaker.New()
	alloc := driver.NewAllocator(cfg.HostPortRange, cfg.AceHTTPRange, cfg.AceHTTPSRange)
	engines := aceengine.NewClient(5 * time.Second)
	vpns := vpn.New(cfg, bus, store.CountByBinding)
	scl := scaler.New(store, drv, vpns, brk, cfgStore, alloc)
	blacklist, err := registry.NewBlacklist(0, "")
	require.NoError(t, err)
	reg := registry.New(store, engines, cfgStore, blacklist)
	met := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sel := selector.New(ctx, store, cfgStore, bus, scl, vpns)
	tsProxy := proxy.NewManager(ctx, store, cfgStore, engines, sel, blacklist, met)
	hlsMgr := hls.NewManager(ctx, store, cfgStore, engines, sel, blacklist, met)

	server := NewServer(cfgStore, store, bus, engines, scl, sel, vpns, brk, reg, tsProxy, hlsMgr, met)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, store: store, cfg: cfgStore, drv: drv, reg: reg, vpns: vpns, scl: scl}
}

func decodeJSON(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func postJSON(t *testing.T, url string, body any, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func TestGetStreamRequiresContentID(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/ace/getstream")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(f.srv.URL + "/ace/getstream?id=a&infohash=b")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, "both addressing forms at once")
}

func TestGetStreamRejectsClientPID(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/ace/getstream?id=abc&pid=1")
	require.NoError(t, err)
	var body map[string]string
	decodeJSON(t, res, &body)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "pid parameter is not allowed", body["error"])
}

func TestGetStreamBlacklistedKey(t *testing.T) {
	f := newServerFixture(t, nil)
	f.reg.Blacklist().Add("loopedkey")

	res, err := http.Get(f.srv.URL + "/ace/getstream?id=loopedkey")
	require.NoError(t, err)
	var body map[string]string
	decodeJSON(t, res, &body)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "stream_blacklisted", body["error"])
}

func TestStreamsStatusValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/streams?status=bogus")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	f.store.UpsertStream(state.Stream{ID: "s1", ContentKey: "k1", EngineID: "e1"})
	res, err = http.Get(f.srv.URL + "/streams?status=started")
	require.NoError(t, err)
	var streams []state.Stream
	decodeJSON(t, res, &streams)
	require.Len(t, streams, 1)
	assert.Equal(t, "k1", streams[0].ContentKey)
}

func TestEnginesIncludeLoad(t *testing.T) {
	f := newServerFixture(t, nil)
	f.store.UpsertEngine(state.Engine{ContainerID: "e1", Health: state.Healthy})
	f.store.UpsertStream(state.Stream{ID: "s1", ContentKey: "k1", EngineID: "e1"})

	res, err := http.Get(f.srv.URL + "/engines")
	require.NoError(t, err)
	var out []map[string]any
	decodeJSON(t, res, &out)
	require.Len(t, out, 1)
	assert.EqualValues(t, 1, out[0]["load"])
}

func TestControlPlaneAuth(t *testing.T) {
	f := newServerFixture(t, func(c *config.Config) { c.APIToken = "sesame" })

	res := postJSON(t, f.srv.URL+"/scale", scaleRequest{Replicas: 0}, "")
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = postJSON(t, f.srv.URL+"/scale", scaleRequest{Replicas: 0}, "wrong")
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = postJSON(t, f.srv.URL+"/scale", scaleRequest{Replicas: 0}, "sesame")
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProvisionEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	res := postJSON(t, f.srv.URL+"/provision/acestream", aceProvisionRequest{}, "")
	var body aceProvisionResponse
	decodeJSON(t, res, &body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, body.ContainerID)
	assert.NotZero(t, body.HostHTTPPort)
	assert.NotZero(t, body.ContainerHTTPPort)
	assert.NotZero(t, body.ContainerHTTPSPort)
	assert.Equal(t, 1, f.store.EngineCount())
}

func TestDeleteEngine(t *testing.T) {
	f := newServerFixture(t, nil)
	f.drv.inject("e1")
	f.store.UpsertEngine(state.Engine{ContainerID: "e1"})

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/engines/e1", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, f.store.EngineCount())

	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStreamEventIngress(t *testing.T) {
	f := newServerFixture(t, nil)
	f.store.UpsertEngine(state.Engine{ContainerID: "e1", Host: "10.0.0.5", Port: 19001})

	// Start reported by engine address rather than container id.
	started := streamStartedEvent{}
	started.Engine.Host = "10.0.0.5"
	started.Engine.Port = 19001
	started.Stream.KeyType = "id"
	started.Stream.Key = "ingresskey"
	started.Session.PlaybackSessionID = "ps-9"
	started.Session.StatURL = "http://10.0.0.5:19001/stat"
	started.Session.CommandURL = "http://10.0.0.5:19001/cmd"

	res := postJSON(t, f.srv.URL+"/events/stream_started", started, "")
	var startBody map[string]string
	decodeJSON(t, res, &startBody)
	require.Equal(t, http.StatusOK, res.StatusCode)
	streamID := startBody["stream_id"]
	require.NotEmpty(t, streamID)

	st, ok := f.store.Stream(streamID)
	require.True(t, ok)
	assert.Equal(t, "e1", st.EngineID)
	assert.Equal(t, "ingresskey", st.ContentKey)

	res = postJSON(t, f.srv.URL+"/events/stream_ended", streamEndedEvent{StreamID: streamID}, "")
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	st, _ = f.store.Stream(streamID)
	assert.Equal(t, state.StreamEnded, st.Status)
	assert.Equal(t, "reported_ended", st.EndReason)

	// Ending it twice is a 404.
	res = postJSON(t, f.srv.URL+"/events/stream_ended", streamEndedEvent{StreamID: streamID}, "")
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStreamStartedUnknownEngine(t *testing.T) {
	f := newServerFixture(t, nil)

	ev := streamStartedEvent{}
	ev.Stream.Key = "somekey"
	ev.Engine.Host = "10.9.9.9"
	ev.Engine.Port = 1

	res := postJSON(t, f.srv.URL+"/events/stream_started", ev, "")
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestOrchestratorStatus(t *testing.T) {
	f := newServerFixture(t, nil)
	f.store.UpsertEngine(state.Engine{ContainerID: "e1", Health: state.Healthy})
	f.store.UpsertEngine(state.Engine{ContainerID: "e2", Health: state.Healthy})
	f.store.UpsertStream(state.Stream{ID: "s1", ContentKey: "k1", EngineID: "e1"})
	f.store.UpsertStream(state.Stream{ID: "s2", ContentKey: "k2", EngineID: "e1"})

	res, err := http.Get(f.srv.URL + "/orchestrator/status")
	require.NoError(t, err)
	var body map[string]any
	decodeJSON(t, res, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["capacity_used"], "two streams on one engine occupy one slot")
	assert.EqualValues(t, 2, body["capacity_total"])
	assert.EqualValues(t, 1, body["free_engines"])
	assert.EqualValues(t, 2, body["streams_started"])
	assert.Equal(t, false, body["blocked_provisioning"])
}

func TestLoopingStreamsManagement(t *testing.T) {
	f := newServerFixture(t, nil)
	f.reg.Blacklist().Add("loopkey")

	res, err := http.Get(f.srv.URL + "/looping-streams")
	require.NoError(t, err)
	var entries map[string]time.Time
	decodeJSON(t, res, &entries)
	assert.Contains(t, entries, "loopkey")

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/looping-streams/loopkey", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, f.reg.Blacklist().Contains("loopkey"))

	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestConfigUpdateEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	bad := map[string]any{"max_replicas": 0}
	res := postJSON(t, f.srv.URL+"/config", bad, "")
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	good := map[string]any{"max_replicas": 12, "proxy_catch_up_threshold": 80}
	res = postJSON(t, f.srv.URL+"/config", good, "")
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 12, f.cfg.Current().MaxReplicas)
	assert.Equal(t, 80, f.cfg.Current().CatchUpThreshold)
}

func TestVPNStatusWithoutVPN(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/vpn/status")
	require.NoError(t, err)
	var body map[string]any
	decodeJSON(t, res, &body)
	assert.Equal(t, string(config.VPNNone), body["mode"])
	assert.Equal(t, false, body["emergency_mode"])
}

func TestAceStatusListsSessions(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/ace/status")
	require.NoError(t, err)
	var body struct {
		Mode     string          `json:"mode"`
		Sessions []sessionStatus `json:"sessions"`
	}
	decodeJSON(t, res, &body)
	assert.Equal(t, string(config.ModeTS), body.Mode)
	assert.Empty(t, body.Sessions)
}

func TestHLSSegmentNotFound(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/hls/nosuchkey/segment/5.ts")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(f.srv.URL + "/hls/nosuchkey/segment/notanumber.ts")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	res, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "aceorch_")
}

func TestNoCapacityMapsTo503(t *testing.T) {
	f := newServerFixture(t, func(c *config.Config) {
		c.ProvisionWait = 200 * time.Millisecond
		c.MaxReplicas = 1
	})
	// Full fleet with no room to grow: admission times out.
	f.drv.inject("e1")
	f.store.UpsertEngine(state.Engine{ContainerID: "e1", Health: state.Healthy})
	for i := 0; i < 3; i++ {
		f.store.UpsertStream(state.Stream{
			ID: fmt.Sprintf("s%d", i), ContentKey: fmt.Sprintf("k%d", i), EngineID: "e1",
		})
	}

	res, err := http.Get(f.srv.URL + "/ace/getstream?id=newkey")
	require.NoError(t, err)
	var body map[string]string
	decodeJSON(t, res, &body)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "no_capacity", body["error"])
}

func TestVPNDownMapsTo503(t *testing.T) {
	f := newServerFixture(t, func(c *config.Config) {
		c.ProvisionWait = 5 * time.Second
		c.VPNMode = config.VPNSingle
		c.VPNs = []config.VPNSidecar{{Name: "vpn1", ControlURL: "http://127.0.0.1:9", MaxActiveReplicas: 4}}
	})
	// Idle capacity exists, but the single VPN never came up.
	f.drv.inject("e1")
	f.store.UpsertEngine(state.Engine{ContainerID: "e1", Health: state.Healthy, VPNBinding: "vpn1"})

	start := time.Now()
	res, err := http.Get(f.srv.URL + "/ace/getstream?id=newkey")
	require.NoError(t, err)
	var body map[string]string
	decodeJSON(t, res, &body)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "vpn_unavailable", body["error"])
	assert.Less(t, time.Since(start), time.Second, "fails fast instead of waiting out the provision window")
}

// newGluetunSidecar fakes a healthy gluetun control API.
func newGluetunSidecar(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/openvpn/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	})
	mux.HandleFunc("/v1/publicip/ip", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"public_ip": "185.0.0.1", "country": "Sweden"})
	})
	mux.HandleFunc("/v1/openvpn/portforwarded", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"port": 31500})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmergencyEvictionSweepsDeadVPN(t *testing.T) {
	up := newGluetunSidecar(t)
	f := newServerFixture(t, func(c *config.Config) {
		c.VPNMode = config.VPNRedundant
		c.VPNCheckInterval = 50 * time.Millisecond
		c.RecoveryStabilization = time.Minute
		c.VPNs = []config.VPNSidecar{
			{Name: "vpn1", ControlURL: up.URL, MaxActiveReplicas: 4},
			{Name: "vpn2", ControlURL: "http://127.0.0.1:9", MaxActiveReplicas: 4},
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.vpns.Run(ctx)
	require.Eventually(t, func() bool { return f.vpns.EmergencyMode() }, 2*time.Second, 10*time.Millisecond)

	f.drv.inject("doomed")
	f.store.UpsertEngine(state.Engine{ContainerID: "doomed", VPNBinding: "vpn2", CreatedAt: time.Now()})

	// The sweep is level-triggered: it evicts regardless of which
	// transition got the fleet here.
	evictFailedBindings(ctx, f.vpns, f.scl)

	_, ok := f.store.Engine("doomed")
	assert.False(t, ok, "engines bound to the dead vpn are evicted")
}
