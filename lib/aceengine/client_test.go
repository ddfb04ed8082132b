package aceengine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAceID(t *testing.T) {
	id, err := NewAceID("abc", "")
	require.NoError(t, err)
	idType, val := id.ID()
	assert.Equal(t, AceIDType("id"), idType)
	assert.Equal(t, "abc", val)
	assert.Equal(t, "abc", id.Key())

	hash, err := NewAceID("", "deadbeef")
	require.NoError(t, err)
	idType, val = hash.ID()
	assert.Equal(t, AceIDType("infohash"), idType)
	assert.Equal(t, "deadbeef", val)

	_, err = NewAceID("", "")
	assert.Error(t, err)
	_, err = NewAceID("a", "b")
	assert.Error(t, err)
}

func TestOpenParsesMiddlewareResponse(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ace/getstream", r.URL.Path)
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"response":{"playback_url":"http://e/p","stat_url":"http://e/s","command_url":"http://e/c","playback_session_id":"ps-1","is_live":1},"error":null}`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	c := NewClient(5 * time.Second)
	aceID, _ := NewAceID("abc", "")
	extra := url.Values{"transcode_audio": []string{"1"}}
	sess, err := c.Open(context.Background(), host, port, aceID, extra)
	require.NoError(t, err)

	assert.Equal(t, "http://e/p", sess.PlaybackURL)
	assert.Equal(t, "http://e/s", sess.StatURL)
	assert.Equal(t, "http://e/c", sess.CommandURL)
	assert.Equal(t, "ps-1", sess.PlaybackSessionID)
	assert.True(t, sess.IsLive)

	assert.Equal(t, "abc", gotQuery.Get("id"))
	assert.Equal(t, "json", gotQuery.Get("format"))
	assert.NotEmpty(t, gotQuery.Get("pid"), "every open gets its own pid")
	assert.Equal(t, "1", gotQuery.Get("transcode_audio"), "caller params pass through")
}

func TestOpenSurfacesEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{},"error":"cannot load torrent"}`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	c := NewClient(5 * time.Second)
	aceID, _ := NewAceID("abc", "")
	_, err := c.Open(context.Background(), host, port, aceID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot load torrent")
}

func TestStatsDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"status":"dl","speed_down":2048,"peers":7,"downloaded":1000000,"live_last":1700000000},"error":""}`))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	stats, err := c.Stats(context.Background(), srv.URL+"/stat")
	require.NoError(t, err)
	assert.Equal(t, "dl", stats.Status)
	assert.Equal(t, 2048, stats.SpeedDown)
	assert.Equal(t, 7, stats.Peers)
	assert.EqualValues(t, 1000000, stats.Downloaded)
}

func TestStopSendsMethodStop(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.URL.Query().Get("method")
		w.Write([]byte(`{"response":"ok","error":""}`))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	require.NoError(t, c.Stop(context.Background(), srv.URL+"/cmd"))
	assert.Equal(t, "stop", gotMethod)
}

func TestOpenPlaybackRequiresOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("tsdata"))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	body, err := c.OpenPlayback(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "tsdata", string(data))

	_, err = c.OpenPlayback(context.Background(), srv.URL+"/gone")
	assert.Error(t, err)
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t,
		"http://127.0.0.1:19001/webui/api/service?method=get_version",
		HealthURL("127.0.0.1", 19001))
}

func splitHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return parsed.Hostname(), port
}
