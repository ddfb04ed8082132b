// Package aceengine talks to AceStream engines over their documented HTTP
// endpoints: the middleware that opens a playback session, the stat URL it
// hands back, the command URL that stops it, and the playback URL itself.
// See https://docs.acestream.net/developers/start-playback/#using-middleware.
package aceengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/logger"
)

// MiddlewareResponse is the engine's JSON answer to a format=json
// getstream request.
type MiddlewareResponse struct {
	PlaybackURL       string `json:"playback_url"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	Infohash          string `json:"infohash"`
	PlaybackSessionID string `json:"playback_session_id"`
	IsLive            int    `json:"is_live"`
	IsEncrypted       int    `json:"is_encrypted"`
	ClientSessionID   int    `json:"client_session_id"`
}

// Middleware wraps MiddlewareResponse with the engine-side error field.
type Middleware struct {
	Response MiddlewareResponse `json:"response"`
	Error    string             `json:"error"`
}

// CommandResponse is the answer to a command_url request.
type CommandResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// StatResponse is the engine's per-session statistics snapshot.
type StatResponse struct {
	Status            string  `json:"status"`
	SpeedDown         int     `json:"speed_down"`
	SpeedUp           int     `json:"speed_up"`
	Peers             int     `json:"peers"`
	Downloaded        int64   `json:"downloaded"`
	Uploaded          int64   `json:"uploaded"`
	LiveLast          float64 `json:"live_last"`
	PlaybackSessionID string  `json:"playback_session_id"`
}

// StatEnvelope wraps StatResponse with the engine-side error field.
type StatEnvelope struct {
	Response *StatResponse `json:"response"`
	Error    string        `json:"error"`
}

// Session is one opened playback session on an engine.
type Session struct {
	PlaybackURL       string
	StatURL           string
	CommandURL        string
	PlaybackSessionID string
	IsLive            bool
	ID                AceID
}

// Client issues requests to AceStream engines. One client serves the whole
// fleet; per-engine addressing comes from the caller.
type Client struct {
	hc  *http.Client
	log zerolog.Logger
}

// NewClient builds a client with the transport tuned for many concurrent
// engine requests. Compression must stay disabled: with Accept-Encoding
// other than identity the engine delivers nothing on playback URLs.
func NewClient(responseTimeout time.Duration) *Client {
	return &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				DisableCompression: true,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxConnsPerHost:       100,
				MaxIdleConnsPerHost:   50,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: responseTimeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		log: logger.WithComponent("aceengine"),
	}
}

// Open enqueues a playback session on the engine at host:port. Each call
// gets a unique PID so concurrent opens do not collide on the engine.
func (c *Client) Open(ctx context.Context, host string, port int, aceID AceID, extraParams url.Values) (*Session, error) {
	endpoint := "http://" + host + ":" + strconv.Itoa(port) + "/ace/getstream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	pid := uuid.NewString()
	if extraParams == nil {
		extraParams = url.Values{}
	}
	idType, id := aceID.ID()
	extraParams.Set(string(idType), id)
	extraParams.Set("format", "json")
	extraParams.Set("pid", pid)
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = extraParams.Encode()

	c.log.Debug().Str("url", req.URL.String()).Str("pid", pid).Msg("Opening stream on engine")
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine getstream: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("engine getstream read: %w", err)
	}

	var middleware Middleware
	if err := json.Unmarshal(body, &middleware); err != nil {
		return nil, fmt.Errorf("engine getstream decode: %w", err)
	}
	if middleware.Error != "" {
		return nil, errors.New(middleware.Error)
	}
	if middleware.Response.PlaybackURL == "" {
		return nil, errors.New("engine returned no playback_url")
	}

	return &Session{
		PlaybackURL:       middleware.Response.PlaybackURL,
		StatURL:           middleware.Response.StatURL,
		CommandURL:        middleware.Response.CommandURL,
		PlaybackSessionID: middleware.Response.PlaybackSessionID,
		IsLive:            middleware.Response.IsLive == 1,
		ID:                aceID,
	}, nil
}

// Stats polls a session's stat URL.
func (c *Client) Stats(ctx context.Context, statURL string) (*StatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine stats: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var envelope StatEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("engine stats decode: %w", err)
	}
	if envelope.Error != "" {
		return nil, errors.New(envelope.Error)
	}
	if envelope.Response == nil {
		return nil, errors.New("engine stats: empty response")
	}
	return envelope.Response, nil
}

// Stop sends method=stop on a session's command URL. Idempotent on the
// engine side.
func (c *Client) Stop(ctx context.Context, commandURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, commandURL, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Add("method", "stop")
	req.URL.RawQuery = q.Encode()

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("engine stop: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	var cmd CommandResponse
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("engine stop decode: %w", err)
	}
	if cmd.Error != "" {
		return errors.New(cmd.Error)
	}
	return nil
}

// OpenPlayback starts reading the session's media stream. The caller owns
// the returned body and must close it. The request deliberately carries no
// overall timeout: it is a long-lived media read, bounded by ctx.
func (c *Client) OpenPlayback(ctx context.Context, playbackURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine playback: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("engine playback: unexpected status %d", res.StatusCode)
	}
	return res.Body, nil
}

// FetchManifest downloads an HLS manifest from the playback URL.
func (c *Client) FetchManifest(ctx context.Context, playbackURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine manifest: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine manifest: unexpected status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

// FetchSegment downloads one TS segment referenced by an HLS manifest.
func (c *Client) FetchSegment(ctx context.Context, segmentURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segmentURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine segment: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine segment: unexpected status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

// HealthURL is the engine endpoint the monitor probes.
func HealthURL(host string, port int) string {
	return "http://" + host + ":" + strconv.Itoa(port) + "/webui/api/service?method=get_version"
}
