package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/breaker"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/hls"
	"krinkuto11/aceorch/lib/proxy"
	"krinkuto11/aceorch/lib/scaler"
	"krinkuto11/aceorch/lib/selector"
	"krinkuto11/aceorch/lib/state"
	"krinkuto11/aceorch/lib/vpn"
)

// ---- playback ----

// handleGetStream is the player entrypoint. TS mode streams MPEG-TS until
// the client disconnects; HLS mode answers with the rewritten playlist.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aceID, err := aceengine.NewAceID(q.Get("id"), q.Get("infohash"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Has("pid") {
		// The PID is assigned per upstream session; a client-supplied one
		// would break multiplexing.
		s.writeError(w, http.StatusBadRequest, "pid parameter is not allowed")
		return
	}

	extra := q
	extra.Del("id")
	extra.Del("infohash")
	extra.Del("format")

	switch s.cfg.Current().StreamMode {
	case config.ModeHLS:
		s.serveHLS(w, r, aceID, extra)
	default:
		s.serveTS(w, r, aceID, extra)
	}
}

func (s *Server) serveTS(w http.ResponseWriter, r *http.Request, aceID aceengine.AceID, extra url.Values) {
	session, err := s.tsProxy.Admit(r.Context(), aceID, extra)
	if err != nil {
		s.admissionError(w, err)
		return
	}
	clientID := uuid.NewString()
	s.log.Info().Str("content_key", aceID.Key()).Str("client_id", clientID).Msg("Client attached")
	session.ServeClient(w, r, clientID)
}

func (s *Server) serveHLS(w http.ResponseWriter, r *http.Request, aceID aceengine.AceID, extra url.Values) {
	channel, err := s.hlsMgr.Admit(r.Context(), aceID, extra)
	if err != nil {
		s.admissionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.WriteHeader(http.StatusOK)
	w.Write(channel.Manifest(r.RemoteAddr))
}

// admissionError maps admission failures to machine-readable responses.
func (s *Server) admissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, proxy.ErrBlacklisted) || errors.Is(err, hls.ErrBlacklisted):
		s.writeError(w, http.StatusUnprocessableEntity, "stream_blacklisted")
	case errors.Is(err, selector.ErrNoCapacity):
		s.writeError(w, http.StatusServiceUnavailable, "no_capacity")
	case errors.Is(err, vpn.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "vpn_unavailable")
	case errors.Is(err, scaler.ErrProvisioningBlocked):
		s.writeError(w, http.StatusServiceUnavailable, "blocked_provisioning")
	default:
		s.log.Error().Err(err).Msg("Stream admission failed")
		s.writeError(w, http.StatusInternalServerError, "stream_failed")
	}
}

func (s *Server) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	contentKey := chi.URLParam(r, "contentKey")
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid segment sequence")
		return
	}
	channel, ok := s.hlsMgr.Channel(contentKey)
	if !ok {
		s.writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	data, ok := channel.Segment(seq)
	if !ok {
		s.writeError(w, http.StatusNotFound, "segment expired")
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type sessionStatus struct {
	ContentKey string `json:"content_key"`
	StreamID   string `json:"stream_id"`
	EngineID   string `json:"engine_id"`
	State      string `json:"state"`
	Clients    int    `json:"clients"`
}

func (s *Server) handleAceStatus(w http.ResponseWriter, r *http.Request) {
	sessions := []sessionStatus{}
	for _, sess := range s.tsProxy.Sessions() {
		sessions = append(sessions, sessionStatus{
			ContentKey: sess.ContentKey,
			StreamID:   sess.StreamID,
			EngineID:   sess.EngineID,
			State:      string(sess.State()),
			Clients:    sess.ClientCount(),
		})
	}
	for _, ch := range s.hlsMgr.Channels() {
		sessions = append(sessions, sessionStatus{
			ContentKey: ch.ContentKey,
			StreamID:   ch.StreamID,
			EngineID:   ch.EngineID,
			State:      "streaming",
			Clients:    ch.ViewerCount(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mode":     s.cfg.Current().StreamMode,
		"sessions": sessions,
	})
}

// ---- introspection ----

type engineView struct {
	state.Engine
	Load int `json:"load"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	loads := s.store.Loads()
	out := []engineView{}
	for _, e := range s.store.Engines() {
		out = append(out, engineView{Engine: e, Load: loads[e.ContainerID]})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	status := state.StreamStatus(r.URL.Query().Get("status"))
	switch status {
	case "", state.StreamStarted, state.StreamEnded:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be started or ended")
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Streams(status))
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mode":           s.cfg.Current().VPNMode,
		"emergency_mode": s.vpns.EmergencyMode(),
		"vpns":           s.vpns.Statuses(),
	})
}

func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	engines := s.store.Engines()
	byHealth := map[state.HealthStatus]int{}
	for _, e := range engines {
		byHealth[e.Health]++
	}
	blocked := s.brk.AnyOpen()

	status := "healthy"
	switch {
	case blocked:
		status = "blocked"
	case s.vpns.EmergencyMode() || byHealth[state.Unhealthy] > 0 || !s.vpns.AnyUp():
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":               status,
		"capacity_used":        s.store.CapacityUsed(),
		"capacity_total":       len(engines),
		"free_engines":         s.store.FreeCount(),
		"streams_started":      len(s.store.Streams(state.StreamStarted)),
		"clients":              s.tsProxy.ClientCount() + s.hlsMgr.ViewerCount(),
		"engines_healthy":      byHealth[state.Healthy],
		"engines_unhealthy":    byHealth[state.Unhealthy],
		"engines_unknown":      byHealth[state.Unknown],
		"emergency_mode":       s.vpns.EmergencyMode(),
		"blocked_provisioning": blocked,
		"breakers":             s.breakerStates(),
	})
}

func (s *Server) handleLoopingStreams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reg.Blacklist().Entries())
}

func (s *Server) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	contentKey := chi.URLParam(r, "contentKey")
	if !s.reg.Blacklist().Remove(contentKey) {
		s.writeError(w, http.StatusNotFound, "content key not blacklisted")
		return
	}
	s.log.Info().Str("content_key", contentKey).Msg("Content key removed from blacklist")
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": contentKey})
}

// ---- control plane ----

type aceProvisionRequest struct {
	Labels map[string]string `json:"labels,omitempty"`
}

type aceProvisionResponse struct {
	ContainerID        string `json:"container_id"`
	HostHTTPPort       int    `json:"host_http_port"`
	ContainerHTTPPort  int    `json:"container_http_port"`
	ContainerHTTPSPort int    `json:"container_https_port"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req aceProvisionRequest
	if r.Body != nil {
		// An empty body is a plain provision request.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	s.met.ProvisionAttempts.Inc()
	engine, err := s.scl.Provision(r.Context(), "api")
	if err != nil {
		s.met.ProvisionFailures.Inc()
		s.provisionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, provisionResponse(engine))
}

func provisionResponse(e state.Engine) aceProvisionResponse {
	httpPort, _ := strconv.Atoi(e.Labels["acestream.http_port"])
	return aceProvisionResponse{
		ContainerID:        e.ContainerID,
		HostHTTPPort:       e.Port,
		ContainerHTTPPort:  httpPort,
		ContainerHTTPSPort: e.HTTPSPort,
	}
}

func (s *Server) provisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scaler.ErrProvisioningBlocked):
		s.writeError(w, http.StatusServiceUnavailable, "blocked_provisioning")
	case errors.Is(err, vpn.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "vpn_unavailable")
	default:
		s.log.Error().Err(err).Msg("Provision failed")
		s.writeError(w, http.StatusInternalServerError, "provision_failed")
	}
}

type reprovisionRequest struct {
	ContainerID string `json:"container_id"`
	TemplateID  string `json:"template_id,omitempty"`
}

// handleReprovision replaces one engine: the named container is stopped
// and a fresh one takes its slot.
func (s *Server) handleReprovision(w http.ResponseWriter, r *http.Request) {
	var req reprovisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" {
		s.writeError(w, http.StatusBadRequest, "container_id is required")
		return
	}
	if _, ok := s.store.Engine(req.ContainerID); !ok {
		s.writeError(w, http.StatusNotFound, "engine not found")
		return
	}
	if err := s.scl.StopEngine(r.Context(), req.ContainerID, "reprovision"); err != nil {
		s.log.Error().Err(err).Str("container_id", req.ContainerID).Msg("Reprovision stop failed")
		s.writeError(w, http.StatusInternalServerError, "stop_failed")
		return
	}
	s.met.ProvisionAttempts.Inc()
	engine, err := s.scl.Provision(r.Context(), "reprovision")
	if err != nil {
		s.met.ProvisionFailures.Inc()
		s.provisionError(w, err)
		return
	}
	if req.TemplateID != "" {
		engine.TemplateID = req.TemplateID
		s.store.UpsertEngine(engine)
	}
	s.writeJSON(w, http.StatusOK, provisionResponse(engine))
}

type scaleRequest struct {
	Replicas int `json:"replicas"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid scale request")
		return
	}
	if err := s.scl.ScaleTo(r.Context(), req.Replicas); err != nil {
		s.provisionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"replicas": s.store.EngineCount()})
}

func (s *Server) handleDeleteEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.store.Engine(id); !ok {
		s.writeError(w, http.StatusNotFound, "engine not found")
		return
	}
	if err := s.scl.StopEngine(r.Context(), id, "api_delete"); err != nil {
		s.log.Error().Err(err).Str("container_id", id).Msg("Engine delete failed")
		s.writeError(w, http.StatusInternalServerError, "stop_failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// ---- event ingress ----

// streamStartedEvent mirrors what engine-side proxies post when they open
// a playback session on their own.
type streamStartedEvent struct {
	ContainerID string `json:"container_id,omitempty"`
	Engine      struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"engine"`
	Stream struct {
		KeyType string `json:"key_type"`
		Key     string `json:"key"`
	} `json:"stream"`
	Session struct {
		PlaybackSessionID string `json:"playback_session_id"`
		StatURL           string `json:"stat_url"`
		CommandURL        string `json:"command_url"`
		IsLive            int    `json:"is_live"`
	} `json:"session"`
	Labels map[string]string `json:"labels,omitempty"`
}

type streamEndedEvent struct {
	ContainerID string `json:"container_id,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleStreamStarted(w http.ResponseWriter, r *http.Request) {
	var ev streamStartedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if ev.Stream.Key == "" {
		s.writeError(w, http.StatusBadRequest, "stream key is required")
		return
	}

	engineID := ev.ContainerID
	if engineID == "" {
		// Resolve by the engine's advertised address.
		for _, e := range s.store.Engines() {
			if e.Host == ev.Engine.Host && e.Port == ev.Engine.Port {
				engineID = e.ContainerID
				break
			}
		}
	}
	if engineID == "" {
		s.writeError(w, http.StatusNotFound, "engine not found")
		return
	}

	streamID := ev.Labels["stream_id"]
	if streamID == "" {
		streamID = uuid.NewString()
	}
	s.store.UpsertStream(state.Stream{
		ID:                streamID,
		ContentKey:        ev.Stream.Key,
		EngineID:          engineID,
		Status:            state.StreamStarted,
		PlaybackSessionID: ev.Session.PlaybackSessionID,
		StatURL:           ev.Session.StatURL,
		CommandURL:        ev.Session.CommandURL,
	})
	s.log.Info().Str("stream_id", streamID).Str("content_key", ev.Stream.Key).
		Str("engine_id", state.ShortID(engineID)).Msg("Stream registered via ingress")
	s.writeJSON(w, http.StatusOK, map[string]string{"stream_id": streamID})
}

func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	var ev streamEndedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if ev.StreamID == "" {
		s.writeError(w, http.StatusBadRequest, "stream_id is required")
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "reported_ended"
	}
	if !s.store.EndStream(ev.StreamID, reason) {
		s.writeError(w, http.StatusNotFound, "stream not found or already ended")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"stream_id": ev.StreamID})
}

// ---- runtime configuration ----

// configUpdate carries the runtime-tunable subset of the configuration.
// Absent fields keep their current value.
type configUpdate struct {
	MinReplicas         *int     `json:"min_replicas,omitempty"`
	MaxReplicas         *int     `json:"max_replicas,omitempty"`
	MaxStreamsPerEngine *int     `json:"max_streams_per_engine,omitempty"`
	StreamTimeoutS      *float64 `json:"stream_timeout_s,omitempty"`
	LoopThresholdS      *float64 `json:"stream_loop_threshold_s,omitempty"`
	CatchUpThreshold    *int     `json:"proxy_catch_up_threshold,omitempty"`
	GhostMultiplier     *int     `json:"ghost_multiplier,omitempty"`
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config body")
		return
	}

	next := s.cfg.Current().Clone()
	if upd.MinReplicas != nil {
		next.MinReplicas = *upd.MinReplicas
	}
	if upd.MaxReplicas != nil {
		next.MaxReplicas = *upd.MaxReplicas
	}
	if upd.MaxStreamsPerEngine != nil {
		next.MaxStreamsPerEngine = *upd.MaxStreamsPerEngine
	}
	if upd.StreamTimeoutS != nil {
		next.StreamTimeout = time.Duration(*upd.StreamTimeoutS * float64(time.Second))
	}
	if upd.LoopThresholdS != nil {
		next.LoopThreshold = time.Duration(*upd.LoopThresholdS * float64(time.Second))
	}
	if upd.CatchUpThreshold != nil {
		next.CatchUpThreshold = *upd.CatchUpThreshold
	}
	if upd.GhostMultiplier != nil {
		next.GhostMultiplier = *upd.GhostMultiplier
	}

	if err := s.cfg.Update(next); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.bus.Publish(events.Event{Type: events.ConfigChanged})
	s.log.Info().Msg("Runtime configuration updated")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// breakerStates reports every provisioning circuit for the status surface.
func (s *Server) breakerStates() map[string]breaker.State {
	out := map[string]breaker.State{
		breaker.OpProvisionGeneral: s.brk.StateOf(breaker.OpProvisionGeneral),
	}
	for _, sc := range s.vpns.Statuses() {
		key := breaker.OpProvisionVPN(sc.Name)
		out[key] = s.brk.StateOf(key)
	}
	return out
}
