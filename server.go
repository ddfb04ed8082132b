package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/aceengine"
	"krinkuto11/aceorch/lib/breaker"
	"krinkuto11/aceorch/lib/config"
	"krinkuto11/aceorch/lib/events"
	"krinkuto11/aceorch/lib/hls"
	"krinkuto11/aceorch/lib/logger"
	"krinkuto11/aceorch/lib/metrics"
	"krinkuto11/aceorch/lib/proxy"
	"krinkuto11/aceorch/lib/registry"
	"krinkuto11/aceorch/lib/scaler"
	"krinkuto11/aceorch/lib/selector"
	"krinkuto11/aceorch/lib/state"
	"krinkuto11/aceorch/lib/vpn"
)

// Server is the orchestrator's HTTP surface: the playback endpoint the
// players hit, the fleet control plane, and the event ingress engines
// post to.
type Server struct {
	cfg     *config.Store
	store   *state.Store
	bus     *events.Bus
	engines *aceengine.Client
	scl     *scaler.Autoscaler
	sel     *selector.Selector
	vpns    *vpn.Coordinator
	brk     *breaker.Breaker
	reg     *registry.Registry
	tsProxy *proxy.Manager
	hlsMgr  *hls.Manager
	met     *metrics.Metrics
	log     zerolog.Logger
}

// NewServer wires the HTTP surface over the already constructed
// components.
func NewServer(cfg *config.Store, store *state.Store, bus *events.Bus, engines *aceengine.Client, scl *scaler.Autoscaler, sel *selector.Selector, vpns *vpn.Coordinator, brk *breaker.Breaker, reg *registry.Registry, tsProxy *proxy.Manager, hlsMgr *hls.Manager, met *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		engines: engines,
		scl:     scl,
		sel:     sel,
		vpns:    vpns,
		brk:     brk,
		reg:     reg,
		tsProxy: tsProxy,
		hlsMgr:  hlsMgr,
		met:     met,
		log:     logger.WithComponent("http"),
	}
}

// Router builds the chi routing tree. Playback is open; the control plane
// and the event ingress sit behind the bearer token and a rate limit.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// Playback surface.
	r.Get("/ace/getstream", s.handleGetStream)
	r.Get("/ace/status", s.handleAceStatus)
	r.Get("/hls/{contentKey}/segment/{seq}.ts", s.handleHLSSegment)

	// Read-only fleet introspection.
	r.Get("/engines", s.handleEngines)
	r.Get("/streams", s.handleStreams)
	r.Get("/vpn/status", s.handleVPNStatus)
	r.Get("/orchestrator/status", s.handleOrchestratorStatus)
	r.Get("/looping-streams", s.handleLoopingStreams)
	r.Method(http.MethodGet, "/metrics", s.met.Handler())

	// Control plane and ingress.
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.Post("/provision/acestream", s.handleProvision)
		r.Post("/custom-variant/reprovision", s.handleReprovision)
		r.Post("/scale", s.handleScale)
		r.Delete("/engines/{id}", s.handleDeleteEngine)
		r.Post("/events/stream_started", s.handleStreamStarted)
		r.Post("/events/stream_ended", s.handleStreamEnded)
		r.Delete("/looping-streams/{contentKey}", s.handleUnblacklist)
		r.Post("/config", s.handleConfigUpdate)
	})

	return r
}

// auth enforces the bearer token on the control plane. An empty token
// leaves the control plane open, matching single-host deployments.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Current().APIToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || got != token {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug().Err(err).Msg("Response encode failed")
	}
}

// writeError emits the machine-readable error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	s.writeJSON(w, status, map[string]string{"error": code})
}
