// Package admin exposes the service's HTTP control surface: call lifecycle
// operations, switch-stored recordings, allowlist management, the realtime
// event stream, health, and Prometheus metrics.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaaacki/asterisk-api/internal/allowlist"
	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/internal/call"
	"github.com/jaaacki/asterisk-api/internal/events"
	"github.com/jaaacki/asterisk-api/internal/health"
	"github.com/jaaacki/asterisk-api/internal/observe"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	orch   *call.Orchestrator
	reg    *call.Registry
	sw     *ari.Client
	gate   *allowlist.Gate
	bus    *events.Bus
	apiKey string
}

// NewServer creates the HTTP handler with all routes mounted. An empty
// apiKey disables authentication. Extra readiness checks are probed on
// /readyz alongside the built-in switch check.
func NewServer(orch *call.Orchestrator, reg *call.Registry, sw *ari.Client,
	gate *allowlist.Gate, bus *events.Bus, met *observe.Metrics, apiKey string,
	checks ...health.Check) *Server {

	s := &Server{
		router: chi.NewRouter(),
		orch:   orch,
		reg:    reg,
		sw:     sw,
		gate:   gate,
		bus:    bus,
		apiKey: apiKey,
	}
	s.routes(met, checks)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(met *observe.Metrics, checks []health.Check) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(met))

	// Unauthenticated probes.
	all := append([]health.Check{{Name: "switch", Probe: s.checkSwitch}}, checks...)
	h := health.New(all...)
	h.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Post("/", s.handleOriginate)
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Delete("/", s.handleHangup)
				r.Post("/play", s.handlePlay)
				r.Post("/speak", s.handleSpeak)
				r.Delete("/speak", s.handleStopSpeak)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/record", s.handleRecord)
				r.Post("/transfer", s.handleTransfer)
				r.Post("/capture", s.handleStartCapture)
				r.Delete("/capture", s.handleStopCapture)
			})
		})

		r.Route("/bridges", func(r chi.Router) {
			r.Get("/", s.handleListBridges)
			r.Get("/{bridgeID}", s.handleGetBridge)
		})

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetRecording)
				r.Get("/file", s.handleGetRecordingFile)
				r.Delete("/", s.handleDeleteRecording)
				r.Post("/copy", s.handleCopyRecording)
			})
		})

		r.Get("/endpoints", s.handleListEndpoints)
		r.Get("/endpoints/{tech}/{resource}", s.handleGetEndpoint)

		r.Get("/allowlist", s.handleGetAllowlist)
		r.Put("/allowlist", s.handlePutAllowlist)

		r.Get("/events", s.handleEvents)
	})
}

// requireAPIKey rejects requests missing the configured X-API-Key header.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// checkSwitch is the readiness checker for the switch event channel.
func (s *Server) checkSwitch(_ context.Context) error {
	if s.sw == nil || !s.sw.Connected() {
		return errors.New("event channel not connected")
	}
	return nil
}
