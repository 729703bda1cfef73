package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	basemetrics "github.com/gaspardpetit/framecast/sdk/base/metrics"
	baseauth "github.com/gaspardpetit/framecast/sdk/base/auth"
	"github.com/gaspardpetit/framecast/sdk/base/inflight"
	"github.com/gaspardpetit/framecast/server/internal/api"
	"github.com/gaspardpetit/framecast/server/internal/config"
	"github.com/gaspardpetit/framecast/server/internal/host"
	"github.com/gaspardpetit/framecast/server/internal/metrics"
	"github.com/gaspardpetit/framecast/server/internal/serverstate"
)

// NewRegistry returns a Prometheus registry carrying every framecast collector.
func NewRegistry() *prometheus.Registry {
	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	basemetrics.Register(preg)
	return preg
}

// New constructs the HTTP handler for the host.
func New(cfg config.HostConfig, h *host.Host, preg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	sections := serverstate.NewRegistry()
	h.StateSections(sections)
	state := &api.StateHandler{Sections: sections}

	r.Get("/healthz", api.Healthz)
	r.Route("/api", func(ar chi.Router) {
		// Views authenticate with the client key inside the register message.
		ar.Get("/views/connect", h.WSHandler())
		ar.Group(func(g chi.Router) {
			if cfg.APIKey != "" || len(cfg.APIHTTPRoles) > 0 {
				g.Use(baseauth.BearerOrRolesMiddleware(cfg.APIKey, cfg.APIHTTPRoles))
			}
			g.Get("/state", state.GetState)
			g.Get("/state/stream", state.GetStateStream)
			g.With(inflight.Broadcasts().Middleware()).Post("/broadcast", api.BroadcastHandler(h))
			g.Delete("/views/{pid}", api.DisconnectHandler(h, func(err error) bool { return errors.Is(err, host.ErrUnknownView) }))
		})
	})

	if preg != nil && cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r
}
