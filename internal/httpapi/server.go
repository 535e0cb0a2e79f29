package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/feedmesh/pricefeed/internal/authz"
	"github.com/feedmesh/pricefeed/internal/health"
	"github.com/feedmesh/pricefeed/internal/ingest"
	"github.com/feedmesh/pricefeed/internal/metrics"
	"github.com/feedmesh/pricefeed/internal/query"
	"github.com/feedmesh/pricefeed/internal/subscription"
)

// Deps are the collaborators Server wires into routes.
type Deps struct {
	Ingest   *ingest.Service
	Query    *query.Service
	Auth     *authz.Authenticator
	Limiter  *authz.RateLimiter
	Subs     *subscription.Manager
	Health   *health.Checker
	Metrics  *metrics.Registry
	Gatherer http.Handler // promhttp handler for /metrics
	Log      zerolog.Logger
}

// Server owns the router and HTTP server lifecycle.
type Server struct {
	router *mux.Router
	http   *http.Server

	ingest  *ingest.Service
	query   *query.Service
	subs    *subscription.Manager
	health  *health.Checker
	metrics *metrics.Registry
	log     zerolog.Logger
}

// New builds a Server and wires every route and middleware link.
func New(addr string, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		ingest:  deps.Ingest,
		query:   deps.Query,
		subs:    deps.Subs,
		health:  deps.Health,
		metrics: deps.Metrics,
		log:     deps.Log.With().Str("component", "httpapi").Logger(),
	}

	s.routes(deps)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// chain wraps h with mw applied outermost-first, i.e. chain(h, a, b) runs
// a, then b, then h.
func chain(h http.HandlerFunc, mw ...func(http.Handler) http.Handler) http.Handler {
	var handler http.Handler = h
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

func (s *Server) routes(deps Deps) {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware(s.log))
	s.router.Use(timeoutMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", deps.Gatherer).Methods(http.MethodGet)

	auth := requireTier(deps.Auth, deps.Limiter, authz.TierInternal, deps.Metrics)
	s.router.Handle("/internal/ingest",
		chain(s.handleIngest, metricsMiddleware(deps.Metrics, "/internal/ingest"), auth),
	).Methods(http.MethodPost)

	publicAuth := requireTier(deps.Auth, deps.Limiter, authz.TierPublic, deps.Metrics)

	s.router.Handle("/prices/latest",
		chain(s.handlePricesLatest, metricsMiddleware(deps.Metrics, "/prices/latest"), publicAuth),
	).Methods(http.MethodGet)

	s.router.Handle("/prices/range",
		chain(s.handlePricesRange, metricsMiddleware(deps.Metrics, "/prices/range"), publicAuth),
	).Methods(http.MethodGet)

	s.router.Handle("/aggregates/consensus",
		chain(s.handleConsensus, metricsMiddleware(deps.Metrics, "/aggregates/consensus"), publicAuth),
	).Methods(http.MethodGet)

	s.router.Handle("/stream",
		chain(s.handleStream, publicAuth),
	).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Check(r.Context())
	status := http.StatusOK
	if !resp.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// Handler returns the assembled router, for tests that drive the server
// via httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("starting http server")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
