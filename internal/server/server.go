package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/jobcache"
	"github.com/ssd-technologies/quorum/internal/ratelimit"
	"github.com/ssd-technologies/quorum/internal/sched"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// Server is the scheduler's HTTP front end.
type Server struct {
	db         *storage.DB
	cfg        *config.Config
	cache      jobcache.Cache
	catalog    *sched.Catalog
	dispatcher *sched.Dispatcher
	limiter    *ratelimit.Keyed
	router     chi.Router
	now        func() time.Time
}

// New creates a Server dispatching from cache with all routes registered.
func New(db *storage.DB, cache jobcache.Cache, cfg *config.Config) *Server {
	catalog := sched.NewCatalog(db)
	resolver := sched.NewResolver(catalog, sched.NewPlanClassEstimator(cfg.PlanClasses))
	scorer := sched.NewScorer(cfg.Scheduler, sched.DefaultWeights(), nil)
	s := &Server{
		db:         db,
		cfg:        cfg,
		cache:      cache,
		catalog:    catalog,
		dispatcher: sched.NewDispatcher(db, cache, catalog, resolver, scorer, cfg.Scheduler),
		limiter:    ratelimit.NewKeyed(cfg.Server.RateLimit, cfg.Server.RateWindow.Duration),
		router:     chi.NewRouter(),
		now:        time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/scheduler", func(r chi.Router) {
		r.Post("/rpc", s.handleRPC)
		r.Post("/report", s.handleReport)
	})

	s.router.Get("/feed", jobcache.HandleFeed(s.cache, s.feedRate()))
}

// feedRate is the frame budget per minute for one feeder connection: enough
// to refill the whole cache twice per feeder interval.
func (s *Server) feedRate() int {
	interval := s.cfg.Feeder.Interval.Duration
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return 2 * (s.cfg.Scheduler.CacheSize + 1) * int(time.Minute/interval)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "quorum-scheduler",
		"cache_size": s.cache.Len(),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
