// Package server runs the two HTTP listeners of spec.md §6: a public
// listener serving bucket traffic through internal/pipeline, and a
// loopback-only admin listener exposing /health, /metrics, and the
// /admin/cache/* operator endpoints, grounded on the teacher's
// pkg/metrics.Server split-listener pattern and its go-chi/cors usage
// for the admin surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/snapshot"
)

// Server owns the public and admin listeners for one running process.
type Server struct {
	public *http.Server
	admin  *http.Server
	log    *logrus.Logger
}

// New builds both listeners. handler is the fully wired public handler
// (normally an *internal/pipeline.Pipeline); store backs the admin
// cache-purge/stats endpoints, reading whatever snapshot generation is
// currently live.
func New(cfg *config.Config, handler http.Handler, store *snapshot.Store, log *logrus.Logger) *Server {
	return &Server{
		public: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
			Handler: handler,
		},
		admin: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Address, cfg.Admin.Port),
			Handler: adminRouter(store),
		},
		log: log,
	}
}

func adminRouter(store *snapshot.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/health", healthHandler(store))
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/admin/cache/purge", purgeHandler(store))
	r.Get("/admin/cache/stats", statsHandler(store))

	return r
}

// HealthHandler and MetricsHandler are exported so the public listener's
// pipeline.Pipeline can mount the same /health and /metrics behavior the
// admin listener serves, per spec.md §4.10 stage 3.
func HealthHandler(store *snapshot.Store) http.Handler {
	return healthHandler(store)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// healthHandler reports healthy as long as at least one configured
// bucket's circuit breaker is not open, matching spec.md §6's
// "at least one binding healthy" liveness contract.
func healthHandler(store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := store.Load()
		healthy := len(snap.Buckets) == 0
		for _, b := range snap.Buckets {
			if b.Breaker == nil || b.Breaker.State() != "open" {
				healthy = true
				break
			}
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}
}

// purgeHandler implements SPEC_FULL.md §6.3's "accepts {bucket, key} or
// {bucket, prefix}" contract. A key is resolved to the fingerprint of
// its canonical (no content-negotiation) representation — the variant
// served to a client that sends neither Accept-Encoding nor Accept —
// since the fingerprint is a one-way hash of bucket+key+vary and can't
// be reverse-matched across every negotiated variant by prefix alone.
func purgeHandler(store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bucketName := r.URL.Query().Get("bucket")
		snap := store.Load()
		bucket, ok := snap.Buckets[bucketName]
		if !ok {
			http.Error(w, "unknown bucket", http.StatusNotFound)
			return
		}

		prefix := r.URL.Query().Get("prefix")
		fingerprint := r.URL.Query().Get("fingerprint")
		if key := r.URL.Query().Get("key"); key != "" {
			fingerprint = cache.Fingerprint(bucketName, key, cache.VaryDimensions{})
		}
		n := bucket.Cache.Purge(r.Context(), fingerprint, prefix)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"purged": n})
	}
}

func statsHandler(store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := store.Load()
		out := make(map[string]interface{}, len(snap.Buckets))
		for name, b := range snap.Buckets {
			out[name] = b.Cache.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// Start runs both listeners in background goroutines; bind failures are
// logged since the caller has already moved on to serving traffic.
func (s *Server) Start() {
	go func() {
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("public listener stopped unexpectedly")
		}
	}()
	go func() {
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("admin listener stopped unexpectedly")
		}
	}()
}

// Shutdown drains both listeners concurrently, bounded by ctx's deadline
// (spec.md §6 Signals: SIGTERM stops accepting new connections, waits
// for in-flight requests, then exits — 0 if drained in time, 1
// otherwise). The two listeners' in-flight request groups are waited on
// together via errgroup rather than sequentially, so the admin
// listener's drain doesn't add to the public listener's deadline budget.
func (s *Server) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.public.Shutdown(ctx) })
	g.Go(func() error { return s.admin.Shutdown(ctx) })
	return g.Wait()
}
