// Package web implements the JSON API for submitting and tracking AMR
// prediction jobs.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/resfind/amrjobs/app/store"
)

// submission endpoint rate limit, per-client
var submitLimiter = tollbooth.NewLimiter(5, nil)

// Store defines the job store operations the API consumes
type Store interface {
	Create(ctx context.Context, id string, params map[string]string) (store.Job, error)
	Get(ctx context.Context, id string) (store.Job, error)
	List(ctx context.Context, statusFilter store.JobStatus, limit, offset int) ([]store.Job, error)
	Stats(ctx context.Context) (map[store.JobStatus]int, error)
}

// Submitter queues a created job for background execution
type Submitter interface {
	Submit(id string) bool
}

// Server represents the API server
type Server struct {
	store     Store
	submitter Submitter
	version   string
	startTime time.Time
}

// Config holds server configuration
type Config struct {
	Store     Store
	Submitter Submitter
	Version   string
}

// New creates the API server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("server initialization failed: store is required")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("server initialization failed: submitter is required")
	}
	return &Server{store: cfg.Store, submitter: cfg.Submitter, version: cfg.Version, startTime: time.Now()}, nil
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // result downloads can be slow
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting api server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("amrjobs", "resfind", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // 1MB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.With(tollbooth.HTTPMiddleware(submitLimiter)).HandleFunc("POST /jobs", s.handleSubmit)
		api.HandleFunc("GET /jobs", s.handleList)
		api.HandleFunc("GET /jobs/{id}", s.handleGet)
		api.HandleFunc("GET /jobs/{id}/result", s.handleResult)
		api.HandleFunc("GET /jobs/{id}/aggregated", s.handleAggregatedResult)
		api.HandleFunc("GET /jobs/{id}/results.zip", s.handleResultsZip)
		api.HandleFunc("GET /schema", s.handleSchema)
		api.HandleFunc("GET /system", s.handleSystem)
	})

	return router
}
