// Package api serves the threat intelligence snapshot and run controls over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"phishwatch/config"
	"phishwatch/core"
	"phishwatch/threat"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BasePath prefixes every threat intelligence route
const BasePath = "/api/v1/threat-intel"

// Engine is the part of the orchestrator the API drives
type Engine interface {
	Start(ctx context.Context, trigger core.RunTrigger) (string, error)
	Cancel() bool
	Status() threat.Status
	Snapshot() *core.ThreatAnalysis
}

// RecentQuerier answers recent threat queries outside the snapshot
type RecentQuerier interface {
	RecentThreats(ctx context.Context, limit int, category core.ThreatType, balanced bool) ([]*core.Indicator, error)
}

// RunLister lists ingestion run history
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]*core.IngestionRun, error)
}

// API holds the API server
type API struct {
	router   *mux.Router
	server   *http.Server
	engine   Engine
	recent   RecentQuerier
	runs     RunLister
	cfg      config.APIConfig
	logger   *zap.SugaredLogger
	validate *validator.Validate

	// recentCache holds query results for the snapshot identified by cacheRunID.
	// cacheGen is bumped whenever rows change outside a run.
	recentCache *lru.Cache[string, []*core.Indicator]
	cacheMu     sync.Mutex
	cacheRunID  string
	cacheGen    uint64
}

// NewAPI creates a new API server
func NewAPI(engine Engine, recent RecentQuerier, runs RunLister, cfg config.APIConfig, logger *zap.SugaredLogger) (*API, error) {
	size := cfg.RecentCacheSize
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, []*core.Indicator](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create recent threat cache: %w", err)
	}
	if cfg.MaxRecentLimit <= 0 {
		cfg.MaxRecentLimit = 100
	}

	a := &API{
		router:      mux.NewRouter(),
		engine:      engine,
		recent:      recent,
		runs:        runs,
		cfg:         cfg,
		logger:      logger,
		validate:    validator.New(),
		recentCache: cache,
	}
	a.setupRoutes()
	return a, nil
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.loggingMiddleware)

	ti := a.router.PathPrefix(BasePath).Subrouter()
	ti.HandleFunc("/analysis", a.getAnalysis).Methods(http.MethodGet)
	ti.HandleFunc("/recent", a.getRecentThreats).Methods(http.MethodGet)
	ti.HandleFunc("/runs", a.triggerRun).Methods(http.MethodPost)
	ti.HandleFunc("/runs", a.listRuns).Methods(http.MethodGet)
	ti.HandleFunc("/runs/current", a.cancelRun).Methods(http.MethodDelete)
	ti.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)

	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the router, mainly for tests
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop is called
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
	}
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// loggingMiddleware logs every request at debug level
func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
