// Package api exposes the repository over HTTP for operators and
// services: record CRUD, lookups, search, discovery, maintenance and
// stats, with prometheus metrics and rate limiting in front.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bookcache/config"
	"bookcache/repository"
)

const metricsSubscriberID = "api-metrics"

type Server struct {
	repo     *repository.Repository
	cfg      config.APIConfig
	log      zerolog.Logger
	metrics  *Metrics
	limiter  *rate.Limiter
	server   *http.Server
	shutdown chan os.Signal
	wg       sync.WaitGroup
}

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a server around repo. When metrics are enabled it also
// subscribes to datastore events so committed mutations show up in
// /metrics regardless of which caller produced them.
func New(repo *repository.Repository, cfg config.APIConfig, log zerolog.Logger) *Server {
	s := &Server{
		repo:     repo,
		cfg:      cfg,
		log:      log,
		shutdown: make(chan os.Signal, 1),
	}

	if cfg.EnableMetrics {
		s.metrics = NewMetrics()
		repo.Datastore().SubscribeFunc(metricsSubscriberID, s.metrics.Observe())
	}

	if cfg.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	return s
}

// Router builds the full handler chain. Exposed separately from Start
// so tests can drive it without a listening socket.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.recoveryMiddleware)
	router.Use(s.requestIDMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.rateLimitMiddleware)
	router.Use(s.metricsMiddleware)
	if s.cfg.LogRequests {
		router.Use(s.loggingMiddleware)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/records", s.handleListRecords).Methods("GET")
	api.HandleFunc("/records", s.handleCreateRecord).Methods("POST")
	api.HandleFunc("/records/{id}", s.handleGetRecord).Methods("GET")
	api.HandleFunc("/records/{id}", s.handlePutRecord).Methods("PUT")
	api.HandleFunc("/records/{id}", s.handleDeleteRecord).Methods("DELETE")
	api.HandleFunc("/records/{id}/similar", s.handleSimilar).Methods("GET")

	api.HandleFunc("/lookup/{field}/{value}", s.handleLookup).Methods("GET")
	api.HandleFunc("/search", s.handleSearch).Methods("POST")
	api.HandleFunc("/discover", s.handleDiscover).Methods("GET")

	api.HandleFunc("/diagnose", s.handleDiagnose).Methods("GET")
	api.HandleFunc("/repair", s.handleRepair).Methods("POST")
	api.HandleFunc("/verify", s.handleVerify).Methods("GET")
	api.HandleFunc("/export", s.handleExport).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendErrorResponse(w, r, "endpoint not found", http.StatusNotFound)
	})

	return router
}

// Start serves until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: s.cfg.WriteTimeout.Std(),
		IdleTimeout:  s.cfg.IdleTimeout.Std(),
	}

	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", s.server.Addr).Msg("api server listening")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("api server failed")
		}
	}()

	select {
	case <-ctx.Done():
	case sig := <-s.shutdown:
		s.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}
	return s.Stop()
}

// Stop drains in-flight requests within the configured shutdown
// timeout and detaches the metrics subscriber.
func (s *Server) Stop() error {
	if s.metrics != nil {
		s.repo.Datastore().Unsubscribe(metricsSubscriberID)
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Std())
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	s.wg.Wait()
	s.log.Info().Msg("api server stopped")
	return nil
}

func (s *Server) sendResponse(w http.ResponseWriter, r *http.Request, data any) {
	s.sendResponseWithMessage(w, r, data, "", http.StatusOK)
}

func (s *Server) sendResponseWithMessage(w http.ResponseWriter, r *http.Request, data any, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   statusCode < 400,
		Data:      data,
		Message:   message,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now(),
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, r *http.Request, errMsg string, statusCode int) {
	if s.metrics != nil {
		s.metrics.ErrorsTotal.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   false,
		Error:     errMsg,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now(),
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) parseJSONBody(r *http.Request, target any) error {
	body := r.Body
	if s.cfg.MaxRequestSize > 0 {
		if r.ContentLength > s.cfg.MaxRequestSize {
			return fmt.Errorf("request body too large")
		}
		body = http.MaxBytesReader(nil, r.Body, s.cfg.MaxRequestSize)
	}
	return json.NewDecoder(body).Decode(target)
}
