// Package api provides the operator HTTP API for the knowledge base.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/identity"
	"github.com/quantumlife/knowledgebase/internal/ledger"
	"github.com/quantumlife/knowledgebase/internal/logging"
	"github.com/quantumlife/knowledgebase/internal/modelprovider"
	"github.com/quantumlife/knowledgebase/internal/scheduler"
	"github.com/quantumlife/knowledgebase/internal/schema"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	// Core
	store   storage.ResourceStore
	codec   *codec.Codec
	hashes  *hashstore.Store
	schemas *schema.Manager
	session *identity.Provider

	// Model providers
	embedder *modelprovider.TextEmbeddingProvider
	signer   *modelprovider.DigitalSignatureProvider

	// Ledger (audit trail)
	ledgerStore    *ledger.Store
	ledgerRecorder *ledger.Recorder

	scheduler *scheduler.Scheduler
	gatherer  prometheus.Gatherer
	wsHub     *WebSocketHub
	log       *logging.Logger
}

// Config for the server
type Config struct {
	Host string
	Port int

	Store   storage.ResourceStore
	Codec   *codec.Codec
	Hashes  *hashstore.Store
	Schemas *schema.Manager
	Session *identity.Provider

	Embedder *modelprovider.TextEmbeddingProvider
	Signer   *modelprovider.DigitalSignatureProvider

	LedgerStore *ledger.Store

	// Scheduler enables /api/v1/jobs when set.
	Scheduler *scheduler.Scheduler

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// New creates a new API server
func New(cfg Config) *Server {
	c := cfg.Codec
	if c == nil {
		c = codec.New(cfg.Store)
	}
	hashes := cfg.Hashes
	if hashes == nil {
		hashes = hashstore.New(cfg.Store)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	var ledgerRecorder *ledger.Recorder
	if cfg.LedgerStore != nil {
		ledgerRecorder = ledger.NewRecorder(cfg.LedgerStore)
	}

	s := &Server{
		store:          cfg.Store,
		codec:          c,
		hashes:         hashes,
		schemas:        cfg.Schemas,
		session:        cfg.Session,
		embedder:       cfg.Embedder,
		signer:         cfg.Signer,
		ledgerStore:    cfg.LedgerStore,
		ledgerRecorder: ledgerRecorder,
		scheduler:      cfg.Scheduler,
		gatherer:       gatherer,
		wsHub:          NewWebSocketHub(),
		log:            logging.For("api"),
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// WebSocket stays outside the timeout middleware
	r.Get("/ws", s.wsHub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Resource store
		r.Get("/types", s.handleGetTypes)
		r.Get("/records", s.handleListRecords)
		r.Get("/record", s.handleGetRecord)

		// Type configuration
		r.Get("/typeconfig", s.handleGetTypeConfigs)
		r.Get("/typeconfig/{type}", s.handleGetTypeConfig)
		r.Put("/typeconfig/{type}", s.handlePutTypeConfig)
		r.Delete("/typeconfig/{type}", s.handleDeleteTypeConfig)

		// Hash store
		r.Post("/hash", s.handleStoreHash)
		r.Get("/hash/{hash}", s.handleGetHash)

		if s.session != nil {
			NewSessionAPI(s).RegisterRoutes(r)
		}

		if s.schemas != nil {
			NewSchemaAPI(s).RegisterRoutes(r)
		}

		if s.embedder != nil || s.signer != nil {
			NewModelsAPI(s).RegisterRoutes(r)
		}

		// Ledger API (read-only audit trail)
		if s.ledgerStore != nil {
			NewLedgerAPI(s.ledgerStore).RegisterRoutes(r)
		}

		if s.scheduler != nil {
			NewJobsAPI(s, s.scheduler).RegisterRoutes(r)
		}
	})

	s.router = r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.wsHub.Run()

	s.log.Info("API server starting on http://%s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends a message to all WebSocket clients
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.wsHub.Broadcast(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto HTTP status codes. Messages are passed
// through unchanged.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.WithError(err).Error("request failed")
	}
	s.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNoActiveUser), errors.Is(err, core.ErrNoActiveIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrIdentityNotLinked):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUserNotFound), errors.Is(err, core.ErrIdentityNotFound),
		errors.Is(err, core.ErrRecordNotFound), errors.Is(err, core.ErrOutputNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrLastIdentity), errors.Is(err, core.ErrUserHasNoIdentity):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrMissingRequired),
		errors.Is(err, core.ErrMissingCreator), errors.Is(err, core.ErrInvalidPointer),
		errors.Is(err, core.ErrReservedType):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrKeysUnavailable):
		return http.StatusPreconditionFailed
	case errors.Is(err, core.ErrEmbeddingFailed):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrIndexUnavailable), errors.Is(err, core.ErrBackendUnavailable),
		errors.Is(err, core.ErrStoreClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads the request body into v, answering 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	if _, err := s.store.GetResourceTypes(r.Context()); err != nil {
		status["status"] = "degraded"
		status["store"] = err.Error()
		s.respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["clients"] = s.wsHub.ClientCount()
	s.respondJSON(w, http.StatusOK, status)
}
