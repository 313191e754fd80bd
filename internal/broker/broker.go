package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/monitoring"
	"github.com/farhan-ahmed1/llmhub/internal/pipeline"
	"github.com/farhan-ahmed1/llmhub/internal/preprocess"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
)

// Broker provides the HTTP API for generation requests
type Broker struct {
	addr          string
	readTimeout   time.Duration
	writeTimeout  time.Duration
	orchestrator  *pipeline.Orchestrator
	store         storage.Store
	queue         queue.Queue
	preprocessors *preprocess.Registry
	metrics       *monitoring.Metrics
	validate      *validator.Validate
	server        *http.Server
	serverMu      sync.RWMutex
	logger        *logger.Logger

	// Shutdown
	ready chan struct{}
}

// Config holds broker configuration
type Config struct {
	Addr         string // e.g., ":8000"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Orchestrator  *pipeline.Orchestrator
	Store         storage.Store
	Queue         queue.Queue
	Preprocessors *preprocess.Registry
	Metrics       *monitoring.Metrics
	Logger        *logger.Logger
}

// NewBroker creates a new broker instance
func NewBroker(cfg Config) *Broker {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.Preprocessors == nil {
		cfg.Preprocessors = preprocess.NewRegistry()
	}

	// Create logger for broker
	brokerLogger := cfg.Logger
	if brokerLogger == nil {
		brokerLogger = logger.GetDefault()
	}
	if brokerLogger == nil {
		brokerLogger = logger.New("info", "text", "broker")
	} else {
		brokerLogger = brokerLogger.WithComponent("broker")
	}

	return &Broker{
		addr:          cfg.Addr,
		readTimeout:   cfg.ReadTimeout,
		writeTimeout:  cfg.WriteTimeout,
		orchestrator:  cfg.Orchestrator,
		store:         cfg.Store,
		queue:         cfg.Queue,
		preprocessors: cfg.Preprocessors,
		metrics:       cfg.Metrics,
		validate:      validator.New(),
		logger:        brokerLogger,
		ready:         make(chan struct{}),
	}
}

// Routes builds the HTTP handler
func (b *Broker) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(b.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(b.withCORS)

	r.Get("/", b.handleRoot)
	r.Get("/health", b.handleHealth)
	r.Handle("/metrics", b.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", b.handleListModels)
		r.Post("/generate/{model}", b.handleGenerate)
		r.Get("/result/{id}", b.handleGetResult)
		r.Get("/queue/stats", b.handleQueueStats)
		r.Get("/queue/dead-letters", b.handleDeadLetters)
	})

	return r
}

// Start starts the HTTP server
func (b *Broker) Start() error {
	server := &http.Server{
		Addr:         b.addr,
		Handler:      b.Routes(),
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	b.serverMu.Lock()
	b.server = server
	b.serverMu.Unlock()

	// Signal that broker is ready
	close(b.ready)

	b.logger.Info("Starting broker server", logger.Fields{
		"address": b.addr,
	})
	return server.ListenAndServe()
}

// Ready returns a channel that is closed when the broker is ready
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Stop gracefully shuts down the broker
func (b *Broker) Stop(ctx context.Context) error {
	b.serverMu.RLock()
	server := b.server
	b.serverMu.RUnlock()

	if server == nil {
		return nil
	}

	b.logger.Info("Shutting down broker server")
	return server.Shutdown(ctx)
}

// withLogging logs all HTTP requests
func (b *Broker) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		b.logger.Debug("HTTP request", logger.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
			"duration":   time.Since(start).String(),
		})
	})
}

// withCORS adds CORS headers
func (b *Broker) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
