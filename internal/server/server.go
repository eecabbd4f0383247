// Package server provides the HTTP REST API for the answer pipeline.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/events"
	"github.com/adrian/answerforge/internal/jobs"
	"github.com/adrian/answerforge/internal/links"
	"github.com/adrian/answerforge/internal/llm"
	"github.com/adrian/answerforge/internal/resolver"
	"github.com/adrian/answerforge/internal/server/ratelimit"
	"github.com/adrian/answerforge/internal/stagecache"

	pipe "github.com/adrian/answerforge/internal/pipeline"
)

// Store is the persistence surface the API needs: everything the job manager
// uses plus the read and create paths served directly by handlers.
type Store interface {
	jobs.Store
	CreateJob(ctx context.Context, input *db.JobInput) (*db.Job, error)
	ListJobs(ctx context.Context, owner string, limit int) ([]db.Job, error)
	InsertRows(ctx context.Context, jobID uuid.UUID, questions []string) error
	ListStepRecords(ctx context.Context, jobID uuid.UUID, rowIndex int) ([]db.StepRecord, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
}

// Config holds server configuration.
type Config struct {
	Port        int
	DatabaseURL string
	APIKey      string
}

// Server is the HTTP API plus the job manager behind it.
type Server struct {
	httpServer  *http.Server
	store       Store
	manager     *jobs.Manager
	hub         *events.Hub
	rateLimiter *ratelimit.Limiter
	closeStore  func()
}

// New wires the full production stack: database, generation backend, stage
// cache, link validator, resolver, and job manager.
func New(cfg Config) (*Server, error) {
	database, err := db.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	llmConfig := llm.DefaultConfig()
	client, err := llm.NewClient(context.Background(), llmConfig, cfg.APIKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	hub := events.NewHub()
	executor := pipe.NewExecutor(client, llmConfig, stagecache.New(database), links.NewValidator(nil), database)
	manager := jobs.NewManager(database, executor, resolver.New(client, llmConfig), hub, nil)

	s := NewWithDeps(database, manager, hub, cfg)
	s.closeStore = func() {
		_ = client.Close()
		database.Close()
	}
	return s, nil
}

// NewWithDeps builds a server around explicit dependencies.
func NewWithDeps(store Store, manager *jobs.Manager, hub *events.Hub, cfg Config) *Server {
	s := &Server{
		store:       store,
		manager:     manager,
		hub:         hub,
		rateLimiter: ratelimit.NewLimiter(ratelimit.LoadConfig()),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // SSE streams stay open a while
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)

	mux.HandleFunc("POST /jobs/{id}/rows", s.handleAddRows)
	mux.HandleFunc("GET /jobs/{id}/rows", s.handleListRows)
	mux.HandleFunc("GET /jobs/{id}/rows/{index}/steps", s.handleListRowSteps)

	mux.HandleFunc("POST /jobs/{id}/start", s.lifecycleHandler(s.manager.Start))
	mux.HandleFunc("POST /jobs/{id}/pause", s.lifecycleHandler(s.manager.Pause))
	mux.HandleFunc("POST /jobs/{id}/resume", s.lifecycleHandler(s.manager.Resume))
	mux.HandleFunc("POST /jobs/{id}/reset", s.lifecycleHandler(s.manager.Reset))
	mux.HandleFunc("POST /jobs/{id}/reprocess", s.lifecycleHandler(s.manager.Reprocess))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.lifecycleHandler(s.manager.Cancel))

	mux.HandleFunc("GET /jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withRateLimit(s.withLogging(s.withCORS(mux)))
}

// Start listens for requests until interrupted, then shuts down gracefully.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop processing loops; interrupted jobs stay resumable.
	s.manager.Close()
	s.rateLimiter.Stop()
	if s.closeStore != nil {
		s.closeStore()
	}
	log.Println("Server stopped")
	return nil
}

// withCORS adds CORS headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// withRateLimit enforces per-client budgets.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		if info.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
		}
		if !allowed {
			if info.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(info.RetryAfter.Seconds())))
			}
			s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID identifies a client by IP address.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response.
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
