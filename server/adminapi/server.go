// Package adminapi exposes the administrative HTTP surface: message and
// forward-log inspection, tenant and rule CRUD, stats, health, and the
// Prometheus metrics endpoint.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/ratelimit"
)

// AdminDB defines the database operations the API serves.
type AdminDB interface {
	ListRecentMessages(ctx context.Context, status string, tenantID *int64, limit, offset int) ([]*db.Message, error)
	GetMessage(ctx context.Context, id int64) (*db.Message, error)
	ListAttachments(ctx context.Context, messageID int64) ([]*db.Attachment, error)
	ListForwardLogs(ctx context.Context, messageID int64) ([]*db.ForwardLog, error)
	ListRecentForwardLogs(ctx context.Context, status string, limit, offset int) ([]*db.ForwardLog, error)
	CountMessagesByStatus(ctx context.Context) (map[string]int64, error)
	QueueDepth(ctx context.Context, maxAttempts int) (int64, error)

	CreateTenant(ctx context.Context, name string, domains []string, enabled bool, maxMessageSize *int64) (*db.Tenant, error)
	GetTenant(ctx context.Context, id int64) (*db.Tenant, error)
	UpdateTenant(ctx context.Context, id int64, name string, domains []string, enabled bool, maxMessageSize *int64) (*db.Tenant, error)
	DeleteTenant(ctx context.Context, id int64) error
	ListTenants(ctx context.Context) ([]*db.Tenant, error)

	CreateRule(ctx context.Context, input *db.RuleInput) (*db.Rule, error)
	GetRule(ctx context.Context, id int64) (*db.Rule, error)
	UpdateRule(ctx context.Context, id int64, input *db.RuleInput) (*db.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	ListRules(ctx context.Context) ([]*db.Rule, error)
}

// Server is the admin HTTP server. An empty API key disables authentication;
// health and metrics stay open either way.
type Server struct {
	addr           string
	apiKey         string
	database       AdminDB
	limiter        *ratelimit.Limiter
	server         *http.Server
	jobMaxAttempts int
}

func New(cfg *config.APIConfig, database AdminDB, jobMaxAttempts int) (*Server, error) {
	window, err := cfg.GetRateWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid api rate window: %w", err)
	}

	s := &Server{
		addr:           cfg.Addr,
		apiKey:         cfg.APIKey,
		database:       database,
		limiter:        ratelimit.New(cfg.RateLimit > 0, window, cfg.RateLimit),
		jobMaxAttempts: jobMaxAttempts,
	}
	if s.apiKey == "" {
		logger.Warn("API: no api_key configured, authentication disabled")
	}
	return s, nil
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.limiter.Start(ctx)

	go func() {
		<-ctx.Done()
		logger.Info("API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API: error shutting down server", "error", err)
		}
	}()

	logger.Info("API: listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.rateLimitMiddleware)

	// Always open
	router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/messages/{id:[0-9]+}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/forwardlogs", s.handleListForwardLogs).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	api.HandleFunc("/tenants", s.handleListTenants).Methods("GET")
	api.HandleFunc("/tenants", s.handleCreateTenant).Methods("POST")
	api.HandleFunc("/tenants/{id:[0-9]+}", s.handleGetTenant).Methods("GET")
	api.HandleFunc("/tenants/{id:[0-9]+}", s.handleUpdateTenant).Methods("PUT")
	api.HandleFunc("/tenants/{id:[0-9]+}", s.handleDeleteTenant).Methods("DELETE")

	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if res := s.limiter.Check(ip); !res.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(res.ResetAt).Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "X-API-Key header required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return helpers.NormalizeIP(strings.TrimSpace(ips[0]))
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return helpers.NormalizeIP(host)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("API: error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
