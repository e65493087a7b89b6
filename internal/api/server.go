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
	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/pbaille/popdismiss/internal/resolver"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes bounds a diagnose request; base64 screenshots are large
const maxBodyBytes = 32 << 20

// Resolver runs the popup resolution pipeline
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Result, error)
}

// Catalog lists what the registry has learned
type Catalog interface {
	ListTemplates(ctx context.Context, limit int) ([]domain.TemplateEntry, error)
	ListElements(ctx context.Context, screenshotID string) ([]domain.ElementRecord, error)
}

// Server handles HTTP requests for the popup resolution API
type Server struct {
	resolver Resolver
	catalog  Catalog
	logger   *logrus.Logger
	addr     string
	now      func() time.Time
}

// New creates a new API server
func New(r Resolver, c Catalog, logger *logrus.Logger, addr string) *Server {
	return &Server{resolver: r, catalog: c, logger: logger, addr: addr, now: time.Now}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/diagnose", s.diagnose)
		r.Get("/templates", s.listTemplates)
		r.Get("/screenshots/{id}/elements", s.listElements)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.addr).Info("starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

// withCORS adds CORS headers for browser tooling
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
		}).Info("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"msg": message})
}
