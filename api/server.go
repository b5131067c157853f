package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/liqtrader/pkg/health"
	"github.com/gregtusar/liqtrader/pkg/metrics"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/sirupsen/logrus"
)

type HealthChecker interface {
	Check(ctx context.Context) (health.Status, error)
}

type PositionSource interface {
	Position() models.Position
}

// Options wires the read-only sources behind the dashboard. Nil sources answer 503.
type Options struct {
	Symbol     string
	Port       int
	JWTSecret  string
	Health     HealthChecker
	Iterations store.IterationLog
	Position   PositionSource
}

type Server struct {
	opts      Options
	jwtSecret string
	logger    *logrus.Logger
}

func NewServer(opts Options, logger *logrus.Logger) *Server {
	return &Server{opts: opts, jwtSecret: opts.JWTSecret, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/iterations", s.handleIterations)
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.Handle("/metrics", metrics.Handler())

	return corsMiddleware(s.authMiddleware(mux))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.opts.Port).Info("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Health == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "health check not configured"})
		return
	}

	st, err := s.opts.Health.Check(r.Context())
	status := http.StatusOK
	if err != nil && !errors.Is(err, health.ErrNoTicks) {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, st)
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Iterations == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "iteration log not configured"})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.opts.Iterations.RecentIterations(r.Context(), s.opts.Symbol, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read iteration log")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []models.IterationRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Position == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no executor in this process"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Position.Position())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
