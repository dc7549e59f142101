// Package dashboard serves the engine's read-only status API and Prometheus
// metrics.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/ironfly/internal/journal"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/safeguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// LegSource exposes the tracker's view.
type LegSource interface {
	Legs() []models.Leg
	RefreshedAt() time.Time
	PnL() (realised, unrealised float64)
}

// PendingSource exposes the executor's tracked orders.
type PendingSource interface {
	Pending() []models.PendingOrder
	ClosedCount() int
}

// BreakerSource exposes the trading breaker.
type BreakerSource interface {
	State() safeguard.BreakerState
}

// Sources groups what the server reads. Journal and Degraded are optional.
type Sources struct {
	Legs     LegSource
	Pending  PendingSource
	Breaker  BreakerSource
	Journal  journal.Reader
	Degraded func() bool
}

// Config holds server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the status HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	src       Sources
	logger    logrus.FieldLogger
	port      int
	authToken string
	started   time.Time
}

// LegView is a leg as served by /api/legs.
type LegView struct {
	Expiry       string   `json:"expiry"`
	Type         string   `json:"type"`
	Direction    string   `json:"direction"`
	Quantity     int      `json:"quantity"`
	AveragePrice float64  `json:"average_price"`
	Symbol       string   `json:"symbol,omitempty"`
	Strike       int      `json:"strike,omitempty"`
	Symbols      []string `json:"symbols,omitempty"`
}

// LegsResponse is the /api/legs payload.
type LegsResponse struct {
	RefreshedAt   time.Time `json:"refreshed_at"`
	RealisedPnL   float64   `json:"realised_pnl"`
	UnrealisedPnL float64   `json:"unrealised_pnl"`
	Legs          []LegView `json:"legs"`
}

// PendingResponse is the /api/pending payload.
type PendingResponse struct {
	Closed  int                   `json:"closed"`
	Pending []models.PendingOrder `json:"pending"`
}

// NewServer creates a status server. Legs, Pending and Breaker are required.
func NewServer(cfg Config, src Sources, logger logrus.FieldLogger) *Server {
	if src.Legs == nil || src.Pending == nil || src.Breaker == nil {
		panic("dashboard.NewServer: legs, pending and breaker sources must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		src:       src,
		logger:    logger.WithField("component", "dashboard"),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		started:   time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/legs", s.handleLegs)
		r.Get("/pending", s.handlePending)
		r.Get("/breaker", s.handleBreaker)
		r.Get("/journal", s.handleJournal)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting status server on port %d", s.port)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.src.Breaker.State()
	status := "ok"
	if state.Tripped {
		status = "breaker_tripped"
	}
	degraded := false
	if s.src.Degraded != nil {
		degraded = s.src.Degraded()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"uptime_seconds":    int(time.Since(s.started).Seconds()),
		"last_refresh":      s.src.Legs.RefreshedAt(),
		"calendar_degraded": degraded,
	})
}

func (s *Server) handleLegs(w http.ResponseWriter, _ *http.Request) {
	legs := s.src.Legs.Legs()
	realised, unrealised := s.src.Legs.PnL()
	resp := LegsResponse{
		RefreshedAt:   s.src.Legs.RefreshedAt(),
		RealisedPnL:   realised,
		UnrealisedPnL: unrealised,
		Legs:          make([]LegView, 0, len(legs)),
	}
	for _, l := range legs {
		resp.Legs = append(resp.Legs, LegView{
			Expiry:       l.Key.Expiry.Format("2006-01-02"),
			Type:         string(l.Key.Type),
			Direction:    string(l.Key.Direction),
			Quantity:     l.Quantity,
			AveragePrice: l.AveragePrice,
			Symbol:       l.Symbol,
			Strike:       l.Strike,
			Symbols:      l.Symbols,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, PendingResponse{
		Closed:  s.src.Pending.ClosedCount(),
		Pending: s.src.Pending.Pending(),
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.src.Breaker.State())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.src.Journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be in [1,500]", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.src.Journal.RecentOrders(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	snap, err := s.src.Journal.LatestSnapshot(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read snapshot")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []journal.OrderRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"orders":   records,
		"snapshot": snap,
	})
}
