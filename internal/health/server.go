// Package health exposes a small HTTP endpoint for liveness monitoring.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"blocky-maker-go/gateway"
)

// EngineStatus is the orchestrator state snapshot the endpoint reports.
type EngineStatus struct {
	Markets         []string
	WSConnected     bool
	PriceModelOK    bool
	OrdersPlaced    int64
	OrdersCancelled int64
	LastCycle       time.Time
}

// StatusSource provides the current engine view. Implemented by engine.Engine.
type StatusSource interface {
	HealthStatus() EngineStatus
}

// Server serves GET /health with a JSON status document. Returns 503 when
// the circuit breaker is open or the price model is degraded, so load
// balancers and alerting can react without parsing the body.
type Server struct {
	source  StatusSource
	limiter *gateway.SlidingWindowLimiter
	breaker *gateway.CircuitBreaker
	srv     *http.Server
}

// NewServer builds the health server. limiter and breaker may be nil in tests.
func NewServer(addr string, source StatusSource, limiter *gateway.SlidingWindowLimiter, breaker *gateway.CircuitBreaker) *Server {
	s := &Server{source: source, limiter: limiter, breaker: breaker}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthPayload struct {
	Status          string         `json:"status"`
	MarketsCount    int            `json:"markets_count"`
	Markets         []string       `json:"markets"`
	CircuitBreaker  string         `json:"circuit_breaker"`
	WSConnected     bool           `json:"websocket_connected"`
	PriceModelOK    bool           `json:"price_model_healthy"`
	OrdersPlaced    int64          `json:"orders_placed"`
	OrdersCancelled int64          `json:"orders_cancelled"`
	LastCycle       string         `json:"last_cycle,omitempty"`
	RateLimiter     *limiterDetail `json:"rate_limiter,omitempty"`
	BreakerDetail   *breakerDetail `json:"circuit_breaker_details,omitempty"`
}

type limiterDetail struct {
	TotalRequests int64 `json:"total_requests"`
	TotalWaits    int64 `json:"total_waits"`
	InWindow      int   `json:"in_window"`
}

type breakerDetail struct {
	Failures     int   `json:"failures"`
	TotalBlocked int64 `json:"total_blocked"`
	TotalTrips   int64 `json:"total_trips"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.source.HealthStatus()

	breakerState := gateway.BreakerClosed
	if s.breaker != nil {
		breakerState = s.breaker.State()
	}

	payload := healthPayload{
		MarketsCount:    len(status.Markets),
		Markets:         status.Markets,
		CircuitBreaker:  breakerState.String(),
		WSConnected:     status.WSConnected,
		PriceModelOK:    status.PriceModelOK,
		OrdersPlaced:    status.OrdersPlaced,
		OrdersCancelled: status.OrdersCancelled,
	}
	if !status.LastCycle.IsZero() {
		payload.LastCycle = status.LastCycle.UTC().Format(time.RFC3339)
	}
	if s.limiter != nil {
		ls := s.limiter.Stats()
		payload.RateLimiter = &limiterDetail{
			TotalRequests: ls.TotalRequests,
			TotalWaits:    ls.TotalWaits,
			InWindow:      ls.InWindow,
		}
	}
	if s.breaker != nil {
		bs := s.breaker.Stats()
		payload.BreakerDetail = &breakerDetail{
			Failures:     bs.FailureCount,
			TotalBlocked: bs.TotalBlocked,
			TotalTrips:   bs.TotalTrips,
		}
	}

	healthy := breakerState != gateway.BreakerOpen && status.PriceModelOK
	code := http.StatusOK
	if healthy {
		payload.Status = "healthy"
	} else {
		payload.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
