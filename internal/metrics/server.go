package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rsibot/internal/state"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type PositionSource interface {
	Snapshot() map[string]state.Position
}

// Server exposes metrics, health and the ledger over HTTP.
type Server struct {
	router *mux.Router
	server *http.Server
}

// NewServer builds the router. Health reports unhealthy once no cycle
// has succeeded within staleAfter.
func NewServer(addr string, m *Metrics, ledger PositionSource, staleAfter time.Duration) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthHandler(m, staleAfter, time.Now)).Methods(http.MethodGet)
	router.HandleFunc("/positions", positionsHandler(ledger)).Methods(http.MethodGet)

	return &Server{
		router: router,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("metrics server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func healthHandler(m *Metrics, staleAfter time.Duration, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Health()
		status := http.StatusOK
		if health.LastSuccess.IsZero() || now().Sub(health.LastSuccess) > staleAfter {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

type positionView struct {
	Qty        int    `json:"qty"`
	EntryPrice string `json:"entry_price,omitempty"`
}

func positionsHandler(ledger PositionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := ledger.Snapshot()
		out := make(map[string]positionView, len(snapshot))
		for symbol, pos := range snapshot {
			view := positionView{Qty: pos.Qty}
			if !pos.Flat() {
				view.EntryPrice = pos.EntryPrice.String()
			}
			out[symbol] = view
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response failed")
	}
}
