// Package server exposes a small read-only HTTP surface: health, Prometheus
// metrics and the current wash-sale ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/washguard/engine"
	"github.com/rustyeddy/washguard/ledger"
)

type Server struct {
	router *mux.Router
	http   *http.Server
	ledger *ledger.Ledger
	loc    *time.Location
	log    zerolog.Logger

	mu   sync.RWMutex
	last *engine.Report

	// Now defaults to time.Now.
	Now func() time.Time
}

// New builds the router. gatherer serves /metrics; nil uses the default
// Prometheus registry.
func New(addr string, l *ledger.Ledger, gatherer prometheus.Gatherer, loc *time.Location, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		router: mux.NewRouter(),
		ledger: l,
		loc:    loc,
		log:    logger.With().Str("component", "server").Logger(),
		Now:    time.Now,
	}

	s.router.Use(s.requestLoggingMiddleware)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	api.HandleFunc("/ledger", s.listLedger).Methods(http.MethodGet)
	api.HandleFunc("/ledger/{symbol}", s.ledgerEntry).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// RecordCycle keeps the latest report for /healthz.
func (s *Server) RecordCycle(rep engine.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &rep
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("status server listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status        string         `json:"status"`
	LedgerEntries int            `json:"ledger_entries"`
	LastCycle     *cycleResponse `json:"last_cycle,omitempty"`
}

type cycleResponse struct {
	ID       string         `json:"id"`
	Finished time.Time      `json:"finished"`
	Outcomes map[string]int `json:"outcomes"`
}

type ledgerEntry struct {
	Symbol        string `json:"symbol"`
	SoldOn        string `json:"sold_on"`
	DaysRemaining int    `json:"days_remaining"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", LedgerEntries: s.ledger.Len()}

	s.mu.RLock()
	if s.last != nil {
		c := &cycleResponse{ID: s.last.CycleID, Finished: s.last.Finished, Outcomes: map[string]int{}}
		for _, res := range s.last.Results {
			c.Outcomes[res.Outcome]++
		}
		resp.LastCycle = c
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) today() civil.Date {
	return civil.DateOf(s.Now().In(s.loc))
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	today := s.today()
	entries := s.ledger.Entries()

	out := make([]ledgerEntry, 0, len(entries))
	for sym, sold := range entries {
		out = append(out, ledgerEntry{Symbol: sym, SoldOn: sold.String(), DaysRemaining: s.ledger.Remaining(sym, today)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) ledgerEntry(w http.ResponseWriter, r *http.Request) {
	sym := mux.Vars(r)["symbol"]
	sold, ok := s.ledger.Entries()[sym]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "symbol not in ledger"})
		return
	}
	s.writeJSON(w, http.StatusOK, ledgerEntry{Symbol: sym, SoldOn: sold.String(), DaysRemaining: s.ledger.Remaining(sym, s.today())})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
