// Package api serves the operational HTTP endpoints: health, metrics and
// read access to stations, observation tiers and ingest errors.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/wxdb/internal/store"
)

type Server struct {
	store  *store.Store
	addr   string
	client string
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(st *store.Store, addr, client string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		addr:   addr,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stations", s.handleStations).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", s.handleStation).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}/{tier}", s.handleObservations).Methods(http.MethodGet)
	api.HandleFunc("/ingest/health", s.handleIngestHealth).Methods(http.MethodGet)
	api.HandleFunc("/ingest/errors", s.handleIngestErrors).Methods(http.MethodGet)
	api.HandleFunc("/payloads/{id:[0-9]+}", s.handlePayload).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api: shutdown", "error", err)
		}
	}()

	s.logger.Info("api: listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
