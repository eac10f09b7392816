package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lox/wxdb/internal/store"
)

type HealthStatus struct {
	Status   string                      `json:"status"`
	Database string                      `json:"database"`
	Ingest   []store.IngestHealthSummary `json:"ingest"`
	Error    string                      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Database: "down", Error: err.Error()})
		return
	}

	health := HealthStatus{Status: "ok", Database: "ok"}
	ingest, err := s.store.GetIngestHealth(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		health.Status = "degraded"
		health.Error = err.Error()
	}
	health.Ingest = ingest
	if health.Ingest == nil {
		health.Ingest = []store.IngestHealthSummary{}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	client := r.URL.Query().Get("client")
	if client == "" {
		client = s.client
	}
	stations, err := s.store.GetStations(r.Context(), client)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]StationView, 0, len(stations))
	for _, st := range stations {
		out = append(out, stationView(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStation(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stationView(*st))
}

// parseRange reads start and end (RFC3339) from the query, defaulting to
// the last 24 hours.
func (s *Server) parseRange(r *http.Request) (time.Time, time.Time, error) {
	end := s.now().UTC()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("end: expected RFC3339 time")
		}
		end = t.UTC()
	}
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("start: expected RFC3339 time")
		}
		start = t.UTC()
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end is before start")
	}
	return start, end, nil
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tier, err := store.ParseTier(vars["tier"])
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	start, end, err := s.parseRange(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	id := vars["id"]
	var out []ObservationView
	switch tier {
	case store.TierRaw:
		recs, err := s.store.GetRaw(ctx, id, start, end)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		out = make([]ObservationView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, recordView(rec))
		}
	case store.TierHourly:
		recs, err := s.store.GetHourly(ctx, id, start, end)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		out = make([]ObservationView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, hourlyView(rec))
		}
	case store.TierCleaned:
		recs, err := s.store.GetCleaned(ctx, id, start, end)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		out = make([]ObservationView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, cleanedView(rec))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngestHealth(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("hours: expected a positive integer"))
			return
		}
		hours = n
	}
	summary, err := s.store.GetIngestHealth(r.Context(), s.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if summary == nil {
		summary = []store.IngestHealthSummary{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleIngestErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("limit: expected a positive integer"))
			return
		}
		limit = min(n, 1000)
	}
	runs, err := s.store.GetRecentIngestErrors(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]IngestErrorView, 0, len(runs))
	for _, run := range runs {
		v := IngestErrorView{
			ID:        run.ID,
			StartedAt: run.StartedAt,
			Source:    run.Source,
			Endpoint:  run.Endpoint,
			StationID: run.StationID.String,
			Error:     run.ErrorMessage.String,
		}
		if run.HTTPStatus.Valid {
			status := run.HTTPStatus.Int64
			v.HTTPStatus = &status
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePayload returns a stored provider response body as received.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	body, err := s.store.GetRawPayload(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(body))
	w.Write(body)
}
