package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lox/wxdb/internal/api"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.New(db, time.UTC)
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func newServer(s *store.Store) *api.Server {
	return api.NewServer(s, ":0", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, srv *api.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

var at = time.Date(2017, 1, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	err := s.UpsertStation(ctx, models.Station{
		StationID: "TUM",
		Name:      "Tuolumne",
		Latitude:  models.NullFloat(37.87),
		Source:    models.SourceMesowest,
		Client:    "tuolumne",
		Active:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := models.Record{StationID: "TUM", ObservedAt: at}
	r.Set(models.AirTemp, 5)
	if _, err := s.UpsertRaw(ctx, []models.Record{r}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertHourly(ctx, []models.Record{r}); err != nil {
		t.Fatal(err)
	}
	c := models.CleanedRecord{Record: r, QualityFlag: "0", CloudFactor: models.NullFloat(0.8)}
	if _, err := s.UpsertCleaned(ctx, []models.CleanedRecord{c}); err != nil {
		t.Fatal(err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(setupTestStore(t))

	w := get(t, srv, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Database != "ok" {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(setupTestStore(t))

	w := get(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics")
	}
}

func TestStationsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := newServer(s)

	w := get(t, srv, "/api/stations")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stations []api.StationView
	if err := json.Unmarshal(w.Body.Bytes(), &stations); err != nil {
		t.Fatal(err)
	}
	if len(stations) != 1 || stations[0].StationID != "TUM" {
		t.Fatalf("unexpected stations %+v", stations)
	}
	if stations[0].Latitude == nil || *stations[0].Latitude != 37.87 {
		t.Errorf("latitude = %v", stations[0].Latitude)
	}
	if stations[0].Elevation != nil {
		t.Errorf("elevation should be null, got %v", *stations[0].Elevation)
	}

	w = get(t, srv, "/api/stations?client=other")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list for unknown client, got %s", w.Body.String())
	}
}

func TestStationEndpoint_NotFound(t *testing.T) {
	t.Parallel()
	srv := newServer(setupTestStore(t))

	w := get(t, srv, "/api/stations/NOPE")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestObservationsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	seed(t, s)
	srv := newServer(s)

	query := "?start=2017-01-01T00:00:00Z&end=2017-01-02T00:00:00Z"
	tests := []struct {
		tier  string
		check func(t *testing.T, v api.ObservationView)
	}{
		{"raw", func(t *testing.T, v api.ObservationView) {
			if v.Reconciled != nil || v.QualityFlag != nil {
				t.Error("raw rows carry no tier fields")
			}
		}},
		{"hourly", func(t *testing.T, v api.ObservationView) {
			if v.Reconciled == nil || *v.Reconciled {
				t.Error("freshly ingested hourly row should be pending")
			}
		}},
		{"cleaned", func(t *testing.T, v api.ObservationView) {
			if v.QualityFlag == nil || *v.QualityFlag != "0" {
				t.Errorf("quality flag = %v", v.QualityFlag)
			}
			if v.CloudFactor == nil || *v.CloudFactor != 0.8 {
				t.Errorf("cloud factor = %v", v.CloudFactor)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			w := get(t, srv, "/api/stations/TUM/"+tt.tier+query)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			var rows []api.ObservationView
			if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
				t.Fatal(err)
			}
			if len(rows) != 1 {
				t.Fatalf("expected 1 row, got %d", len(rows))
			}
			v := rows[0]
			if !v.ObservedAt.Equal(at) {
				t.Errorf("observed_at = %s", v.ObservedAt)
			}
			if temp := v.Values[models.AirTemp]; temp == nil || *temp != 5 {
				t.Errorf("air_temp = %v", temp)
			}
			if v.Values[models.WindSpeed] != nil {
				t.Error("wind_speed should be null")
			}
			tt.check(t, v)
		})
	}
}

func TestObservationsEndpoint_BadRequests(t *testing.T) {
	t.Parallel()
	srv := newServer(setupTestStore(t))

	tests := []struct {
		path string
		want int
	}{
		{"/api/stations/TUM/daily", http.StatusNotFound},
		{"/api/stations/TUM/raw?start=yesterday", http.StatusBadRequest},
		{"/api/stations/TUM/raw?start=2017-01-02T00:00:00Z&end=2017-01-01T00:00:00Z", http.StatusBadRequest},
		{"/api/ingest/errors?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := get(t, srv, tt.path); w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, w.Code)
		}
	}
}

func TestIngestErrorsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.StartIngestRun(ctx, "cdec", "CSVDataServlet", "GIN")
	if err != nil {
		t.Fatal(err)
	}
	run.ErrorMessage.String, run.ErrorMessage.Valid = "status 503", true
	run.HTTPStatus.Int64, run.HTTPStatus.Valid = 503, true
	if err := s.CompleteIngestRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	w := get(t, newServer(s), "/api/ingest/errors")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var errs []api.IngestErrorView
	if err := json.Unmarshal(w.Body.Bytes(), &errs); err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if errs[0].StationID != "GIN" || errs[0].Error != "status 503" || errs[0].HTTPStatus == nil || *errs[0].HTTPStatus != 503 {
		t.Errorf("unexpected error view %+v", errs[0])
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	srv := newServer(setupTestStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPayloadEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	id, err := s.StoreRawPayload(context.Background(), "", "cdec", "CSVDataServlet", "GIN", []byte("STATION_ID,VALUE\n"))
	if err != nil {
		t.Fatal(err)
	}
	srv := newServer(s)

	w := get(t, srv, "/api/payloads/"+strconv.FormatInt(id, 10))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "STATION_ID,VALUE\n" {
		t.Errorf("unexpected body %q", w.Body.String())
	}

	if w := get(t, srv, "/api/payloads/999"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
