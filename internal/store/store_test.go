package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lox/wxdb/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db, time.UTC)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func nf(x float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: x, Valid: true}
}

func record(station, at string, temp float64) models.Record {
	r := models.Record{StationID: station, ObservedAt: ts(at)}
	r.AirTemp = nf(temp)
	return r
}

func TestUpsertAndGetStation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	station := models.Station{
		StationID: "TUM",
		Name:      "Tuolumne Meadows",
		Latitude:  nf(37.87),
		Longitude: nf(-119.35),
		Elevation: nf(2621),
		Source:    models.SourceCDEC,
		Timezone:  "America/Los_Angeles",
		Client:    "TUOL",
		Active:    true,
	}

	if err := store.UpsertStation(ctx, station); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}

	stations, err := store.GetStations(ctx, "")
	if err != nil {
		t.Fatalf("GetStations: %v", err)
	}
	if len(stations) != 1 {
		t.Fatalf("len(stations) = %d, want 1", len(stations))
	}
	if stations[0].StationID != "TUM" {
		t.Errorf("StationID = %q, want TUM", stations[0].StationID)
	}
	if stations[0].Source != models.SourceCDEC {
		t.Errorf("Source = %q, want cdec", stations[0].Source)
	}
	if !stations[0].Elevation.Valid || stations[0].Elevation.Float64 != 2621 {
		t.Errorf("Elevation = %v, want 2621", stations[0].Elevation)
	}

	got, err := store.GetStation(ctx, "TUM")
	if err != nil {
		t.Fatalf("GetStation: %v", err)
	}
	if got.Name != "Tuolumne Meadows" {
		t.Errorf("Name = %q", got.Name)
	}

	if _, err := store.GetStation(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStation(missing) err = %v, want ErrNotFound", err)
	}
}

func TestUpsertStation_KeepsCoordinatesWhenUpdateHasNone(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st := models.Station{StationID: "BOGUS", Name: "Original", Latitude: nf(43.7), Source: models.SourceMesowest, Active: true}
	if err := store.UpsertStation(ctx, st); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}

	st.Name = "Updated"
	st.Latitude = sql.NullFloat64{}
	if err := store.UpsertStation(ctx, st); err != nil {
		t.Fatalf("UpsertStation update: %v", err)
	}

	got, err := store.GetStation(ctx, "BOGUS")
	if err != nil {
		t.Fatalf("GetStation: %v", err)
	}
	if got.Name != "Updated" {
		t.Errorf("Name = %q, want Updated", got.Name)
	}
	if !got.Latitude.Valid || got.Latitude.Float64 != 43.7 {
		t.Errorf("Latitude = %v, want 43.7 preserved", got.Latitude)
	}
}

func TestGetStations_FilterClientAndInactive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, st := range []models.Station{
		{StationID: "A", Source: models.SourceCDEC, Client: "BRB", Active: true},
		{StationID: "B", Source: models.SourceMesowest, Client: "BRB", Active: true},
		{StationID: "C", Source: models.SourceCDEC, Client: "TUOL", Active: true},
		{StationID: "D", Source: models.SourceCDEC, Client: "BRB", Active: false},
	} {
		if err := store.UpsertStation(ctx, st); err != nil {
			t.Fatalf("UpsertStation %s: %v", st.StationID, err)
		}
	}

	brb, err := store.GetStations(ctx, "BRB")
	if err != nil {
		t.Fatalf("GetStations: %v", err)
	}
	if len(brb) != 2 {
		t.Fatalf("len(BRB stations) = %d, want 2", len(brb))
	}

	cdec, err := store.GetStationsBySource(ctx, models.SourceCDEC, "")
	if err != nil {
		t.Fatalf("GetStationsBySource: %v", err)
	}
	if len(cdec) != 2 {
		t.Errorf("len(cdec stations) = %d, want 2", len(cdec))
	}
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("version = %d, want %d", v, len(migrations))
	}

	// re-running is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestMigrationRender(t *testing.T) {
	for _, m := range migrations {
		for _, d := range []Dialect{DialectSQLite, DialectPostgres} {
			q := m.render(d)
			for placeholder := range dialectTypes[d] {
				if strings.Contains(q, placeholder) {
					t.Errorf("migration %d (%s) still contains %s", m.Version, d, placeholder)
				}
			}
			if strings.Contains(q, "{{readings}}") {
				t.Errorf("migration %d (%s) still contains {{readings}}", m.Version, d)
			}
		}
	}
}

func TestIngestRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartIngestRun(ctx, "cdec", "CSVDataServlet", "TUM")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run ID is empty")
	}

	run.Success = false
	run.HTTPStatus = sql.NullInt64{Int64: 503, Valid: true}
	run.ErrorMessage = sql.NullString{String: "unavailable", Valid: true}
	if err := store.CompleteIngestRun(ctx, run); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	errs, err := store.GetRecentIngestErrors(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentIngestErrors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("len(errors) = %d, want 1", len(errs))
	}
	if errs[0].ID != run.ID {
		t.Errorf("ID = %s, want %s", errs[0].ID, run.ID)
	}
	if errs[0].ErrorMessage.String != "unavailable" {
		t.Errorf("ErrorMessage = %q", errs[0].ErrorMessage.String)
	}

	ok, err := store.StartIngestRun(ctx, "cdec", "CSVDataServlet", "TUM")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	ok.Success = true
	ok.RecordsStored = sql.NullInt64{Int64: 24, Valid: true}
	if err := store.CompleteIngestRun(ctx, ok); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	health, err := store.GetIngestHealth(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetIngestHealth: %v", err)
	}
	if len(health) != 1 {
		t.Fatalf("len(health) = %d, want 1", len(health))
	}
	h := health[0]
	if h.TotalRuns != 2 || h.SuccessRuns != 1 || h.FailedRuns != 1 || h.TotalRecords != 24 {
		t.Errorf("health = %+v", h)
	}
}

func TestRawPayload_RoundTripAndDedup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"STATION":[{"STID":"BOGUS"}]}`)
	id, err := store.StoreRawPayload(ctx, "run-1", "mesowest", "stations/timeseries", "BOGUS", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("expected new payload id")
	}

	dup, err := store.StoreRawPayload(ctx, "run-2", "mesowest", "stations/timeseries", "BOGUS", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate id = %d, want 0", dup)
	}

	got, err := store.GetRawPayload(ctx, id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s, want %s", got, payload)
	}

	n, err := store.CleanupOldRawPayloads(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupOldRawPayloads: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}
}

func TestChunk(t *testing.T) {
	got := chunk(5, 2)
	want := [][2]int{{0, 2}, {2, 4}, {4, 5}}
	if len(got) != len(want) {
		t.Fatalf("chunk = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if len(chunk(0, 10)) != 0 {
		t.Error("chunk(0) should be empty")
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDialect(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDialect(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSQLiteDSN(t *testing.T) {
	if got := sqliteDSN("data/wx.db"); got != "data/wx.db?"+sqlitePragmas {
		t.Errorf("sqliteDSN = %q", got)
	}
	if got := sqliteDSN("file:wx.db?mode=rwc"); got != "file:wx.db?mode=rwc&"+sqlitePragmas {
		t.Errorf("sqliteDSN = %q", got)
	}
	custom := "wx.db?_pragma=busy_timeout(100)"
	if got := sqliteDSN(custom); got != custom {
		t.Errorf("sqliteDSN should keep explicit pragmas, got %q", got)
	}
}
