package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/wxdb/internal/acid"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/reconcile"
	"github.com/lox/wxdb/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	_, s := setupTestDB(t)
	return s
}

func setupTestDB(t *testing.T) (*sqlx.DB, *store.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, time.UTC)
	require.NoError(t, s.Migrate(ctx))
	return db, s
}

var schedNow = time.Date(2017, 1, 2, 12, 0, 0, 0, time.UTC)

func obsAt(station, at string, v models.Variable, value float64, unit string) models.Observation {
	ts, err := time.Parse(time.RFC3339, at)
	if err != nil {
		panic(err)
	}
	return models.Observation{StationID: station, ObservedAt: ts, Variable: v, Value: value, Unit: unit}
}

func newTestScheduler(t *testing.T, s *store.Store, clock clockwork.Clock, seeds []models.Station, providers ...Provider) *Scheduler {
	t.Helper()
	logger := discardLogger()
	sched := NewScheduler(s, providers, nil,
		reconcile.New(s, reconcile.Config{}, logger),
		acid.NewCleaner(s, acid.CleanerConfig{}, logger),
		SchedulerConfig{Workers: 2, Interval: time.Hour, Seeds: seeds, Clock: clock},
		logger)
	require.NoError(t, sched.RefreshMetadata(context.Background()))
	return sched
}

func TestScheduler_IngestStartsAtWaterYearThenResumes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(schedNow)

	p := &fakeProvider{source: models.SourceMesowest, obs: []models.Observation{
		obsAt("TUM", "2017-01-02T07:58:00Z", models.AirTemp, 5, "Celsius"),
		obsAt("TUM", "2017-01-02T08:01:00Z", models.AirTemp, 7, "Celsius"),
		obsAt("TUM", "2017-01-02T08:01:30Z", models.AirTemp, 9, "Celsius"),
		obsAt("TUM", "2017-01-02T09:00:00Z", models.AirTemp, 10, "Celsius"),
	}}
	seeds := []models.Station{{StationID: "TUM", Source: models.SourceMesowest, Timezone: "America/Los_Angeles", Active: true}}
	sched := newTestScheduler(t, s, clock, seeds, p)

	require.NoError(t, sched.Ingest(ctx))
	calls := p.Calls()
	require.Len(t, calls, 1)
	la, _ := time.LoadLocation("America/Los_Angeles")
	assert.True(t, calls[0].start.Equal(time.Date(2016, 10, 1, 0, 0, 0, 0, la)), "start %s", calls[0].start)
	assert.True(t, calls[0].end.Equal(schedNow))

	n, err := s.CountRows(ctx, store.TierRaw, "TUM")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	clock.Advance(time.Hour)
	require.NoError(t, sched.Ingest(ctx))
	calls = p.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].start.Equal(time.Date(2017, 1, 2, 9, 1, 0, 0, time.UTC)), "resume start %s", calls[1].start)

	health, err := s.GetIngestHealth(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, 2, health[0].SuccessRuns)
}

func TestScheduler_StationFailureDoesNotAbortBatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(schedNow)

	good := &fakeProvider{source: models.SourceCDEC, obs: []models.Observation{
		obsAt("GIN", "2017-01-02T08:00:00Z", models.AirTemp, 41, "DEG F"),
	}}
	bad := &fakeProvider{source: models.SourceMesowest, err: errUnavailable}
	seeds := []models.Station{
		{StationID: "GIN", Source: models.SourceCDEC, Active: true},
		{StationID: "TUM", Source: models.SourceMesowest, Active: true},
	}
	sched := newTestScheduler(t, s, clock, seeds, good, bad)

	require.NoError(t, sched.Ingest(ctx))

	raw, err := s.GetRaw(ctx, "GIN", schedNow.Add(-24*time.Hour), schedNow)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.InDelta(t, 5, raw[0].AirTemp.Float64, 1e-9, "DEG F converted to Celsius")

	errs, err := s.GetRecentIngestErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "TUM", errs[0].StationID.String)
	assert.Contains(t, errs[0].ErrorMessage.String, "unavailable")
	assert.Equal(t, int64(500), errs[0].HTTPStatus.Int64)
}

func TestScheduler_RunOnceReconcilesAndCleans(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(schedNow)

	p := &fakeProvider{source: models.SourceMesowest, obs: []models.Observation{
		obsAt("TUM", "2017-01-02T07:58:00Z", models.AirTemp, 5, "Celsius"),
		obsAt("TUM", "2017-01-02T08:01:00Z", models.AirTemp, 7, "Celsius"),
		obsAt("TUM", "2017-01-02T08:01:30Z", models.AirTemp, 9, "Celsius"),
		obsAt("TUM", "2017-01-02T09:00:00Z", models.AirTemp, 10, "Celsius"),
	}}
	seeds := []models.Station{{StationID: "TUM", Source: models.SourceMesowest, Active: true}}
	sched := newTestScheduler(t, s, clock, seeds, p)

	require.NoError(t, sched.RunOnce(ctx))

	hourly, err := s.GetHourly(ctx, "TUM", schedNow.Add(-24*time.Hour), schedNow)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.True(t, hourly[0].ObservedAt.Equal(time.Date(2017, 1, 2, 8, 0, 0, 0, time.UTC)))
	assert.InDelta(t, 7, hourly[0].AirTemp.Float64, 1e-9)
	assert.InDelta(t, 10, hourly[1].AirTemp.Float64, 1e-9)
	for _, h := range hourly {
		assert.True(t, h.Reconciled)
	}

	// the raw tier is never touched by reconciliation
	n, err := s.CountRows(ctx, store.TierRaw, "TUM")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	cleaned, err := s.GetCleaned(ctx, "TUM", schedNow.Add(-24*time.Hour), schedNow)
	require.NoError(t, err)
	assert.Len(t, cleaned, 2)
}

func TestScheduler_RunTicks(t *testing.T) {
	s := setupTestStore(t)
	clock := clockwork.NewFakeClockAt(schedNow)

	p := &fakeProvider{source: models.SourceMesowest}
	seeds := []models.Station{{StationID: "TUM", Source: models.SourceMesowest, Active: true}}
	sched := newTestScheduler(t, s, clock, seeds, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Len(t, p.Calls(), 1)

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(p.Calls()) == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRefreshMetadata_MergesSeeds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	meta := &fakeMetadata{stations: []models.Station{{
		StationID: "TUM",
		Name:      "TUOLUMNE MEADOWS",
		Latitude:  models.NullFloat(37.87),
		Elevation: models.NullFloat(2621),
		Source:    models.SourceMesowest,
		Active:    true,
	}}}
	seeds := []models.Station{
		{StationID: "TUM", Source: models.SourceMesowest, Timezone: "America/Los_Angeles", Active: true},
		{StationID: "GIN", Name: "Gin Flat", Source: models.SourceCDEC, Active: true},
	}
	sched := NewScheduler(s, nil, meta, nil, nil,
		SchedulerConfig{Client: "tuolumne", Seeds: seeds, Clock: clockwork.NewFakeClockAt(schedNow)},
		discardLogger())

	require.NoError(t, sched.RefreshMetadata(ctx))

	tum, err := s.GetStation(ctx, "TUM")
	require.NoError(t, err)
	assert.Equal(t, "TUOLUMNE MEADOWS", tum.Name)
	assert.Equal(t, "America/Los_Angeles", tum.Timezone)
	assert.Equal(t, "tuolumne", tum.Client)
	assert.InDelta(t, 2621, tum.Elevation.Float64, 1e-9)

	stations, err := s.GetStations(ctx, "tuolumne")
	require.NoError(t, err)
	assert.Len(t, stations, 2)

	meta.err = errUnavailable
	assert.ErrorIs(t, sched.RefreshMetadata(ctx), errUnavailable)
}

func TestScheduler_ReconcileContinuesPastFailingStation(t *testing.T) {
	db, s := setupTestDB(t)
	ctx := context.Background()
	sched := newTestScheduler(t, s, clockwork.NewFakeClockAt(schedNow), nil)

	at := time.Date(2017, 1, 2, 8, 10, 0, 0, time.UTC)
	var recs []models.Record
	for _, id := range []string{"AAA", "TUM"} {
		r := models.Record{StationID: id, ObservedAt: at}
		r.Set(models.AirTemp, 3)
		recs = append(recs, r)
	}
	_, err := s.UpsertHourly(ctx, recs)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE hourly_observations SET air_temp = 'n/a' WHERE station_id = 'AAA'`)
	require.NoError(t, err)

	require.NoError(t, sched.Reconcile(ctx))

	pending, err := s.PendingStations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, pending)

	hourly, err := s.GetHourly(ctx, "TUM", at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.True(t, hourly[0].ObservedAt.Equal(at.Truncate(time.Hour)))
	assert.True(t, hourly[0].Reconciled)
}
