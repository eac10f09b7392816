package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/lox/wxdb/internal/acid"
	"github.com/lox/wxdb/internal/metrics"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/reconcile"
	"github.com/lox/wxdb/internal/store"
)

// MetadataSource looks up station details from a provider.
type MetadataSource interface {
	Metadata(ctx context.Context, stationIDs []string) ([]models.Station, []byte, error)
}

type SchedulerConfig struct {
	Workers  int
	Interval time.Duration
	// Client restricts processing to one station group. Empty processes
	// every active station.
	Client string
	// Lookback is how far back each pass re-cleans.
	Lookback time.Duration
	// Seeds are station records upserted by RefreshMetadata before the
	// provider lookup.
	Seeds []models.Station
	Clock clockwork.Clock
}

// Scheduler drives ingest, reconciliation and cleaning for every station.
type Scheduler struct {
	store      *store.Store
	providers  map[models.Source]Provider
	metadata   MetadataSource
	reconciler *reconcile.Reconciler
	cleaner    *acid.Cleaner
	clock      clockwork.Clock
	workers    int
	interval   time.Duration
	client     string
	lookback   time.Duration
	seeds      []models.Station
	logger     *slog.Logger
}

func NewScheduler(st *store.Store, providers []Provider, metadata MetadataSource, rec *reconcile.Reconciler, cleaner *acid.Cleaner, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[models.Source]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Scheduler{
		store:      st,
		providers:  byName,
		metadata:   metadata,
		reconciler: rec,
		cleaner:    cleaner,
		clock:      cfg.Clock,
		workers:    cfg.Workers,
		interval:   cfg.Interval,
		client:     cfg.Client,
		lookback:   cfg.Lookback,
		seeds:      cfg.Seeds,
		logger:     logger,
	}
}

// Run performs a pass immediately and then once per interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduler: pass failed", "error", err)
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: shutting down")
			return
		case <-ticker.Chan():
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("scheduler: pass failed", "error", err)
			}
		}
	}
}

// RunOnce ingests, reconciles and cleans every station in that order. A
// failing stage is reported but does not stop the later ones.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	if err := s.Ingest(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := s.Reconcile(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}
	if err := s.Clean(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clean: %w", err))
	}
	return errors.Join(errs...)
}

// forEachStation runs fn for every station on the worker pool. Station
// failures are logged and counted; only cancellation is returned.
func (s *Scheduler) forEachStation(ctx context.Context, stage string, stations []models.Station, fn func(context.Context, models.Station) error) error {
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, st := range stations {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(gctx, st); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				s.logger.Warn(stage+": station failed", "station", st.StationID, "source", st.Source, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	metrics.LastRunTimestamp.WithLabelValues(stage).Set(float64(s.clock.Now().Unix()))
	s.logger.Info(stage+": done", "stations", len(stations), "failed", failed.Load())
	return err
}

// Ingest fetches new observations for every active station into the raw
// and hourly tiers.
func (s *Scheduler) Ingest(ctx context.Context) error {
	stations, err := s.store.GetStations(ctx, s.client)
	if err != nil {
		return err
	}
	return s.forEachStation(ctx, "ingest", stations, s.IngestStation)
}

// IngestStation fetches observations from the station's last raw timestamp
// (or the start of the water year for a new station) up to now.
func (s *Scheduler) IngestStation(ctx context.Context, st models.Station) error {
	provider, ok := s.providers[st.Source]
	if !ok {
		return fmt.Errorf("no provider for source %q", st.Source)
	}
	log := s.logger.With("station", st.StationID, "source", st.Source)

	now := s.clock.Now().UTC().Truncate(time.Minute)
	start := WaterYear(now, st.Location()).UTC()
	last, ok, err := s.store.LastRawTime(ctx, st.StationID)
	if err != nil {
		return err
	}
	if ok {
		start = last.Add(time.Minute)
	}
	if !start.Before(now) {
		log.Debug("ingest: up to date", "last", last)
		return nil
	}

	run, err := s.store.StartIngestRun(ctx, string(st.Source), provider.Endpoint(), st.StationID)
	if err != nil {
		log.Warn("ingest: could not record run", "error", err)
	}

	res, fetchErr := provider.Fetch(ctx, st.StationID, start, now)
	if res == nil {
		res = &FetchResult{}
	}
	if run != nil {
		run.HTTPStatus = sql.NullInt64{Int64: int64(res.HTTPStatus), Valid: res.HTTPStatus > 0}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(res.Body)), Valid: len(res.Body) > 0}
		run.RecordsParsed = sql.NullInt64{Int64: int64(len(res.Observations)), Valid: true}
		if res.ParseErrors > 0 {
			run.ParseErrors = sql.NullInt64{Int64: int64(res.ParseErrors), Valid: true}
			run.ErrorMessage = sql.NullString{String: res.ParseError, Valid: true}
			log.Warn("ingest: parse errors", "count", res.ParseErrors, "first", res.ParseError)
		}
		if len(res.Body) > 0 {
			if _, err := s.store.StoreRawPayload(ctx, run.ID, string(st.Source), provider.Endpoint(), st.StationID, res.Body); err != nil {
				log.Warn("ingest: store raw payload", "error", err)
			}
		}
	}

	stored, err := s.save(ctx, st, res, fetchErr)
	if run != nil {
		run.Success = err == nil
		run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: err == nil}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := s.store.CompleteIngestRun(context.WithoutCancel(ctx), run); cerr != nil {
			log.Warn("ingest: could not complete run", "error", cerr)
		}
	}
	if err != nil {
		return err
	}
	log.Info("ingest: station done", "start", start.Format(time.RFC3339), "end", now.Format(time.RFC3339), "records", stored)
	return nil
}

// save writes the fetched observations to the raw and hourly tiers.
func (s *Scheduler) save(ctx context.Context, st models.Station, res *FetchResult, fetchErr error) (int, error) {
	if fetchErr != nil {
		return 0, fetchErr
	}
	records := ValidateObservations(st.Source, res.Observations, s.logger)
	if len(records) == 0 {
		return 0, nil
	}
	n, err := s.store.UpsertRaw(ctx, records)
	if err != nil {
		return 0, err
	}
	if _, err := s.store.UpsertHourly(ctx, records); err != nil {
		return n, err
	}
	metrics.ObservationsIngested.WithLabelValues(string(st.Source), st.StationID).Add(float64(n))
	return n, nil
}

// Reconcile snaps pending hourly rows of every station onto clock hours,
// one station per worker.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	ids, err := s.store.PendingStations(ctx)
	if err != nil {
		return err
	}
	stations := make([]models.Station, len(ids))
	for i, id := range ids {
		stations[i] = models.Station{StationID: id}
	}
	var failedGroups atomic.Int64
	err = s.forEachStation(ctx, "reconcile", stations, func(ctx context.Context, st models.Station) error {
		res, err := s.reconciler.ReconcileStation(ctx, st.StationID)
		failedGroups.Add(int64(res.Failed))
		return err
	})
	if n := failedGroups.Load(); n > 0 {
		s.logger.Warn("reconcile: hours left pending", "groups", n)
	}
	return err
}

// Clean rebuilds the cleaned tier over the lookback window for every
// active station.
func (s *Scheduler) Clean(ctx context.Context) error {
	stations, err := s.store.GetStations(ctx, s.client)
	if err != nil {
		return err
	}
	end := s.clock.Now().UTC().Truncate(time.Hour)
	start := end.Add(-s.lookback)
	return s.forEachStation(ctx, "clean", stations, func(ctx context.Context, st models.Station) error {
		_, err := s.cleaner.CleanStation(ctx, st.StationID, start, end)
		return err
	})
}

// RefreshMetadata upserts the configured station seeds and then refreshes
// Mesowest stations from the metadata endpoint. Seed values fill in what
// the provider leaves blank.
func (s *Scheduler) RefreshMetadata(ctx context.Context) error {
	seeds := make(map[string]models.Station, len(s.seeds))
	var ids []string
	for _, st := range s.seeds {
		if st.Client == "" {
			st.Client = s.client
		}
		if err := s.store.UpsertStation(ctx, st); err != nil {
			return err
		}
		seeds[st.StationID] = st
		if st.Source == models.SourceMesowest {
			ids = append(ids, st.StationID)
		}
	}
	known, err := s.store.GetStationsBySource(ctx, models.SourceMesowest, s.client)
	if err != nil {
		return err
	}
	for _, st := range known {
		if _, ok := seeds[st.StationID]; !ok {
			seeds[st.StationID] = st
			ids = append(ids, st.StationID)
		}
	}
	if s.metadata == nil || len(ids) == 0 {
		s.logger.Info("metadata: seeded", "stations", len(s.seeds))
		return nil
	}

	run, err := s.store.StartIngestRun(ctx, string(models.SourceMesowest), "stations/metadata", "")
	if err != nil {
		s.logger.Warn("metadata: could not record run", "error", err)
	}
	stations, body, err := s.metadata.Metadata(ctx, ids)
	if run != nil {
		run.Success = err == nil
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(body)), Valid: len(body) > 0}
		run.RecordsParsed = sql.NullInt64{Int64: int64(len(stations)), Valid: err == nil}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if len(body) > 0 {
			if _, perr := s.store.StoreRawPayload(ctx, run.ID, string(models.SourceMesowest), "stations/metadata", "", body); perr != nil {
				s.logger.Warn("metadata: store raw payload", "error", perr)
			}
		}
		defer func() {
			if cerr := s.store.CompleteIngestRun(context.WithoutCancel(ctx), run); cerr != nil {
				s.logger.Warn("metadata: could not complete run", "error", cerr)
			}
		}()
	}
	if err != nil {
		return err
	}

	for _, st := range stations {
		seed := seeds[st.StationID]
		st.Client = seed.Client
		if seed.Name != "" {
			st.Name = seed.Name
		}
		if st.Timezone == "" {
			st.Timezone = seed.Timezone
		}
		if err := s.store.UpsertStation(ctx, st); err != nil {
			return err
		}
	}
	if run != nil {
		run.RecordsStored = sql.NullInt64{Int64: int64(len(stations)), Valid: true}
	}
	s.logger.Info("metadata: refreshed", "seeded", len(s.seeds), "mesowest", len(stations))
	return nil
}
