package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lox/wxdb/internal/acid"
	"github.com/lox/wxdb/internal/api"
	"github.com/lox/wxdb/internal/config"
	"github.com/lox/wxdb/internal/ingest"
	"github.com/lox/wxdb/internal/logging"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/reconcile"
	"github.com/lox/wxdb/internal/store"
)

type Globals struct {
	Config    string `help:"Path to a YAML config file." type:"path" env:"WXDB_CONFIG"`
	EnvFile   string `help:"Load environment variables from this file." name:"env-file" default:".env"`
	DBDriver  string `help:"Database driver (sqlite or postgres)." name:"db-driver"`
	DSN       string `help:"Database connection string." name:"dsn"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." name:"log-level"`
	LogFormat string `help:"Log format (text or json)." name:"log-format"`
}

type CLI struct {
	Globals

	Migrate   MigrateCmd   `cmd:"" help:"Apply database migrations."`
	Metadata  MetadataCmd  `cmd:"" help:"Seed stations and refresh Mesowest metadata."`
	Ingest    IngestCmd    `cmd:"" help:"Fetch new observations for every station."`
	Reconcile ReconcileCmd `cmd:"" help:"Snap pending hourly rows onto clock hours."`
	Clean     CleanCmd     `cmd:"" help:"Rebuild the cleaned tier."`
	Run       RunCmd       `cmd:"" help:"Ingest, reconcile and clean once."`
	Serve     ServeCmd     `cmd:"" help:"Run the scheduler loop and the ops HTTP server."`
	Delete    DeleteCmd    `cmd:"" help:"Delete a station's rows from one tier over a time range."`
	Prune     PruneCmd     `cmd:"" help:"Delete stored provider payloads older than a cutoff."`
}

// app holds everything a command needs, built once from the globals.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
}

func (g *Globals) load() (*config.Config, error) {
	if g.EnvFile != "" {
		err := godotenv.Load(g.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", g.EnvFile, err)
		}
	}

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.DBDriver != "" {
		cfg.Database.Driver = g.DBDriver
	}
	if g.DSN != "" {
		cfg.Database.DSN = g.DSN
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.LogFormat = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (g *Globals) open(ctx context.Context) (*app, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if n := cfg.Database.MaxOpenConns; n > 0 && !strings.Contains(cfg.Database.DSN, ":memory:") {
		db.SetMaxOpenConns(n)
	}

	st := store.New(db, cfg.Location())
	st.SetBatchSize(cfg.Database.BatchSize)
	st.SetLogger(logger)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("store: ready", "driver", cfg.Database.Driver)
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.store, reconcile.Config{
		Window:     a.cfg.WindowMode(),
		MaxRetries: a.cfg.Reconcile.MaxRetries,
	}, a.logger)
}

func (a *app) cleaner() *acid.Cleaner {
	return acid.NewCleaner(a.store, acid.CleanerConfig{
		Params:      a.cfg.FilterParams(),
		CloudFactor: a.cfg.Clean.CloudFactor,
		Gate:        a.cfg.Gate(),
	}, a.logger)
}

func (a *app) mesowest() *ingest.Mesowest {
	mw := a.cfg.Providers.Mesowest
	return ingest.NewMesowest(ingest.MesowestConfig{
		BaseURL:           mw.BaseURL,
		Token:             mw.Token,
		Timeout:           mw.Timeout,
		RequestsPerSecond: mw.RequestsPerSecond,
		Vars:              mw.Vars,
	})
}

func (a *app) cdec() *ingest.CDEC {
	c := a.cfg.Providers.CDEC
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = nil
	}
	return ingest.NewCDEC(ingest.CDECConfig{
		BaseURL:           c.BaseURL,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Location:          loc,
	})
}

func (a *app) scheduler() *ingest.Scheduler {
	seeds := make([]models.Station, 0, len(a.cfg.Stations))
	for _, sc := range a.cfg.Stations {
		seeds = append(seeds, sc.Station())
	}
	mesowest := a.mesowest()
	return ingest.NewScheduler(a.store,
		[]ingest.Provider{mesowest, a.cdec()},
		mesowest,
		a.reconciler(),
		a.cleaner(),
		ingest.SchedulerConfig{
			Workers:  a.cfg.Workers,
			Interval: a.cfg.Interval,
			Client:   a.cfg.Client,
			Lookback: time.Duration(a.cfg.Clean.LookbackDays) * 24 * time.Hour,
			Seeds:    seeds,
		},
		a.logger)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	version, err := a.store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("store: migrated", "version", version)
	return nil
}

type MetadataCmd struct{}

func (c *MetadataCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.scheduler().RefreshMetadata(ctx)
}

type IngestCmd struct{}

func (c *IngestCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.scheduler().Ingest(ctx)
}

type ReconcileCmd struct {
	Station string `help:"Reconcile only this station."`
}

func (c *ReconcileCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Station != "" {
		_, err := a.reconciler().ReconcileStation(ctx, c.Station)
		return err
	}
	_, err = a.reconciler().ReconcileAll(ctx)
	return err
}

type CleanCmd struct {
	Station string    `help:"Clean only this station."`
	Start   time.Time `help:"First hour to clean (RFC3339). Defaults to the configured lookback."`
	End     time.Time `help:"Last hour to clean (RFC3339). Defaults to now."`
}

func (c *CleanCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Station == "" && c.Start.IsZero() && c.End.IsZero() {
		return a.scheduler().Clean(ctx)
	}

	end := c.End
	if end.IsZero() {
		end = time.Now()
	}
	start := c.Start
	if start.IsZero() {
		start = end.Add(-time.Duration(a.cfg.Clean.LookbackDays) * 24 * time.Hour)
	}

	stations := []string{c.Station}
	if c.Station == "" {
		all, err := a.store.GetStations(ctx, a.cfg.Client)
		if err != nil {
			return err
		}
		stations = stations[:0]
		for _, st := range all {
			stations = append(stations, st.StationID)
		}
	}

	cleaner := a.cleaner()
	var errs []error
	for _, id := range stations {
		if _, err := cleaner.CleanStation(ctx, id, start, end); err != nil {
			errs = append(errs, fmt.Errorf("clean %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type DeleteCmd struct {
	Tier    string    `arg:"" enum:"raw,hourly,cleaned" help:"Tier to delete from (raw, hourly, cleaned)."`
	Station string    `arg:"" help:"Station id."`
	Start   time.Time `required:"" help:"First timestamp to delete (RFC3339)."`
	End     time.Time `required:"" help:"Last timestamp to delete (RFC3339)."`
}

func (c *DeleteCmd) Run(ctx context.Context, g *Globals) error {
	tier, err := store.ParseTier(c.Tier)
	if err != nil {
		return err
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("end %s is before start %s", c.End.Format(time.RFC3339), c.Start.Format(time.RFC3339))
	}
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.DeleteRange(ctx, tier, c.Station, c.Start, c.End)
	if err != nil {
		return err
	}
	a.logger.Info("store: deleted", "tier", tier, "station", c.Station, "rows", n)
	return nil
}

type PruneCmd struct {
	OlderThan time.Duration `name:"older-than" default:"2160h" help:"Age of payloads to delete."`
}

func (c *PruneCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.CleanupOldRawPayloads(ctx, time.Now().Add(-c.OlderThan))
	if err != nil {
		return err
	}
	a.logger.Info("store: pruned raw payloads", "rows", n)
	return nil
}

type RunCmd struct{}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.scheduler().RunOnce(ctx)
}

type ServeCmd struct {
	NoPoll bool   `help:"Serve the API without running the scheduler." name:"no-poll"`
	Addr   string `help:"Listen address, overriding http.addr."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.HTTP.Addr
	if c.Addr != "" {
		addr = c.Addr
	}

	grp, gctx := errgroup.WithContext(ctx)
	if c.NoPoll {
		a.logger.Info("scheduler: polling disabled")
	} else {
		sched := a.scheduler()
		if err := sched.RefreshMetadata(gctx); err != nil {
			a.logger.Warn("metadata: refresh failed", "error", err)
		}
		grp.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}
	srv := api.NewServer(a.store, addr, a.cfg.Client, a.logger)
	grp.Go(func() error {
		return srv.Run(gctx)
	})
	return grp.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("wxdb"),
		kong.Description("Weather station ingestion, reconciliation and cleaning."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
