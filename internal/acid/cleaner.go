package acid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lox/wxdb/internal/metrics"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/qc"
	"github.com/lox/wxdb/internal/store"
)

type CleanerConfig struct {
	// Params holds the filter settings per variable. Variables without an
	// entry are range checked but not filtered.
	Params      map[models.Variable]Params
	CloudFactor CloudFactorParams
	Gate        *qc.Gate
}

// Cleaner produces the cleaned tier from reconciled hourly rows.
type Cleaner struct {
	store   *store.Store
	params  map[models.Variable]Params
	cloud   CloudFactorParams
	gate    *qc.Gate
	prepend time.Duration
	logger  *slog.Logger
}

func NewCleaner(st *store.Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Params == nil {
		cfg.Params = DefaultParams
	}
	if cfg.CloudFactor == (CloudFactorParams{}) {
		cfg.CloudFactor = DefaultCloudFactorParams
	}
	if cfg.Gate == nil {
		cfg.Gate = qc.NewGate(nil, qc.PolicyRemove)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:   st,
		params:  cfg.Params,
		cloud:   cfg.CloudFactor,
		gate:    cfg.Gate,
		prepend: Prepend(cfg.Params, cfg.CloudFactor),
		logger:  logger,
	}
}

// grid is an hourly series of every variable, NaN where no value exists.
type grid struct {
	start  time.Time
	cols   map[models.Variable][]float64
	hasRow []bool
}

func newGrid(start, end time.Time, rows []models.HourlyRecord) grid {
	n := int(end.Sub(start)/time.Hour) + 1
	g := grid{
		start:  start,
		cols:   make(map[models.Variable][]float64, len(models.Variables)),
		hasRow: make([]bool, n),
	}
	for _, v := range models.Variables {
		col := make([]float64, n)
		for i := range col {
			col[i] = math.NaN()
		}
		g.cols[v] = col
	}
	for i := range rows {
		at := rows[i].ObservedAt
		if at.Before(start) || at.After(end) || !at.Equal(at.Truncate(time.Hour)) {
			continue
		}
		idx := int(at.Sub(start) / time.Hour)
		g.hasRow[idx] = true
		for _, v := range models.Variables {
			g.cols[v][idx] = rows[i].Get(v)
		}
	}
	return g
}

// CleanStation cleans the hours start..end inclusive and upserts them into
// the cleaned tier, returning the number of rows written. History before
// start is loaded so the first hours get full filter context.
func (c *Cleaner) CleanStation(ctx context.Context, stationID string, start, end time.Time) (int, error) {
	start = start.UTC().Truncate(time.Hour)
	end = end.UTC().Truncate(time.Hour)
	if end.Before(start) {
		return 0, fmt.Errorf("clean %s: end %s before start %s", stationID, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	log := c.logger.With("station", stationID)

	loadStart := start.Add(-c.prepend)
	rows, err := c.store.GetReconciledHourly(ctx, stationID, loadStart, end)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		log.Debug("clean: nothing to clean", "start", start, "end", end)
		return 0, nil
	}

	g := newGrid(loadStart, end, rows)
	n := len(g.hasRow)
	flags := make([]qc.Flag, n)

	removed := c.gate.Apply(g.cols, flags)

	for v, p := range c.params {
		col, ok := g.cols[v]
		if !ok || !reported(col) {
			continue
		}
		out, err := AutoCleanFFT(col, p)
		if err != nil {
			log.Warn("clean: filter failed, variable left empty", "variable", v, "error", err)
		}
		g.cols[v] = out
	}

	cloud := nanSeries(n)
	if solar := g.cols[models.SolarRadiation]; reported(solar) {
		cf, err := CloudFactor(solar, c.cloud)
		if err != nil {
			log.Warn("clean: cloud factor failed", "error", err)
		}
		cloud = cf
	}
	derived := map[models.Variable][]float64{
		models.CloudFactor:   cloud,
		models.VaporPressure: VaporPressure(g.cols[models.AirTemp], g.cols[models.RelativeHumidity]),
	}
	qc.Reapply(derived, c.gate.CheckRange(derived, flags))
	qc.Reapply(g.cols, removed)

	first := int(start.Sub(loadStart) / time.Hour)
	recs := make([]models.CleanedRecord, 0, n-first)
	for i := first; i < n; i++ {
		rec := models.CleanedRecord{
			Record: models.Record{
				StationID:  stationID,
				ObservedAt: loadStart.Add(time.Duration(i) * time.Hour),
			},
			QualityFlag:   flags[i].String(),
			CloudFactor:   models.NullFloat(derived[models.CloudFactor][i]),
			VaporPressure: models.NullFloat(derived[models.VaporPressure][i]),
		}
		for _, v := range models.Variables {
			rec.Set(v, g.cols[v][i])
		}
		if !g.hasRow[i] && rec.Empty() {
			continue
		}
		recs = append(recs, rec)
	}

	stored, err := c.store.UpsertCleaned(ctx, recs)
	if err != nil {
		return 0, err
	}
	metrics.CleanedRows.WithLabelValues(stationID).Add(float64(stored))
	log.Info("clean: station done", "start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339), "rows", stored)
	return stored, nil
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func reported(col []float64) bool {
	for _, x := range col {
		if !math.IsNaN(x) {
			return true
		}
	}
	return false
}
