// Package reconcile snaps the hourly tier onto exact clock hours.
//
// Pending rows are grouped by the hour they round to. A lone row already on
// the hour is accepted, a lone row off the hour is moved onto it, and a group
// of several rows is replaced by the mean of the raw observations in the
// hour's window. When a move collides with an existing row the hour is
// rebuilt the same way.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/wxdb/internal/metrics"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/store"
)

const DefaultMaxRetries = 3

// State is the lifecycle of one hour group.
type State string

const (
	StatePending            State = "pending"
	StateReconciling        State = "reconciling"
	StateReconciled         State = "reconciled"
	StateConflictRecovering State = "conflict-recovering"
)

// Outcome records how a group was resolved.
type Outcome string

const (
	OutcomeKept      Outcome = "kept"
	OutcomeShifted   Outcome = "shifted"
	OutcomeAveraged  Outcome = "averaged"
	OutcomeRecovered Outcome = "recovered"
	OutcomeFailed    Outcome = "failed"
)

// Result summarises one station's reconciliation pass.
type Result struct {
	StationID string
	Pending   int
	Groups    int
	// Hourly is true when every pending row had its own hour, i.e. the
	// station reports at most once an hour.
	Hourly    bool
	Kept      int
	Shifted   int
	Averaged  int
	Recovered int
	Failed    int
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeKept:
		r.Kept++
	case OutcomeShifted:
		r.Shifted++
	case OutcomeAveraged:
		r.Averaged++
	case OutcomeRecovered:
		r.Recovered++
	case OutcomeFailed:
		r.Failed++
	}
}

type Config struct {
	Window     WindowMode
	MaxRetries int
}

type Reconciler struct {
	store      *store.Store
	window     WindowMode
	maxRetries int
	logger     *slog.Logger

	// newBackOff builds the retry policy for transient storage errors.
	newBackOff func() backoff.BackOff
}

func New(st *store.Store, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window == "" {
		cfg.Window = WindowCentered
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Reconciler{
		store:      st,
		window:     cfg.Window,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

type group struct {
	key  time.Time
	rows []models.HourlyRecord
}

// groupByHour buckets rows, which must be in time order, by RoundHour.
func groupByHour(rows []models.HourlyRecord) []group {
	var groups []group
	for _, row := range rows {
		key := RoundHour(row.ObservedAt)
		if n := len(groups); n > 0 && groups[n-1].key.Equal(key) {
			groups[n-1].rows = append(groups[n-1].rows, row)
			continue
		}
		groups = append(groups, group{key: key, rows: []models.HourlyRecord{row}})
	}
	return groups
}

// ReconcileAll reconciles every station with pending hourly rows. A station
// that fails is logged and skipped; only cancellation stops the pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Result, error) {
	ids, err := r.store.PendingStations(ctx)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.ReconcileStation(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			r.logger.Warn("reconcile: station failed", "station", id, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// ReconcileStation processes the station's pending rows one hour group at a
// time. Each group commits on its own so a failure leaves earlier hours
// reconciled and the failed hour pending for the next pass.
func (r *Reconciler) ReconcileStation(ctx context.Context, stationID string) (Result, error) {
	res := Result{StationID: stationID}

	pending, err := r.store.PendingHourly(ctx, stationID)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		return res, nil
	}

	groups := groupByHour(pending)
	res.Pending = len(pending)
	res.Groups = len(groups)
	res.Hourly = len(pending) == len(groups)

	log := r.logger.With("station", stationID)
	cadence := "mixed"
	if res.Hourly {
		cadence = "hourly"
	}
	log.Debug("reconcile: station start", "pending", len(pending), "groups", len(groups), "cadence", cadence)

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome := r.reconcileGroup(ctx, log, stationID, g)
		metrics.ReconcileGroups.WithLabelValues(string(outcome)).Inc()
		res.add(outcome)
	}

	log.Info("reconcile: station done",
		"kept", res.Kept,
		"shifted", res.Shifted,
		"averaged", res.Averaged,
		"recovered", res.Recovered,
		"failed", res.Failed)
	return res, nil
}

func (r *Reconciler) reconcileGroup(ctx context.Context, log *slog.Logger, stationID string, g group) Outcome {
	log = log.With("hour", g.key.Format(time.RFC3339), "rows", len(g.rows))
	log.Debug("reconcile: group", "state", StateReconciling)

	var outcome Outcome
	err := r.retry(ctx, func() error {
		var err error
		outcome, err = r.resolve(ctx, stationID, g)
		return err
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		log.Debug("reconcile: group", "state", StateConflictRecovering)
		err = r.retry(ctx, func() error {
			return r.rebuild(ctx, stationID, g)
		})
		outcome = OutcomeRecovered
	}
	if err != nil {
		log.Warn("reconcile: hour left pending", "error", err)
		return OutcomeFailed
	}

	log.Debug("reconcile: group", "state", StateReconciled, "outcome", outcome)
	return outcome
}

// retry runs op, retrying only transient storage errors.
func (r *Reconciler) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, store.ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func (r *Reconciler) resolve(ctx context.Context, stationID string, g group) (Outcome, error) {
	if len(g.rows) == 1 {
		row := g.rows[0]
		if row.ObservedAt.Equal(g.key) {
			return OutcomeKept, r.store.WithTx(ctx, func(tx *store.Tx) error {
				return tx.MarkReconciled(ctx, stationID, g.key)
			})
		}
		return OutcomeShifted, r.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.MoveHourly(ctx, stationID, row.ObservedAt, g.key)
		})
	}

	return OutcomeAveraged, r.rebuild(ctx, stationID, g)
}

// rebuild replaces the hour's window with the mean of the raw observations
// in it, falling back to the hourly rows when the raw tier has nothing in
// the window. A row reconciled on an earlier pass is never averaged in.
func (r *Reconciler) rebuild(ctx context.Context, stationID string, g group) error {
	start, end := r.bounds(g)
	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		src, err := tx.RawInWindow(ctx, stationID, start, end)
		if err != nil {
			return err
		}
		if len(src) == 0 {
			rows, err := tx.HourlyInWindow(ctx, stationID, start, end)
			if err != nil {
				return err
			}
			for _, row := range rows {
				src = append(src, row.Record)
			}
		}
		if len(src) == 0 {
			return fmt.Errorf("no observations in window %s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		return replaceWindow(ctx, tx, stationID, g.key, start, end, src)
	})
}

// bounds widens the configured window so it always covers the group's own
// rows; a trailing window would otherwise strand rows after the hour.
func (r *Reconciler) bounds(g group) (time.Time, time.Time) {
	start, end := r.window.Bounds(g.key)
	if first := g.rows[0].ObservedAt; first.Before(start) {
		start = first
	}
	if last := g.rows[len(g.rows)-1].ObservedAt.Add(time.Second); last.After(end) {
		end = last
	}
	return start, end
}

func replaceWindow(ctx context.Context, tx *store.Tx, stationID string, key, start, end time.Time, src []models.Record) error {
	if _, err := tx.DeleteHourlyWindow(ctx, stationID, start, end); err != nil {
		return err
	}
	rec := models.HourlyRecord{
		Record:     models.Record{StationID: stationID, ObservedAt: key, Readings: Mean(src)},
		Reconciled: true,
	}
	return tx.InsertHourly(ctx, rec)
}

// Mean averages each column over the records, ignoring nulls. A column
// that is null in every record stays null.
func Mean(recs []models.Record) models.Readings {
	var out models.Readings
	vals := make([]float64, 0, len(recs))
	for _, v := range models.Variables {
		vals = vals[:0]
		for i := range recs {
			if x := recs[i].Get(v); !math.IsNaN(x) {
				vals = append(vals, x)
			}
		}
		if len(vals) == 0 {
			continue
		}
		out.Set(v, stat.Mean(vals, nil))
	}
	return out
}
