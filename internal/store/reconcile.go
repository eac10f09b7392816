package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/wxdb/internal/models"
)

// PendingStations lists stations with hourly rows awaiting reconciliation.
func (s *Store) PendingStations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT station_id FROM hourly_observations
		WHERE reconciled = FALSE
		ORDER BY station_id
	`)
	if err != nil {
		return nil, fmt.Errorf("pending stations: %w", err)
	}
	return ids, nil
}

// PendingHourly returns a station's unreconciled hourly rows in time order.
func (s *Store) PendingHourly(ctx context.Context, stationID string) ([]models.HourlyRecord, error) {
	return s.selectHourly(ctx, `
		SELECT `+hourlyColumns+` FROM hourly_observations
		WHERE station_id = ? AND reconciled = FALSE
		ORDER BY observed_at ASC
	`, stationID)
}

// HourlyInWindow returns hourly rows with start <= observed_at < end.
func (t *Tx) HourlyInWindow(ctx context.Context, stationID string, start, end time.Time) ([]models.HourlyRecord, error) {
	var recs []models.HourlyRecord
	err := t.tx.SelectContext(ctx, &recs, t.s.rebind(`
		SELECT `+hourlyColumns+` FROM hourly_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`), stationID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("hourly in window: %w", err)
	}
	for i := range recs {
		recs[i].ObservedAt = recs[i].ObservedAt.UTC()
	}
	return recs, nil
}

// RawInWindow returns raw rows with start <= observed_at < end.
func (t *Tx) RawInWindow(ctx context.Context, stationID string, start, end time.Time) ([]models.Record, error) {
	var recs []models.Record
	err := t.tx.SelectContext(ctx, &recs, t.s.rebind(`
		SELECT `+recordColumns+` FROM raw_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`), stationID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("raw in window: %w", err)
	}
	for i := range recs {
		recs[i].ObservedAt = recs[i].ObservedAt.UTC()
	}
	return recs, nil
}

// DeleteHourlyWindow removes hourly rows with start <= observed_at < end.
func (t *Tx) DeleteHourlyWindow(ctx context.Context, stationID string, start, end time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`
		DELETE FROM hourly_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at < ?
	`), stationID, start.UTC(), end.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete hourly window: %w", err)
	}
	return res.RowsAffected()
}

// InsertHourly inserts a single hourly row. A conflicting key fails with
// ErrDuplicateKey once the transaction error is classified.
func (t *Tx) InsertHourly(ctx context.Context, rec models.HourlyRecord) error {
	args := append(recordArgs(&rec.Record), rec.Reconciled)
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO hourly_observations (`+hourlyColumns+`)
		VALUES (`+placeholders(3+len(readingColumns))+`)
	`), args...)
	if err != nil {
		return fmt.Errorf("insert hourly: %w", err)
	}
	return nil
}

// MoveHourly re-stamps the row at from to the time to and marks it
// reconciled.
func (t *Tx) MoveHourly(ctx context.Context, stationID string, from, to time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		UPDATE hourly_observations SET observed_at = ?, reconciled = TRUE
		WHERE station_id = ? AND observed_at = ?
	`), to.UTC(), stationID, from.UTC())
	if err != nil {
		return fmt.Errorf("move hourly: %w", err)
	}
	return nil
}

// MarkReconciled flags the row at observedAt as reconciled.
func (t *Tx) MarkReconciled(ctx context.Context, stationID string, observedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		UPDATE hourly_observations SET reconciled = TRUE
		WHERE station_id = ? AND observed_at = ?
	`), stationID, observedAt.UTC())
	if err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	return nil
}
