package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/wxdb/internal/models"
)

// Tier selects one of the observation tables.
type Tier string

const (
	TierRaw     Tier = "raw"
	TierHourly  Tier = "hourly"
	TierCleaned Tier = "cleaned"
)

func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierRaw, TierHourly, TierCleaned:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

func (t Tier) table() string {
	switch t {
	case TierHourly:
		return "hourly_observations"
	case TierCleaned:
		return "cleaned_observations"
	}
	return "raw_observations"
}

var readingColumns = func() []string {
	cols := make([]string, len(models.Variables))
	for i, v := range models.Variables {
		cols[i] = string(v)
	}
	return cols
}()

var (
	recordColumns  = "station_id, observed_at, " + strings.Join(readingColumns, ", ")
	hourlyColumns  = recordColumns + ", reconciled"
	cleanedColumns = recordColumns + ", cloud_factor, vapor_pressure, quality_flag"
)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func updateSet(cols []string) string {
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = c + " = excluded." + c
	}
	return strings.Join(set, ",\n\t\t\t")
}

var (
	upsertRawSQL = `
		INSERT INTO raw_observations (` + recordColumns + `)
		VALUES (` + placeholders(2+len(readingColumns)) + `)
		ON CONFLICT (station_id, observed_at) DO UPDATE SET
			` + updateSet(readingColumns)

	upsertHourlySQL = `
		INSERT INTO hourly_observations (` + hourlyColumns + `)
		VALUES (` + placeholders(2+len(readingColumns)) + `, FALSE)
		ON CONFLICT (station_id, observed_at) DO UPDATE SET
			` + updateSet(readingColumns) + `,
			reconciled = FALSE`

	upsertCleanedSQL = `
		INSERT INTO cleaned_observations (` + cleanedColumns + `)
		VALUES (` + placeholders(5+len(readingColumns)) + `)
		ON CONFLICT (station_id, observed_at) DO UPDATE SET
			` + updateSet(append(append([]string{}, readingColumns...), "cloud_factor", "vapor_pressure", "quality_flag"))
)

func recordArgs(r *models.Record) []any {
	args := make([]any, 0, 2+len(models.Variables))
	args = append(args, r.StationID, r.ObservedAt.UTC())
	for _, v := range models.Variables {
		args = append(args, *r.Readings.Field(v))
	}
	return args
}

// upsertChunked executes query once per item, committing every batchSize
// rows. It returns the number of rows written by committed chunks.
func (s *Store) upsertChunked(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	query = s.rebind(query)
	stored := 0
	for _, c := range chunk(n, s.batchSize) {
		err := s.WithTx(ctx, func(tx *Tx) error {
			stmt, err := tx.tx.PreparexContext(ctx, query)
			if err != nil {
				return fmt.Errorf("prepare: %w", err)
			}
			defer stmt.Close()

			for i := c[0]; i < c[1]; i++ {
				if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
					return fmt.Errorf("row %d: %w", i, err)
				}
			}
			return nil
		})
		if err != nil {
			return stored, err
		}
		stored += c[1] - c[0]
	}
	return stored, nil
}

// UpsertRaw writes provider records to the raw tier, overwriting values of
// existing keys.
func (s *Store) UpsertRaw(ctx context.Context, recs []models.Record) (int, error) {
	n, err := s.upsertChunked(ctx, upsertRawSQL, len(recs), func(i int) []any {
		return recordArgs(&recs[i])
	})
	if err != nil {
		return n, fmt.Errorf("upsert raw: %w", err)
	}
	return n, nil
}

// UpsertHourly copies records into the hourly tier as pending rows. An
// existing key is overwritten and marked pending again.
func (s *Store) UpsertHourly(ctx context.Context, recs []models.Record) (int, error) {
	n, err := s.upsertChunked(ctx, upsertHourlySQL, len(recs), func(i int) []any {
		return recordArgs(&recs[i])
	})
	if err != nil {
		return n, fmt.Errorf("upsert hourly: %w", err)
	}
	return n, nil
}

// UpsertCleaned overwrites the cleaned tier for the given rows.
func (s *Store) UpsertCleaned(ctx context.Context, recs []models.CleanedRecord) (int, error) {
	n, err := s.upsertChunked(ctx, upsertCleanedSQL, len(recs), func(i int) []any {
		r := &recs[i]
		flag := r.QualityFlag
		if flag == "" {
			flag = "0"
		}
		return append(recordArgs(&r.Record), r.CloudFactor, r.VaporPressure, flag)
	})
	if err != nil {
		return n, fmt.Errorf("upsert cleaned: %w", err)
	}
	return n, nil
}

// GetRaw returns raw rows for a station with start <= observed_at <= end.
func (s *Store) GetRaw(ctx context.Context, stationID string, start, end time.Time) ([]models.Record, error) {
	var recs []models.Record
	err := s.db.SelectContext(ctx, &recs, s.rebind(`
		SELECT `+recordColumns+` FROM raw_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`), stationID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("get raw: %w", err)
	}
	for i := range recs {
		recs[i].ObservedAt = recs[i].ObservedAt.UTC()
	}
	return recs, nil
}

// GetHourly returns hourly rows for a station with start <= observed_at <= end.
func (s *Store) GetHourly(ctx context.Context, stationID string, start, end time.Time) ([]models.HourlyRecord, error) {
	return s.selectHourly(ctx, `
		SELECT `+hourlyColumns+` FROM hourly_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`, stationID, start.UTC(), end.UTC())
}

// GetReconciledHourly is GetHourly restricted to reconciled rows.
func (s *Store) GetReconciledHourly(ctx context.Context, stationID string, start, end time.Time) ([]models.HourlyRecord, error) {
	return s.selectHourly(ctx, `
		SELECT `+hourlyColumns+` FROM hourly_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at <= ? AND reconciled = TRUE
		ORDER BY observed_at ASC
	`, stationID, start.UTC(), end.UTC())
}

func (s *Store) selectHourly(ctx context.Context, q string, args ...any) ([]models.HourlyRecord, error) {
	var recs []models.HourlyRecord
	if err := s.db.SelectContext(ctx, &recs, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("get hourly: %w", err)
	}
	for i := range recs {
		recs[i].ObservedAt = recs[i].ObservedAt.UTC()
	}
	return recs, nil
}

// GetCleaned returns cleaned rows for a station with start <= observed_at <= end.
func (s *Store) GetCleaned(ctx context.Context, stationID string, start, end time.Time) ([]models.CleanedRecord, error) {
	var recs []models.CleanedRecord
	err := s.db.SelectContext(ctx, &recs, s.rebind(`
		SELECT `+cleanedColumns+` FROM cleaned_observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`), stationID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("get cleaned: %w", err)
	}
	for i := range recs {
		recs[i].ObservedAt = recs[i].ObservedAt.UTC()
	}
	return recs, nil
}

// LastRawTime returns the latest raw timestamp for a station. ok is false
// when the station has no raw data.
func (s *Store) LastRawTime(ctx context.Context, stationID string) (t time.Time, ok bool, err error) {
	err = s.db.GetContext(ctx, &t, s.rebind(`
		SELECT observed_at FROM raw_observations
		WHERE station_id = ?
		ORDER BY observed_at DESC
		LIMIT 1
	`), stationID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last raw time: %w", err)
	}
	return t.UTC(), true, nil
}

// DeleteRange removes a station's rows with start <= observed_at <= end
// from one tier.
func (s *Store) DeleteRange(ctx context.Context, tier Tier, stationID string, start, end time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM `+tier.table()+`
		WHERE station_id = ? AND observed_at >= ? AND observed_at <= ?
	`), stationID, start.UTC(), end.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete %s range: %w", tier, classify(err))
	}
	return res.RowsAffected()
}

// CountRows returns the number of rows a station has in a tier.
func (s *Store) CountRows(ctx context.Context, tier Tier, stationID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM `+tier.table()+` WHERE station_id = ?`), stationID)
	return n, err
}
