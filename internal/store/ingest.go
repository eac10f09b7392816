package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IngestRun represents a single provider fetch for auditing.
type IngestRun struct {
	ID                string         `db:"id"`
	StartedAt         time.Time      `db:"started_at"`
	FinishedAt        sql.NullTime   `db:"finished_at"`
	Source            string         `db:"source"`   // "mesowest", "cdec"
	Endpoint          string         `db:"endpoint"` // "stations/timeseries", "CSVDataServlet"
	StationID         sql.NullString `db:"station_id"`
	HTTPStatus        sql.NullInt64  `db:"http_status"`
	ResponseSizeBytes sql.NullInt64  `db:"response_size_bytes"`
	RecordsParsed     sql.NullInt64  `db:"records_parsed"`
	RecordsStored     sql.NullInt64  `db:"records_stored"`
	ParseErrors       sql.NullInt64  `db:"parse_errors"`
	Success           bool           `db:"success"`
	ErrorMessage      sql.NullString `db:"error_message"`
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, source, endpoint, stationID string) (*IngestRun, error) {
	run := &IngestRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Source:    source,
		Endpoint:  endpoint,
		StationID: sql.NullString{String: stationID, Valid: stationID != ""},
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ingest_runs (id, started_at, source, endpoint, station_id, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`), run.ID, run.StartedAt, run.Source, run.Endpoint, run.StationID)
	if err != nil {
		return nil, fmt.Errorf("start ingest run: %w", err)
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			parse_errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`), run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("complete ingest run: %w", err)
	}
	return nil
}

// IngestHealthSummary aggregates ingest runs per source and endpoint.
type IngestHealthSummary struct {
	Source           string `db:"source" json:"source"`
	Endpoint         string `db:"endpoint" json:"endpoint"`
	TotalRuns        int    `db:"total_runs" json:"total_runs"`
	SuccessRuns      int    `db:"success_runs" json:"success_runs"`
	FailedRuns       int    `db:"failed_runs" json:"failed_runs"`
	TotalRecords     int64  `db:"total_records" json:"total_records"`
	TotalParseErrors int64  `db:"total_parse_errors" json:"total_parse_errors"`
}

// GetIngestHealth summarises ingest runs started since the given time.
func (s *Store) GetIngestHealth(ctx context.Context, since time.Time) ([]IngestHealthSummary, error) {
	var results []IngestHealthSummary
	err := s.db.SelectContext(ctx, &results, s.rebind(`
		SELECT
			source,
			endpoint,
			COUNT(*) AS total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) AS failed_runs,
			COALESCE(SUM(records_stored), 0) AS total_records,
			COALESCE(SUM(parse_errors), 0) AS total_parse_errors
		FROM ingest_runs
		WHERE started_at >= ?
		GROUP BY source, endpoint
		ORDER BY source, endpoint
	`), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("ingest health: %w", err)
	}
	return results, nil
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	var results []IngestRun
	err := s.db.SelectContext(ctx, &results, s.rebind(`
		SELECT id, started_at, finished_at, source, endpoint, station_id,
			   http_status, response_size_bytes, records_parsed, records_stored,
			   parse_errors, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent ingest errors: %w", err)
	}
	for i := range results {
		results[i].StartedAt = results[i].StartedAt.UTC()
	}
	return results, nil
}
