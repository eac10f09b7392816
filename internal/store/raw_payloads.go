package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// RawPayload represents a stored provider response.
type RawPayload struct {
	ID                int64          `db:"id"`
	IngestRunID       sql.NullString `db:"ingest_run_id"`
	FetchedAt         time.Time      `db:"fetched_at"`
	Source            string         `db:"source"`
	Endpoint          string         `db:"endpoint"`
	StationID         sql.NullString `db:"station_id"`
	PayloadCompressed []byte         `db:"payload_compressed"`
	PayloadHash       string         `db:"payload_hash"`
	SchemaVersion     int            `db:"schema_version"`
}

// PayloadHash returns the hex sha256 used to deduplicate payloads.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// StoreRawPayload stores a gzip-compressed provider response. Returns the
// payload ID, or 0 if an identical payload was already stored.
func (s *Store) StoreRawPayload(ctx context.Context, runID, source, endpoint, stationID string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	var id int64
	err := s.db.QueryRowxContext(ctx, s.rebind(`
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, source, endpoint, station_id,
		 payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (payload_hash) DO NOTHING
		RETURNING id
	`), sql.NullString{String: runID, Valid: runID != ""}, time.Now().UTC(), source, endpoint,
		sql.NullString{String: stationID, Valid: stationID != ""}, buf.Bytes(), PayloadHash(payload)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}
	return id, nil
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.GetContext(ctx, &compressed, s.rebind(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw payload %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldRawPayloads deletes raw payloads fetched before cutoff and
// returns the number removed.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM raw_payloads WHERE fetched_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
