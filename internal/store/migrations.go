package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// readingColumnsDDL is the per-variable column block shared by the three
// observation tiers.
const readingColumnsDDL = `
    air_temp {{real}},
    dew_point_temperature {{real}},
    relative_humidity {{real}},
    wind_speed {{real}},
    wind_direction {{real}},
    wind_gust {{real}},
    solar_radiation {{real}},
    snow_smoothed {{real}},
    precip_accum {{real}},
    snow_depth {{real}},
    snow_accum {{real}},
    precip_storm {{real}},
    snow_interval {{real}},
    snow_water_equiv {{real}},`

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    latitude {{real}},
    longitude {{real}},
    elevation {{real}},
    source TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT '',
    client TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS raw_observations (
    station_id TEXT NOT NULL,
    observed_at {{timestamp}} NOT NULL,{{readings}}
    PRIMARY KEY (station_id, observed_at)
);

CREATE TABLE IF NOT EXISTS hourly_observations (
    station_id TEXT NOT NULL,
    observed_at {{timestamp}} NOT NULL,{{readings}}
    reconciled BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (station_id, observed_at)
);

CREATE TABLE IF NOT EXISTS cleaned_observations (
    station_id TEXT NOT NULL,
    observed_at {{timestamp}} NOT NULL,{{readings}}
    cloud_factor {{real}},
    vapor_pressure {{real}},
    quality_flag TEXT NOT NULL DEFAULT '0',
    PRIMARY KEY (station_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_hourly_pending ON hourly_observations(station_id, reconciled);
`,
	},
	{
		Version:     2,
		Description: "Ingest audit and raw payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id TEXT PRIMARY KEY,
    started_at {{timestamp}} NOT NULL,
    finished_at {{timestamp}},
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id {{serial}},
    ingest_run_id TEXT,
    fetched_at {{timestamp}} NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    payload_compressed {{blob}} NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

var dialectTypes = map[Dialect]map[string]string{
	DialectSQLite: {
		"{{real}}":      "REAL",
		"{{timestamp}}": "DATETIME",
		"{{blob}}":      "BLOB",
		"{{serial}}":    "INTEGER PRIMARY KEY AUTOINCREMENT",
	},
	DialectPostgres: {
		"{{real}}":      "DOUBLE PRECISION",
		"{{timestamp}}": "TIMESTAMPTZ",
		"{{blob}}":      "BYTEA",
		"{{serial}}":    "BIGSERIAL PRIMARY KEY",
	},
}

func (m migration) render(d Dialect) string {
	q := strings.ReplaceAll(m.SQL, "{{readings}}", readingColumnsDDL)
	for placeholder, typ := range dialectTypes[d] {
		q = strings.ReplaceAll(q, placeholder, typ)
	}
	return q
}

// Migrate applies pending schema migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("migrations: applying", "version", m.Version, "description", m.Description, "dialect", s.dialect)

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.render(s.dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at {{timestamp}}
		)
	`, "{{timestamp}}", dialectTypes[s.dialect]["{{timestamp}}"]))
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := s.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, err
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_migrations"); err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
