package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lox/wxdb/internal/models"
)

const stationColumns = `station_id, name, latitude, longitude, elevation, source, timezone, client, active`

func (s *Store) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO stations (`+stationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_id) DO UPDATE SET
			name = excluded.name,
			latitude = COALESCE(excluded.latitude, stations.latitude),
			longitude = COALESCE(excluded.longitude, stations.longitude),
			elevation = COALESCE(excluded.elevation, stations.elevation),
			source = excluded.source,
			timezone = excluded.timezone,
			client = excluded.client,
			active = excluded.active
	`), st.StationID, st.Name, st.Latitude, st.Longitude, st.Elevation, string(st.Source), st.Timezone, st.Client, st.Active)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.StationID, classify(err))
	}
	return nil
}

// GetStations returns active stations, restricted to a client when client
// is non-empty.
func (s *Store) GetStations(ctx context.Context, client string) ([]models.Station, error) {
	q := `SELECT ` + stationColumns + ` FROM stations WHERE active = TRUE`
	var args []any
	if client != "" {
		q += ` AND client = ?`
		args = append(args, client)
	}
	q += ` ORDER BY station_id`

	var stations []models.Station
	if err := s.db.SelectContext(ctx, &stations, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("get stations: %w", err)
	}
	return stations, nil
}

// GetStationsBySource returns active stations for one provider.
func (s *Store) GetStationsBySource(ctx context.Context, source models.Source, client string) ([]models.Station, error) {
	all, err := s.GetStations(ctx, client)
	if err != nil {
		return nil, err
	}
	var out []models.Station
	for _, st := range all {
		if st.Source == source {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) GetStation(ctx context.Context, stationID string) (*models.Station, error) {
	var st models.Station
	err := s.db.GetContext(ctx, &st, s.rebind(`SELECT `+stationColumns+` FROM stations WHERE station_id = ?`), stationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get station %s: %w", stationID, err)
	}
	return &st, nil
}
