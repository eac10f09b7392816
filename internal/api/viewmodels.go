package api

import (
	"database/sql"
	"time"

	"github.com/lox/wxdb/internal/models"
)

// StationView is the JSON form of a station.
type StationView struct {
	StationID string        `json:"station_id"`
	Name      string        `json:"name"`
	Latitude  *float64      `json:"latitude"`
	Longitude *float64      `json:"longitude"`
	Elevation *float64      `json:"elevation"`
	Source    models.Source `json:"source"`
	Timezone  string        `json:"timezone"`
	Client    string        `json:"client"`
	Active    bool          `json:"active"`
}

// ObservationView is one row of any tier. Values holds every schema
// variable, null where missing.
type ObservationView struct {
	StationID     string                       `json:"station_id"`
	ObservedAt    time.Time                    `json:"observed_at"`
	Values        map[models.Variable]*float64 `json:"values"`
	Reconciled    *bool                        `json:"reconciled,omitempty"`
	QualityFlag   *string                      `json:"quality_flag,omitempty"`
	CloudFactor   *float64                     `json:"cloud_factor,omitempty"`
	VaporPressure *float64                     `json:"vapor_pressure,omitempty"`
}

type IngestErrorView struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Source     string    `json:"source"`
	Endpoint   string    `json:"endpoint"`
	StationID  string    `json:"station_id,omitempty"`
	HTTPStatus *int64    `json:"http_status,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func nullable(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func stationView(st models.Station) StationView {
	return StationView{
		StationID: st.StationID,
		Name:      st.Name,
		Latitude:  nullable(st.Latitude),
		Longitude: nullable(st.Longitude),
		Elevation: nullable(st.Elevation),
		Source:    st.Source,
		Timezone:  st.Timezone,
		Client:    st.Client,
		Active:    st.Active,
	}
}

func recordView(r models.Record) ObservationView {
	values := make(map[models.Variable]*float64, len(models.Variables))
	for _, v := range models.Variables {
		values[v] = nullable(*r.Field(v))
	}
	return ObservationView{
		StationID:  r.StationID,
		ObservedAt: r.ObservedAt.UTC(),
		Values:     values,
	}
}

func hourlyView(r models.HourlyRecord) ObservationView {
	v := recordView(r.Record)
	reconciled := r.Reconciled
	v.Reconciled = &reconciled
	return v
}

func cleanedView(r models.CleanedRecord) ObservationView {
	v := recordView(r.Record)
	flag := r.QualityFlag
	v.QualityFlag = &flag
	v.CloudFactor = nullable(r.CloudFactor)
	v.VaporPressure = nullable(r.VaporPressure)
	return v
}
