package models

import (
	"database/sql"
	"math"
	"time"
)

// Variable names a measured quantity. Each variable is a column in every
// observation tier.
type Variable string

const (
	AirTemp             Variable = "air_temp"
	DewPointTemperature Variable = "dew_point_temperature"
	RelativeHumidity    Variable = "relative_humidity"
	WindSpeed           Variable = "wind_speed"
	WindDirection       Variable = "wind_direction"
	WindGust            Variable = "wind_gust"
	SolarRadiation      Variable = "solar_radiation"
	SnowSmoothed        Variable = "snow_smoothed"
	PrecipAccum         Variable = "precip_accum"
	SnowDepth           Variable = "snow_depth"
	SnowAccum           Variable = "snow_accum"
	PrecipStorm         Variable = "precip_storm"
	SnowInterval        Variable = "snow_interval"
	SnowWaterEquiv      Variable = "snow_water_equiv"
)

// Derived quantities stored only in the cleaned tier.
const (
	CloudFactor   Variable = "cloud_factor"
	VaporPressure Variable = "vapor_pressure"
)

// Variables is the schema of the observation tables, in column order.
var Variables = []Variable{
	AirTemp,
	DewPointTemperature,
	RelativeHumidity,
	WindSpeed,
	WindDirection,
	WindGust,
	SolarRadiation,
	SnowSmoothed,
	PrecipAccum,
	SnowDepth,
	SnowAccum,
	PrecipStorm,
	SnowInterval,
	SnowWaterEquiv,
}

var known = func() map[Variable]bool {
	m := make(map[Variable]bool, len(Variables))
	for _, v := range Variables {
		m[v] = true
	}
	return m
}()

// Known reports whether v is part of the observation schema.
func Known(v Variable) bool {
	return known[v]
}

type Source string

const (
	SourceMesowest Source = "mesowest"
	SourceCDEC     Source = "cdec"
)

type Station struct {
	StationID string          `db:"station_id" json:"station_id"`
	Name      string          `db:"name" json:"name"`
	Latitude  sql.NullFloat64 `db:"latitude" json:"-"`
	Longitude sql.NullFloat64 `db:"longitude" json:"-"`
	Elevation sql.NullFloat64 `db:"elevation" json:"-"` // metres
	Source    Source          `db:"source" json:"source"`
	Timezone  string          `db:"timezone" json:"timezone"`
	Client    string          `db:"client" json:"client"`
	Active    bool            `db:"active" json:"active"`
}

// Location returns the station's timezone, falling back to UTC.
func (s Station) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Observation is a single provider measurement in long form. Value is NaN
// when the provider reported the variable without a value.
type Observation struct {
	StationID  string
	ObservedAt time.Time
	Variable   Variable
	Value      float64
	Unit       string
}

// Readings holds one nullable value per schema variable.
type Readings struct {
	AirTemp             sql.NullFloat64 `db:"air_temp"`
	DewPointTemperature sql.NullFloat64 `db:"dew_point_temperature"`
	RelativeHumidity    sql.NullFloat64 `db:"relative_humidity"`
	WindSpeed           sql.NullFloat64 `db:"wind_speed"`
	WindDirection       sql.NullFloat64 `db:"wind_direction"`
	WindGust            sql.NullFloat64 `db:"wind_gust"`
	SolarRadiation      sql.NullFloat64 `db:"solar_radiation"`
	SnowSmoothed        sql.NullFloat64 `db:"snow_smoothed"`
	PrecipAccum         sql.NullFloat64 `db:"precip_accum"`
	SnowDepth           sql.NullFloat64 `db:"snow_depth"`
	SnowAccum           sql.NullFloat64 `db:"snow_accum"`
	PrecipStorm         sql.NullFloat64 `db:"precip_storm"`
	SnowInterval        sql.NullFloat64 `db:"snow_interval"`
	SnowWaterEquiv      sql.NullFloat64 `db:"snow_water_equiv"`
}

// Field returns a pointer to the column for v, or nil for variables outside
// the schema.
func (r *Readings) Field(v Variable) *sql.NullFloat64 {
	switch v {
	case AirTemp:
		return &r.AirTemp
	case DewPointTemperature:
		return &r.DewPointTemperature
	case RelativeHumidity:
		return &r.RelativeHumidity
	case WindSpeed:
		return &r.WindSpeed
	case WindDirection:
		return &r.WindDirection
	case WindGust:
		return &r.WindGust
	case SolarRadiation:
		return &r.SolarRadiation
	case SnowSmoothed:
		return &r.SnowSmoothed
	case PrecipAccum:
		return &r.PrecipAccum
	case SnowDepth:
		return &r.SnowDepth
	case SnowAccum:
		return &r.SnowAccum
	case PrecipStorm:
		return &r.PrecipStorm
	case SnowInterval:
		return &r.SnowInterval
	case SnowWaterEquiv:
		return &r.SnowWaterEquiv
	}
	return nil
}

// Get returns the value for v, NaN when null.
func (r *Readings) Get(v Variable) float64 {
	f := r.Field(v)
	if f == nil || !f.Valid {
		return math.NaN()
	}
	return f.Float64
}

// Set stores x for v. NaN and infinities are stored as null.
func (r *Readings) Set(v Variable, x float64) {
	f := r.Field(v)
	if f == nil {
		return
	}
	*f = NullFloat(x)
}

// Empty reports whether every column is null.
func (r *Readings) Empty() bool {
	for _, v := range Variables {
		if r.Field(v).Valid {
			return false
		}
	}
	return true
}

// NullFloat converts a float to a nullable column value; NaN becomes null.
func NullFloat(x float64) sql.NullFloat64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: x, Valid: true}
}

// Record is a row of the raw tier.
type Record struct {
	StationID  string    `db:"station_id"`
	ObservedAt time.Time `db:"observed_at"`
	Readings
}

// HourlyRecord is a row of the hourly tier.
type HourlyRecord struct {
	Record
	Reconciled bool `db:"reconciled"`
}

// CleanedRecord is a row of the cleaned tier.
type CleanedRecord struct {
	Record
	QualityFlag   string          `db:"quality_flag"`
	CloudFactor   sql.NullFloat64 `db:"cloud_factor"`
	VaporPressure sql.NullFloat64 `db:"vapor_pressure"`
}
