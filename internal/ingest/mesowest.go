package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/units"
)

const mesowestTimeFormat = "200601021504"

type MesowestConfig struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	// Vars limits the variables requested. Empty requests all schema
	// variables.
	Vars []string
}

// Mesowest reads the Synoptic (Mesowest) time series and metadata API.
type Mesowest struct {
	fetcher
	baseURL string
	token   string
	vars    []string
}

func NewMesowest(cfg MesowestConfig) *Mesowest {
	vars := cfg.Vars
	if len(vars) == 0 {
		for _, v := range models.Variables {
			vars = append(vars, string(v))
		}
	}
	return &Mesowest{
		fetcher: newFetcher(models.SourceMesowest, cfg.Timeout, cfg.RequestsPerSecond),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		vars:    vars,
	}
}

func (m *Mesowest) Name() models.Source { return models.SourceMesowest }

func (m *Mesowest) Endpoint() string { return "stations/timeseries" }

type mesowestResponse struct {
	Summary struct {
		ResponseCode    int    `json:"RESPONSE_CODE"`
		ResponseMessage string `json:"RESPONSE_MESSAGE"`
	} `json:"SUMMARY"`
	Units   map[string]string `json:"UNITS"`
	Station []mesowestStation `json:"STATION"`
}

type mesowestStation struct {
	STID      string    `json:"STID"`
	Name      string    `json:"NAME"`
	Latitude  flexFloat `json:"LATITUDE"`
	Longitude flexFloat `json:"LONGITUDE"`
	Elevation flexFloat `json:"ELEVATION"` // feet
	Timezone  string    `json:"TIMEZONE"`
	Status    string    `json:"STATUS"`

	// variable -> set name -> sensor details
	SensorVariables map[string]map[string]json.RawMessage `json:"SENSOR_VARIABLES"`
	Observations    map[string]json.RawMessage            `json:"OBSERVATIONS"`
}

func (m *Mesowest) decode(body []byte) (*mesowestResponse, error) {
	var data mesowestResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: mesowest: unmarshal: %w", ErrProvider, err)
	}
	if data.Summary.ResponseCode != 1 {
		return nil, fmt.Errorf("%w: mesowest: response code %d: %s", ErrProvider, data.Summary.ResponseCode, data.Summary.ResponseMessage)
	}
	return &data, nil
}

// Fetch returns the station's observations for start..end (UTC) in long
// form. Values are in the units Mesowest reports for units=metric.
func (m *Mesowest) Fetch(ctx context.Context, stationID string, start, end time.Time) (*FetchResult, error) {
	q := url.Values{}
	q.Set("token", m.token)
	q.Set("stid", stationID)
	q.Set("start", start.UTC().Format(mesowestTimeFormat))
	q.Set("end", end.UTC().Format(mesowestTimeFormat))
	q.Set("obtimezone", "utc")
	q.Set("units", "metric")
	q.Set("vars", strings.Join(m.vars, ","))

	result := &FetchResult{}
	body, status, err := m.get(ctx, stationID, m.baseURL+"/stations/timeseries?"+q.Encode())
	result.HTTPStatus = status
	result.Body = body
	if err != nil {
		return result, err
	}

	data, err := m.decode(body)
	if err != nil {
		return result, err
	}
	if len(data.Station) == 0 {
		return result, nil
	}
	result.Observations = parseMesowestStation(data.Station[0], data.Units, result)
	return result, nil
}

func parseMesowestStation(st mesowestStation, unitsBySet map[string]string, result *FetchResult) []models.Observation {
	var stamps []string
	if raw, ok := st.Observations["date_time"]; ok {
		if err := json.Unmarshal(raw, &stamps); err != nil {
			result.parseError(fmt.Errorf("date_time: %w", err))
			return nil
		}
	}
	times := make([]time.Time, len(stamps))
	for i, s := range stamps {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			result.parseError(fmt.Errorf("date_time %q: %w", s, err))
			continue
		}
		times[i] = t.UTC()
	}

	// deterministic order keeps the output stable for a given payload
	names := make([]string, 0, len(st.SensorVariables))
	for name := range st.SensorVariables {
		names = append(names, name)
	}
	sort.Strings(names)

	var obs []models.Observation
	for _, name := range names {
		if name == "date_time" {
			continue
		}
		sets := make([]string, 0, len(st.SensorVariables[name]))
		for set := range st.SensorVariables[name] {
			sets = append(sets, set)
		}
		sort.Strings(sets)
		if len(sets) == 0 {
			continue
		}
		// the primary sensor is set_1; others are redundant instruments
		set := sets[0]
		raw, ok := st.Observations[set]
		if !ok {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			result.parseError(fmt.Errorf("%s: %w", set, err))
			continue
		}
		unit := unitsBySet[name]
		for i, v := range values {
			if i >= len(times) || times[i].IsZero() {
				break
			}
			value := math.NaN()
			if v != nil {
				value = *v
			}
			obs = append(obs, models.Observation{
				StationID:  st.STID,
				ObservedAt: times[i],
				Variable:   models.Variable(name),
				Value:      value,
				Unit:       unit,
			})
		}
	}
	return obs
}

// Metadata returns station details for the given Mesowest station ids and
// the raw response body.
func (m *Mesowest) Metadata(ctx context.Context, stationIDs []string) ([]models.Station, []byte, error) {
	q := url.Values{}
	q.Set("token", m.token)
	q.Set("stid", strings.Join(stationIDs, ","))
	q.Set("complete", "1")

	body, _, err := m.get(ctx, strings.Join(stationIDs, ","), m.baseURL+"/stations/metadata?"+q.Encode())
	if err != nil {
		return nil, body, err
	}
	data, err := m.decode(body)
	if err != nil {
		return nil, body, err
	}

	stations := make([]models.Station, 0, len(data.Station))
	for _, s := range data.Station {
		st := models.Station{
			StationID: s.STID,
			Name:      s.Name,
			Latitude:  sql.NullFloat64(s.Latitude),
			Longitude: sql.NullFloat64(s.Longitude),
			Source:    models.SourceMesowest,
			Timezone:  s.Timezone,
			Active:    s.Status == "" || strings.EqualFold(s.Status, "ACTIVE"),
		}
		if s.Elevation.Valid {
			st.Elevation = models.NullFloat(units.FeetToMetres(s.Elevation.Float64))
		}
		stations = append(stations, st)
	}
	return stations, body, nil
}

// flexFloat decodes a number, a numeric string or null. Mesowest quotes
// most numeric metadata.
type flexFloat sql.NullFloat64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = flexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", b, err)
	}
	*f = flexFloat(models.NullFloat(v))
	return nil
}
