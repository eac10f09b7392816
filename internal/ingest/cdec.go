package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lox/wxdb/internal/models"
)

const (
	cdecDateFormat  = "2006-01-02"
	cdecStampFormat = "20060102 1504"
)

// cdecSensors maps CDEC sensor numbers to schema variables.
var cdecSensors = map[int]models.Variable{
	2:  models.PrecipAccum,
	3:  models.SnowWaterEquiv,
	4:  models.AirTemp,
	9:  models.WindSpeed,
	10: models.WindDirection,
	12: models.RelativeHumidity,
	18: models.SnowDepth,
	26: models.SolarRadiation,
}

const cdecSensorNums = "2,3,4,9,10,12,18,26"

type CDECConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	// Location is the zone CDEC reports times in. CDEC uses Pacific
	// Standard Time all year.
	Location *time.Location
}

// CDEC reads hourly sensor data from the CDEC CSV data servlet.
type CDEC struct {
	fetcher
	baseURL string
	loc     *time.Location
}

func NewCDEC(cfg CDECConfig) *CDEC {
	loc := cfg.Location
	if loc == nil {
		loc = time.FixedZone("PST", -8*60*60)
	}
	return &CDEC{
		fetcher: newFetcher(models.SourceCDEC, cfg.Timeout, cfg.RequestsPerSecond),
		baseURL: cfg.BaseURL,
		loc:     loc,
	}
}

func (c *CDEC) Name() models.Source { return models.SourceCDEC }

func (c *CDEC) Endpoint() string { return "CSVDataServlet" }

// Fetch requests whole days covering start..end and returns the hourly
// observations that fall inside the range.
func (c *CDEC) Fetch(ctx context.Context, stationID string, start, end time.Time) (*FetchResult, error) {
	q := url.Values{}
	q.Set("Stations", stationID)
	q.Set("SensorNums", cdecSensorNums)
	q.Set("dur_code", "H")
	q.Set("Start", start.In(c.loc).Format(cdecDateFormat))
	q.Set("End", end.In(c.loc).Format(cdecDateFormat))

	result := &FetchResult{}
	body, status, err := c.get(ctx, stationID, c.baseURL+"?"+q.Encode())
	result.HTTPStatus = status
	result.Body = body
	if err != nil {
		return result, err
	}

	obs, err := c.parse(body, result)
	if err != nil {
		return result, fmt.Errorf("%w: cdec %s: %w", ErrProvider, stationID, err)
	}
	for _, o := range obs {
		if o.ObservedAt.Before(start) || o.ObservedAt.After(end) {
			continue
		}
		result.Observations = append(result.Observations, o)
	}
	return result, nil
}

func (c *CDEC) parse(body []byte, result *FetchResult) ([]models.Observation, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{"STATION_ID", "SENSOR_NUMBER", "DATE TIME", "VALUE", "UNITS"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var obs []models.Observation
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.parseError(fmt.Errorf("line %d: %w", line, err))
			continue
		}
		if len(row) < len(header) {
			result.parseError(fmt.Errorf("line %d: %d fields, want %d", line, len(row), len(header)))
			continue
		}

		sensor, err := strconv.Atoi(strings.TrimSpace(row[col["SENSOR_NUMBER"]]))
		if err != nil {
			result.parseError(fmt.Errorf("line %d: sensor number: %w", line, err))
			continue
		}
		variable, ok := cdecSensors[sensor]
		if !ok {
			continue
		}

		at, err := time.ParseInLocation(cdecStampFormat, strings.TrimSpace(row[col["DATE TIME"]]), c.loc)
		if err != nil {
			result.parseError(fmt.Errorf("line %d: date: %w", line, err))
			continue
		}

		value := math.NaN()
		if raw := strings.TrimSpace(row[col["VALUE"]]); raw != "" && raw != "---" {
			value, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				result.parseError(fmt.Errorf("line %d: value %q: %w", line, raw, err))
				continue
			}
		}

		obs = append(obs, models.Observation{
			StationID:  strings.TrimSpace(row[col["STATION_ID"]]),
			ObservedAt: at.UTC(),
			Variable:   variable,
			Value:      value,
			Unit:       strings.TrimSpace(row[col["UNITS"]]),
		})
	}
	return obs, nil
}
