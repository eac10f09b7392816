package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/wxdb/internal/acid"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/qc"
	"github.com/lox/wxdb/internal/reconcile"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wxdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 75000, cfg.Database.BatchSize)
	assert.Equal(t, reconcile.WindowCentered, cfg.WindowMode())
	assert.Equal(t, qc.PolicyRemove, cfg.Gate().Policy())
	assert.Equal(t, acid.DefaultParams, cfg.FilterParams())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://localhost/wxdb
workers: 8
interval: 30m
reconcile:
  window: trailing
clean:
  range_policy: cap
  ranges:
    air_temp: {min: -40, max: 45}
  variables:
    wind_speed: {ninterp: 2, scutoff: 0.01, fcutoff: 0.4, window: 24, nfdays: 3}
  cloud_factor:
    peak_factor: 1.1
stations:
  - id: TUM
    source: cdec
    client: TUOL
    elevation: 2621
`)
	t.Setenv("WXDB_WORKERS", "2")
	t.Setenv("WXDB_MESOWEST_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 75000, cfg.Database.BatchSize, "unset keys keep defaults")
	assert.Equal(t, 2, cfg.Workers, "env overrides file")
	assert.Equal(t, 30*time.Minute, cfg.Interval)
	assert.Equal(t, "secret", cfg.Providers.Mesowest.Token)
	assert.Equal(t, reconcile.WindowTrailing, cfg.WindowMode())
	assert.Equal(t, qc.PolicyCap, cfg.Gate().Policy())

	params := cfg.FilterParams()
	assert.Equal(t, 2, params[models.WindSpeed].NInterp)
	assert.Equal(t, acid.DefaultParams[models.AirTemp], params[models.AirTemp])

	assert.Equal(t, 1.1, cfg.Clean.CloudFactor.PeakFactor)
	assert.Equal(t, 240, cfg.Clean.CloudFactor.Window, "partial cloud_factor keeps defaults")

	require.Len(t, cfg.Stations, 1)
	st := cfg.Stations[0].Station()
	assert.Equal(t, models.SourceCDEC, st.Source)
	assert.True(t, st.Elevation.Valid)
	assert.False(t, st.Latitude.Valid)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "databse:\n  dsn: x\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Workers, cfg.Workers)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("WXDB_WORKERS", "many")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("WXDB_WORKERS", "")
	t.Setenv("WXDB_INTERVAL", "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"dsn", func(c *Config) { c.Database.DSN = "" }},
		{"batch size", func(c *Config) { c.Database.BatchSize = 0 }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"window", func(c *Config) { c.Reconcile.Window = "leading" }},
		{"policy", func(c *Config) { c.Clean.RangePolicy = "drop" }},
		{"range order", func(c *Config) {
			c.Clean.Ranges = map[models.Variable]qc.Range{models.AirTemp: {Min: 10, Max: 10}}
		}},
		{"range variable", func(c *Config) {
			c.Clean.Ranges = map[models.Variable]qc.Range{"soil_temp": {Min: 0, Max: 1}}
		}},
		{"filter params", func(c *Config) {
			c.Clean.Variables = map[models.Variable]acid.Params{models.AirTemp: {FCutoff: 0.5}}
		}},
		{"fcutoff", func(c *Config) {
			p := acid.DefaultParams[models.AirTemp]
			p.FCutoff = 1.5
			c.Clean.Variables = map[models.Variable]acid.Params{models.AirTemp: p}
		}},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"station source", func(c *Config) {
			c.Stations = []StationConfig{{ID: "X", Source: "noaa"}}
		}},
		{"duplicate station", func(c *Config) {
			c.Stations = []StationConfig{{ID: "X", Source: models.SourceCDEC}, {ID: "X", Source: models.SourceCDEC}}
		}},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"mesowest vars", func(c *Config) { c.Providers.Mesowest.Vars = []string{"pressure"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
