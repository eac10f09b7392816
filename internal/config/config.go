// Package config loads wxdb settings from defaults, an optional YAML file
// and WXDB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/lox/wxdb/internal/acid"
	"github.com/lox/wxdb/internal/logging"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/qc"
	"github.com/lox/wxdb/internal/reconcile"
	"github.com/lox/wxdb/internal/store"
)

const envPrefix = "WXDB_"

type Config struct {
	Database  Database        `yaml:"database"`
	Providers Providers       `yaml:"providers"`
	Reconcile Reconcile       `yaml:"reconcile"`
	Clean     Clean           `yaml:"clean"`
	HTTP      HTTP            `yaml:"http"`
	Stations  []StationConfig `yaml:"stations"`

	// Client restricts processing to one station group. Empty means all.
	Client    string        `yaml:"client"`
	Timezone  string        `yaml:"timezone"`
	Workers   int           `yaml:"workers"`
	Interval  time.Duration `yaml:"interval"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

type Database struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	BatchSize    int    `yaml:"batch_size"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type Providers struct {
	Mesowest Mesowest `yaml:"mesowest"`
	CDEC     CDEC     `yaml:"cdec"`
}

type Mesowest struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Vars              []string      `yaml:"vars"`
}

type CDEC struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	// Timezone of the DATE TIME column. CDEC reports Pacific Standard Time
	// all year.
	Timezone string `yaml:"timezone"`
}

type Reconcile struct {
	Window     string `yaml:"window"`
	MaxRetries int    `yaml:"max_retries"`
}

type Clean struct {
	RangePolicy  string                          `yaml:"range_policy"`
	LookbackDays int                             `yaml:"lookback_days"`
	Ranges       map[models.Variable]qc.Range    `yaml:"ranges"`
	Variables    map[models.Variable]acid.Params `yaml:"variables"`
	CloudFactor  acid.CloudFactorParams          `yaml:"cloud_factor"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

// StationConfig seeds a station row. Coordinates left unset keep whatever
// the store already holds.
type StationConfig struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Source    models.Source `yaml:"source"`
	Latitude  *float64      `yaml:"latitude"`
	Longitude *float64      `yaml:"longitude"`
	Elevation *float64      `yaml:"elevation"`
	Timezone  string        `yaml:"timezone"`
	Client    string        `yaml:"client"`
}

func (s StationConfig) Station() models.Station {
	st := models.Station{
		StationID: s.ID,
		Name:      s.Name,
		Source:    s.Source,
		Timezone:  s.Timezone,
		Client:    s.Client,
		Active:    true,
	}
	if s.Latitude != nil {
		st.Latitude = models.NullFloat(*s.Latitude)
	}
	if s.Longitude != nil {
		st.Longitude = models.NullFloat(*s.Longitude)
	}
	if s.Elevation != nil {
		st.Elevation = models.NullFloat(*s.Elevation)
	}
	return st
}

// Default returns the built-in settings.
func Default() *Config {
	vars := make([]string, len(models.Variables))
	for i, v := range models.Variables {
		vars[i] = string(v)
	}
	return &Config{
		Database: Database{
			Driver:       string(store.DialectSQLite),
			DSN:          "data/wxdb.db",
			BatchSize:    store.DefaultBatchSize,
			MaxOpenConns: 10,
		},
		Providers: Providers{
			Mesowest: Mesowest{
				BaseURL:           "https://api.synopticdata.com/v2",
				Timeout:           30 * time.Second,
				RequestsPerSecond: 2,
				Vars:              vars,
			},
			CDEC: CDEC{
				BaseURL:           "https://cdec.water.ca.gov/dynamicapp/req/CSVDataServlet",
				Timeout:           30 * time.Second,
				RequestsPerSecond: 2,
				Timezone:          "Etc/GMT+8",
			},
		},
		Reconcile: Reconcile{
			Window:     string(reconcile.WindowCentered),
			MaxRetries: reconcile.DefaultMaxRetries,
		},
		Clean: Clean{
			RangePolicy:  string(qc.PolicyRemove),
			LookbackDays: 7,
			CloudFactor:  acid.DefaultCloudFactorParams,
		},
		HTTP:      HTTP{Addr: ":8080"},
		Timezone:  "America/Los_Angeles",
		Workers:   4,
		Interval:  time.Hour,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any)
// and then the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnvOrDefault returns the WXDB_ prefixed environment variable, or def when
// it is unset or empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func (c *Config) applyEnv() error {
	c.Database.Driver = EnvOrDefault("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = EnvOrDefault("DSN", c.Database.DSN)
	c.Providers.Mesowest.BaseURL = EnvOrDefault("MESOWEST_URL", c.Providers.Mesowest.BaseURL)
	c.Providers.Mesowest.Token = EnvOrDefault("MESOWEST_TOKEN", c.Providers.Mesowest.Token)
	c.Providers.CDEC.BaseURL = EnvOrDefault("CDEC_URL", c.Providers.CDEC.BaseURL)
	c.Reconcile.Window = EnvOrDefault("RECONCILE_WINDOW", c.Reconcile.Window)
	c.Clean.RangePolicy = EnvOrDefault("RANGE_POLICY", c.Clean.RangePolicy)
	c.HTTP.Addr = EnvOrDefault("HTTP_ADDR", c.HTTP.Addr)
	c.Client = EnvOrDefault("CLIENT", c.Client)
	c.Timezone = EnvOrDefault("TIMEZONE", c.Timezone)
	c.LogLevel = EnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvOrDefault("LOG_FORMAT", c.LogFormat)

	var err error
	if c.Database.BatchSize, err = envInt("BATCH_SIZE", c.Database.BatchSize); err != nil {
		return err
	}
	if c.Workers, err = envInt("WORKERS", c.Workers); err != nil {
		return err
	}
	if c.Reconcile.MaxRetries, err = envInt("MAX_RETRIES", c.Reconcile.MaxRetries); err != nil {
		return err
	}
	if s := EnvOrDefault("INTERVAL", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %sINTERVAL: %w", envPrefix, err)
		}
		c.Interval = d
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	s := EnvOrDefault(key, "")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := store.ParseDialect(c.Database.Driver); err != nil {
		errs = append(errs, err)
	}
	if c.Database.DSN == "" {
		add("database dsn is required")
	}
	if c.Database.BatchSize <= 0 {
		add("database batch_size must be > 0, got %d", c.Database.BatchSize)
	}
	if c.Workers <= 0 {
		add("workers must be > 0, got %d", c.Workers)
	}
	if c.Interval <= 0 {
		add("interval must be > 0, got %s", c.Interval)
	}
	if c.Reconcile.MaxRetries < 0 {
		add("reconcile max_retries must be >= 0, got %d", c.Reconcile.MaxRetries)
	}
	if _, err := reconcile.ParseWindowMode(c.Reconcile.Window); err != nil {
		errs = append(errs, err)
	}
	if _, err := qc.ParsePolicy(c.Clean.RangePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Clean.LookbackDays <= 0 {
		add("clean lookback_days must be > 0, got %d", c.Clean.LookbackDays)
	}
	for v, r := range c.Clean.Ranges {
		if !models.Known(v) && v != models.CloudFactor && v != models.VaporPressure {
			add("clean ranges: unknown variable %q", v)
		}
		if r.Min >= r.Max {
			add("clean ranges: %s min %v must be below max %v", v, r.Min, r.Max)
		}
	}
	for v, p := range c.Clean.Variables {
		if !models.Known(v) {
			add("clean variables: unknown variable %q", v)
		}
		if err := p.Validate(); err != nil {
			add("clean variables: %s: %w", v, err)
		}
	}
	if err := c.Clean.CloudFactor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add("timezone %q: %w", c.Timezone, err)
	}
	if _, err := time.LoadLocation(c.Providers.CDEC.Timezone); err != nil {
		add("providers cdec timezone %q: %w", c.Providers.CDEC.Timezone, err)
	}
	for _, name := range c.Providers.Mesowest.Vars {
		if !models.Known(models.Variable(name)) {
			add("providers mesowest vars: unknown variable %q", name)
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		add("log_format must be text or json, got %q", c.LogFormat)
	}
	seen := make(map[string]bool)
	for i, st := range c.Stations {
		switch {
		case st.ID == "":
			add("stations[%d]: id is required", i)
		case seen[st.ID]:
			add("stations[%d]: duplicate id %s", i, st.ID)
		}
		seen[st.ID] = true
		if st.Source != models.SourceMesowest && st.Source != models.SourceCDEC {
			add("stations[%d] %s: unknown source %q", i, st.ID, st.Source)
		}
		if st.Timezone != "" {
			if _, err := time.LoadLocation(st.Timezone); err != nil {
				add("stations[%d] %s: timezone %q: %w", i, st.ID, st.Timezone, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Location is the timezone used for local calendar dates.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FilterParams returns the default filter parameters with any configured
// per-variable sets replacing them.
func (c *Config) FilterParams() map[models.Variable]acid.Params {
	out := make(map[models.Variable]acid.Params, len(acid.DefaultParams)+len(c.Clean.Variables))
	for v, p := range acid.DefaultParams {
		out[v] = p
	}
	for v, p := range c.Clean.Variables {
		out[v] = p
	}
	return out
}

// Gate builds the quality gate from the configured ranges and policy.
func (c *Config) Gate() *qc.Gate {
	policy, err := qc.ParsePolicy(c.Clean.RangePolicy)
	if err != nil {
		policy = qc.PolicyRemove
	}
	return qc.NewGate(c.Clean.Ranges, policy)
}

// WindowMode returns the parsed reconcile window, centered if invalid.
func (c *Config) WindowMode() reconcile.WindowMode {
	m, err := reconcile.ParseWindowMode(c.Reconcile.Window)
	if err != nil {
		return reconcile.WindowCentered
	}
	return m
}
