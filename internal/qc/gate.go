// Package qc flags missing and out-of-range hourly values and applies the
// configured out-of-range policy.
package qc

import (
	"fmt"
	"math"

	"github.com/lox/wxdb/internal/metrics"
	"github.com/lox/wxdb/internal/models"
)

// Flag is the per-row set of failed checks.
type Flag uint8

const (
	FlagMissing Flag = 1 << iota
	FlagRange
)

// String renders the flag the way it is stored: "0" for a clean row,
// otherwise the codes of the failed checks in the order "m", "r".
func (f Flag) String() string {
	if f == 0 {
		return "0"
	}
	s := ""
	if f&FlagMissing != 0 {
		s += "m"
	}
	if f&FlagRange != 0 {
		s += "r"
	}
	return s
}

type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (r Range) Contains(x float64) bool {
	return x >= r.Min && x <= r.Max
}

// Policy decides what happens to an out-of-range value.
type Policy string

const (
	// PolicyRemove nulls the value and keeps it null after cleaning.
	PolicyRemove Policy = "remove"
	// PolicyCap clamps the value to the range.
	PolicyCap Policy = "cap"
	// PolicyFill nulls the value so gap interpolation may replace it.
	PolicyFill Policy = "fill"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyRemove, PolicyCap, PolicyFill:
		return p, nil
	case "":
		return PolicyRemove, nil
	}
	return "", fmt.Errorf("unknown range policy %q", s)
}

// DefaultRanges are the plausible limits in metric units: degrees C, mm,
// m/s, degrees, W/m^2, Pa.
var DefaultRanges = map[models.Variable]Range{
	models.AirTemp:             {-50, 50},
	models.DewPointTemperature: {-50, 35},
	models.RelativeHumidity:    {0, 100},
	models.WindSpeed:           {0, 35},
	models.WindDirection:       {0, 360},
	models.WindGust:            {0, 50},
	models.SolarRadiation:      {0, 1350},
	models.SnowSmoothed:        {0, 5000},
	models.PrecipAccum:         {0, 5000},
	models.SnowDepth:           {0, 5000},
	models.SnowAccum:           {0, 1000},
	models.PrecipStorm:         {0, 5000},
	models.SnowInterval:        {0, 1000},
	models.SnowWaterEquiv:      {0, 5000},
	models.VaporPressure:       {0, 3500},
	models.CloudFactor:         {0, 1},
}

type Gate struct {
	ranges map[models.Variable]Range
	policy Policy
}

// NewGate returns a gate using DefaultRanges overlaid with overrides.
func NewGate(overrides map[models.Variable]Range, policy Policy) *Gate {
	ranges := make(map[models.Variable]Range, len(DefaultRanges))
	for v, r := range DefaultRanges {
		ranges[v] = r
	}
	for v, r := range overrides {
		ranges[v] = r
	}
	if policy == "" {
		policy = PolicyRemove
	}
	return &Gate{ranges: ranges, policy: policy}
}

func (g *Gate) Policy() Policy { return g.policy }

// Apply checks every reported column of an hourly grid. A column is
// reported when it holds at least one value; unreported columns are not
// checked. flags must have one entry per row and is updated in place.
// The returned masks mark values removed under PolicyRemove.
func (g *Gate) Apply(cols map[models.Variable][]float64, flags []Flag) map[models.Variable][]bool {
	for v, col := range cols {
		if !reported(col) {
			continue
		}
		missing := 0
		for i, x := range col {
			if math.IsNaN(x) {
				flags[i] |= FlagMissing
				missing++
			}
		}
		if missing > 0 {
			metrics.QualityFlags.WithLabelValues(string(v), "missing").Add(float64(missing))
		}
	}
	return g.CheckRange(cols, flags)
}

// CheckRange applies only the range check and policy.
func (g *Gate) CheckRange(cols map[models.Variable][]float64, flags []Flag) map[models.Variable][]bool {
	removed := make(map[models.Variable][]bool)
	for v, col := range cols {
		r, ok := g.ranges[v]
		if !ok {
			continue
		}
		for i, x := range col {
			if math.IsNaN(x) || r.Contains(x) {
				continue
			}
			flags[i] |= FlagRange
			metrics.QualityFlags.WithLabelValues(string(v), "range").Inc()
			switch g.policy {
			case PolicyCap:
				col[i] = math.Max(r.Min, math.Min(r.Max, x))
			case PolicyFill:
				col[i] = math.NaN()
			default:
				col[i] = math.NaN()
				mask := removed[v]
				if mask == nil {
					mask = make([]bool, len(col))
					removed[v] = mask
				}
				mask[i] = true
			}
		}
	}
	return removed
}

// Reapply nulls every value marked in removed.
func Reapply(cols map[models.Variable][]float64, removed map[models.Variable][]bool) {
	for v, mask := range removed {
		col, ok := cols[v]
		if !ok {
			continue
		}
		for i, m := range mask {
			if m && i < len(col) {
				col[i] = math.NaN()
			}
		}
	}
}

func reported(col []float64) bool {
	for _, x := range col {
		if !math.IsNaN(x) {
			return true
		}
	}
	return false
}
