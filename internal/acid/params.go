// Package acid implements automatic cleaning of irregular hourly station
// data: an FFT-gated low-pass filter per variable and a wavelet-based cloud
// factor estimate from solar radiation.
package acid

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/wxdb/internal/models"
)

// ErrInsufficientData is returned when a series is too short for the
// filter, the FFT or peak detection.
var ErrInsufficientData = errors.New("acid: insufficient data")

// Params configures AutoCleanFFT for one variable.
type Params struct {
	NInterp int     `yaml:"ninterp"` // longest interior gap (hours) to interpolate
	SCutoff float64 `yaml:"scutoff"` // minimum low-frequency magnitude for a window to pass
	FCutoff float64 `yaml:"fcutoff"` // normalised low-pass cutoff, Nyquist = 1
	Window  int     `yaml:"window"`  // hours saved per pass
	NFDays  int     `yaml:"nfdays"`  // windows of context per pass
}

func (p Params) Validate() error {
	switch {
	case p.NInterp < 0:
		return fmt.Errorf("ninterp must be >= 0, got %d", p.NInterp)
	case p.SCutoff < 0:
		return fmt.Errorf("scutoff must be >= 0, got %v", p.SCutoff)
	case p.FCutoff <= 0 || p.FCutoff >= 1:
		return fmt.Errorf("fcutoff must be in (0, 1), got %v", p.FCutoff)
	case p.Window <= 0:
		return fmt.Errorf("window must be > 0, got %d", p.Window)
	case p.NFDays <= 0:
		return fmt.Errorf("nfdays must be > 0, got %d", p.NFDays)
	case p.Window*p.NFDays <= filtPadLen:
		return fmt.Errorf("window*nfdays must exceed %d samples", filtPadLen)
	}
	return nil
}

// DefaultParams are the per-variable filter settings. Variables without an
// entry are carried through cleaning unfiltered.
var DefaultParams = map[models.Variable]Params{
	models.AirTemp:          {NInterp: 12, SCutoff: 0.8, FCutoff: 0.5, Window: 24, NFDays: 3},
	models.RelativeHumidity: {NInterp: 12, SCutoff: 1.8, FCutoff: 0.5, Window: 24, NFDays: 3},
	models.WindSpeed:        {NInterp: 3, SCutoff: 0.002, FCutoff: 0.5, Window: 24, NFDays: 3},
	models.WindDirection:    {NInterp: 6, SCutoff: 0.00005, FCutoff: 0.8, Window: 24, NFDays: 2},
	models.SolarRadiation:   {NInterp: 12, SCutoff: 15, FCutoff: 0.5, Window: 24, NFDays: 3},
}

// CloudFactorParams configures CloudFactor.
type CloudFactorParams struct {
	Window     int     `yaml:"window"`      // hours either side of a day searched for clear-sky peaks
	SCutoff    float64 `yaml:"scutoff"`     // minimum peak and daily total, W/m^2
	PeakPM     int     `yaml:"peakpm"`      // hours either side of a peak summed for the reference
	PeakFactor float64 `yaml:"peak_factor"` // scaling applied to the observed/reference ratio
}

func (p CloudFactorParams) Validate() error {
	switch {
	case p.Window < 24:
		return fmt.Errorf("cloud factor window must be >= 24, got %d", p.Window)
	case p.SCutoff < 0:
		return fmt.Errorf("cloud factor scutoff must be >= 0, got %v", p.SCutoff)
	case p.PeakPM <= 0:
		return fmt.Errorf("cloud factor peakpm must be > 0, got %d", p.PeakPM)
	case p.PeakFactor <= 0:
		return fmt.Errorf("cloud factor peak_factor must be > 0, got %v", p.PeakFactor)
	}
	return nil
}

var DefaultCloudFactorParams = CloudFactorParams{
	Window:     24 * 10,
	SCutoff:    50,
	PeakPM:     7,
	PeakFactor: 1.05,
}

// Prepend returns how much history must be loaded before a cleaning range so
// the first requested hour has full filter and cloud factor context.
func Prepend(params map[models.Variable]Params, cf CloudFactorParams) time.Duration {
	days := (cf.Window + 23) / 24
	for _, p := range params {
		if p.NFDays > days {
			days = p.NFDays
		}
	}
	return time.Duration(days) * 24 * time.Hour
}
