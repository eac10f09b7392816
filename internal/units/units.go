// Package units converts provider measurements from imperial to metric.
package units

import (
	"fmt"
	"math"
	"strings"

	"github.com/lox/wxdb/internal/models"
)

func FahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

func InchesToMillimetres(in float64) float64 { return in * 25.4 }

func MPHToMetresPerSecond(mph float64) float64 { return mph * 0.44704 }

func FeetToMetres(ft float64) float64 { return ft * 0.3048 }

// unit families a variable may be reported in
type kind int

const (
	temperature kind = iota
	length
	speed
	passthrough
)

var kinds = map[models.Variable]kind{
	models.AirTemp:             temperature,
	models.DewPointTemperature: temperature,
	models.RelativeHumidity:    passthrough,
	models.WindSpeed:           speed,
	models.WindGust:            speed,
	models.WindDirection:       passthrough,
	models.SolarRadiation:      passthrough,
	models.SnowSmoothed:        length,
	models.PrecipAccum:         length,
	models.SnowDepth:           length,
	models.SnowAccum:           length,
	models.PrecipStorm:         length,
	models.SnowInterval:        length,
	models.SnowWaterEquiv:      length,
}

// Convert returns value in the metric unit stored for variable. Values
// already in metric pass through; an unrecognised unit is an error.
func Convert(variable models.Variable, unit string, value float64) (float64, error) {
	k, ok := kinds[variable]
	if !ok {
		return 0, fmt.Errorf("unknown variable %q", variable)
	}
	if math.IsNaN(value) {
		return value, nil
	}

	u := strings.ToUpper(strings.TrimSpace(unit))
	switch k {
	case temperature:
		switch u {
		case "DEG F", "F", "FAHRENHEIT", "DEGF":
			return FahrenheitToCelsius(value), nil
		case "DEG C", "C", "CELSIUS", "DEGC", "":
			return value, nil
		}
	case length:
		switch u {
		case "INCHES", "IN", "INCH":
			return InchesToMillimetres(value), nil
		case "MM", "MILLIMETERS", "":
			return value, nil
		case "CM", "CENTIMETERS":
			return value * 10, nil
		}
	case speed:
		switch u {
		case "MPH":
			return MPHToMetresPerSecond(value), nil
		case "M/S", "MS", "":
			return value, nil
		}
	case passthrough:
		return value, nil
	}
	return 0, fmt.Errorf("unsupported unit %q for %s", unit, variable)
}
