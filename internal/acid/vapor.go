package acid

import "math"

// VaporPressure returns the actual vapour pressure in Pa from air
// temperature (degrees C) and relative humidity (%), using the Magnus
// form of the saturation curve over water. NaN in either input gives NaN.
func VaporPressure(temp, rh []float64) []float64 {
	n := min(len(temp), len(rh))
	out := make([]float64, n)
	for i := range out {
		t, h := temp[i], rh[i]
		es := 611.2 * math.Exp(17.67*t/(t+243.5))
		out[i] = h / 100 * es
	}
	return out
}
