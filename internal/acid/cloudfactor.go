package acid

import (
	"fmt"
	"math"
	"sort"
)

// CloudFactor estimates, for each whole day of an hourly solar radiation
// series, the ratio of observed to clear-sky insolation. The clear-sky
// reference for a day comes from the two strongest peaks found by
// FindPeaksCWT within p.Window hours either side of the day's end. The
// factor is clipped to 1 and written to all 24 hours of the day; days
// without a usable peak, or whose total does not exceed p.SCutoff, are NaN.
//
// The last day of the series is left NaN since its window is incomplete.
func CloudFactor(solar []float64, p CloudFactorParams) ([]float64, error) {
	n := len(solar)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if err := p.Validate(); err != nil {
		return out, err
	}
	if n < 3*24 {
		return out, fmt.Errorf("%w: cloud factor needs 72 hours, got %d", ErrInsufficientData, n)
	}

	limit := n - 24
	for iday := 0; iday+24 < limit; iday += 24 {
		f := dayFactor(solar, iday, p)
		for h := iday; h < iday+24; h++ {
			out[h] = f
		}
	}
	return out, nil
}

func dayFactor(solar []float64, iday int, p CloudFactorParams) float64 {
	h := iday + 24
	lo := h - p.Window + 1
	if lo < 0 {
		lo = 0
	}
	hi := h + p.Window
	if hi > len(solar)-24 {
		hi = len(solar) - 24
	}
	section := make([]float64, hi-lo)
	for i, v := range solar[lo:hi] {
		if math.IsNaN(v) {
			v = 0
		}
		section[i] = v
	}

	peaks := FindPeaksCWT(section)
	if len(peaks) == 0 {
		return math.NaN()
	}
	sort.SliceStable(peaks, func(i, j int) bool { return section[peaks[i]] > section[peaks[j]] })
	if len(peaks) > 2 {
		peaks = peaks[:2]
	}

	clear := false
	for _, pk := range peaks {
		if section[pk] > p.SCutoff {
			clear = true
		}
	}
	if !clear {
		return math.NaN()
	}

	ref := 0.0
	for _, pk := range peaks {
		ref += sumRange(section, pk-p.PeakPM, pk+p.PeakPM)
	}
	ref /= float64(len(peaks))
	if ref <= 0 {
		return math.NaN()
	}

	sol := sumRange(solar, iday, iday+24)
	if !(sol > p.SCutoff) {
		return math.NaN()
	}
	return math.Min(sol/ref*p.PeakFactor, 1)
}

// sumRange sums x[lo:hi] clipped to the slice, skipping NaN.
func sumRange(x []float64, lo, hi int) float64 {
	if lo < 0 {
		lo = 0
	}
	if hi > len(x) {
		hi = len(x)
	}
	sum := 0.0
	for i := lo; i < hi; i++ {
		if !math.IsNaN(x[i]) {
			sum += x[i]
		}
	}
	return sum
}
