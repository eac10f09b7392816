package acid

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// filtPadLen is the odd-extension length used by filtFilt for a first order
// filter: three times the number of coefficients.
const filtPadLen = 6

// gateBins is the highest FFT bin (exclusive) inspected by the signal gate.
// Bins 1..7 cover periods from the full window down to about a tenth of it.
const gateBins = 8

// InterpolateGaps fills interior runs of at most limit NaNs by linear
// interpolation between their neighbours, and a trailing run of at most
// limit NaNs with the last valid value. Longer runs and a leading run are
// left as NaN.
func InterpolateGaps(x []float64, limit int) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if limit <= 0 {
		return out
	}

	i := 0
	for i < len(out) {
		if !math.IsNaN(out[i]) {
			i++
			continue
		}
		start := i
		for i < len(out) && math.IsNaN(out[i]) {
			i++
		}
		end := i // first valid index after the gap
		if start == 0 || end-start > limit {
			continue
		}
		if end == len(out) {
			for j := start; j < end; j++ {
				out[j] = out[start-1]
			}
			continue
		}
		left, right := out[start-1], out[end]
		span := float64(end - start + 1)
		for j := start; j < end; j++ {
			frac := float64(j-start+1) / span
			out[j] = left + (right-left)*frac
		}
	}
	return out
}

// butterLowPass returns the coefficients of a first order digital
// Butterworth low-pass filter with normalised cutoff wn (Nyquist = 1),
// derived by the bilinear transform with frequency pre-warping.
func butterLowPass(wn float64) (b, a [2]float64) {
	k := math.Tan(math.Pi * wn / 2)
	b0 := k / (1 + k)
	return [2]float64{b0, b0}, [2]float64{1, (k - 1) / (k + 1)}
}

// lfilter runs a first order IIR filter in transposed direct form II,
// starting from state z.
func lfilter(b, a [2]float64, x []float64, z float64) []float64 {
	y := make([]float64, len(x))
	for i, xi := range x {
		yi := b[0]*xi + z
		z = b[1]*xi - a[1]*yi
		y[i] = yi
	}
	return y
}

// filtFilt applies the filter forward and backward for zero phase
// distortion. The input is extended at both ends by odd reflection and each
// pass starts in the steady state for its first sample.
func filtFilt(b, a [2]float64, x []float64) ([]float64, error) {
	n := len(x)
	if n <= filtPadLen {
		return nil, fmt.Errorf("%w: filter needs more than %d samples, got %d", ErrInsufficientData, filtPadLen, n)
	}

	ext := make([]float64, 0, n+2*filtPadLen)
	for i := filtPadLen; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := n - 2; i >= n-1-filtPadLen; i-- {
		ext = append(ext, 2*x[n-1]-x[i])
	}

	zi := (b[1] - a[1]*b[0]) / (1 + a[1])

	y := lfilter(b, a, ext, zi*ext[0])
	reverse(y)
	y = lfilter(b, a, y, zi*y[0])
	reverse(y)

	return y[filtPadLen : filtPadLen+n], nil
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// lowFrequencyMagnitude returns the largest normalised FFT magnitude over
// bins 1..7 of x. NaN in x yields NaN.
func lowFrequencyMagnitude(fft *fourier.FFT, x []float64) float64 {
	n := len(x)
	coeff := fft.Coefficients(nil, x)
	hi := gateBins
	if half := n / 2; half < hi {
		hi = half
	}
	peak := 0.0
	for k := 1; k < hi; k++ {
		m := cmplx.Abs(coeff[k]) / float64(n)
		if math.IsNaN(m) {
			return math.NaN()
		}
		if m > peak {
			peak = m
		}
	}
	return peak
}

// AutoCleanFFT cleans an hourly series. The series is walked in passes of
// Window*NFDays hours, stepping by Window. A pass whose low-frequency
// content exceeds SCutoff is low-pass filtered and stored; the first pass
// stores the whole pass and later ones only their trailing Window hours.
// Hours from rejected passes, the leading n%Window hours, and passes that
// still contain gaps after interpolation are NaN.
//
// A series shorter than one pass returns all NaN and ErrInsufficientData.
func AutoCleanFFT(x []float64, p Params) ([]float64, error) {
	n := len(x)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if err := p.Validate(); err != nil {
		return out, err
	}

	span := p.Window * p.NFDays
	if n < span {
		return out, fmt.Errorf("%w: need %d hours, got %d", ErrInsufficientData, span, n)
	}

	val := InterpolateGaps(x, p.NInterp)
	b, a := butterLowPass(p.FCutoff)
	fft := fourier.NewFFT(span)

	rmdr := n % p.Window
	first := rmdr + span
	for end := first; end <= n; end += p.Window {
		start := end - span
		seg := val[start:end]

		mag := lowFrequencyMagnitude(fft, seg)
		if math.IsNaN(mag) || mag <= p.SCutoff {
			continue
		}

		filtered, err := filtFilt(b, a, seg)
		if err != nil {
			continue
		}
		if end == first {
			copy(out[start:end], filtered)
		} else {
			copy(out[end-p.Window:end], filtered[len(filtered)-p.Window:])
		}
	}
	return out, nil
}
