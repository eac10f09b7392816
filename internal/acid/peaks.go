package acid

import (
	"math"
	"sort"
)

// ricker returns a Ricker (Mexican hat) wavelet of the given length and
// width parameter a, centred on the middle sample.
func ricker(points int, a float64) []float64 {
	amp := 2 / (math.Sqrt(3*a) * math.Pow(math.Pi, 0.25))
	wsq := a * a
	out := make([]float64, points)
	for i := range out {
		v := float64(i) - float64(points-1)/2
		xsq := v * v
		out[i] = amp * (1 - xsq/wsq) * math.Exp(-xsq/(2*wsq))
	}
	return out
}

// convolveSame returns the central len(x) samples of the full discrete
// convolution of x with k.
func convolveSame(x, k []float64) []float64 {
	n, m := len(x), len(k)
	off := (m - 1) / 2
	out := make([]float64, n)
	for i := range out {
		idx := i + off // index into the full convolution
		sum := 0.0
		lo := idx - m + 1
		if lo < 0 {
			lo = 0
		}
		hi := idx
		if hi > n-1 {
			hi = n - 1
		}
		for j := lo; j <= hi; j++ {
			sum += x[j] * k[idx-j]
		}
		out[i] = sum
	}
	return out
}

// cwt computes the continuous wavelet transform of x with Ricker wavelets,
// one row per width.
func cwt(x []float64, widths []float64) [][]float64 {
	out := make([][]float64, len(widths))
	for i, w := range widths {
		points := int(10 * w)
		if points > len(x) {
			points = len(x)
		}
		out[i] = convolveSame(x, ricker(points, w))
	}
	return out
}

// relativeMaxima marks samples strictly greater than both neighbours.
// Endpoints are never maxima.
func relativeMaxima(row []float64) []bool {
	out := make([]bool, len(row))
	for i := 1; i < len(row)-1; i++ {
		out[i] = row[i] > row[i-1] && row[i] > row[i+1]
	}
	return out
}

type ridgeLine struct {
	rows []int
	cols []int
	gap  int
}

// identifyRidgeLines links relative maxima of successive cwt rows, from the
// widest scale down, into ridge lines.
func identifyRidgeLines(matr [][]float64, maxDistances []float64, gapThresh float64) []ridgeLine {
	maxima := make([][]bool, len(matr))
	startRow := -1
	for r, row := range matr {
		maxima[r] = relativeMaxima(row)
		for _, m := range maxima[r] {
			if m {
				startRow = r
				break
			}
		}
	}
	if startRow < 0 {
		return nil
	}

	var lines []*ridgeLine
	for c, m := range maxima[startRow] {
		if m {
			lines = append(lines, &ridgeLine{rows: []int{startRow}, cols: []int{c}})
		}
	}

	var final []*ridgeLine
	for row := startRow - 1; row >= 0; row-- {
		for _, l := range lines {
			l.gap++
		}

		prev := make([]int, len(lines))
		for i, l := range lines {
			prev[i] = l.cols[len(l.cols)-1]
		}

		for col, m := range maxima[row] {
			if !m {
				continue
			}
			var line *ridgeLine
			if len(prev) > 0 {
				closest, best := 0, math.Inf(1)
				for i, pc := range prev {
					if d := math.Abs(float64(col - pc)); d < best {
						closest, best = i, d
					}
				}
				if best <= maxDistances[row] {
					line = lines[closest]
				}
			}
			if line != nil {
				line.cols = append(line.cols, col)
				line.rows = append(line.rows, row)
				line.gap = 0
			} else {
				lines = append(lines, &ridgeLine{rows: []int{row}, cols: []int{col}})
			}
		}

		for i := len(lines) - 1; i >= 0; i-- {
			if float64(lines[i].gap) > gapThresh {
				final = append(final, lines[i])
				lines = append(lines[:i], lines[i+1:]...)
			}
		}
	}

	out := make([]ridgeLine, 0, len(final)+len(lines))
	for _, l := range append(final, lines...) {
		// rows were appended from wide to narrow scales; store narrowest first
		rl := ridgeLine{rows: make([]int, len(l.rows)), cols: make([]int, len(l.cols))}
		for i := range l.rows {
			j := len(l.rows) - 1 - i
			rl.rows[i] = l.rows[j]
			rl.cols[i] = l.cols[j]
		}
		out = append(out, rl)
	}
	return out
}

// percentile returns the p-th percentile of x using linear interpolation
// between order statistics.
func percentile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	idx := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(idx-float64(lo))
}

// filterRidgeLines keeps ridges long enough and with a signal-to-noise ratio
// of at least minSNR, noise being the 10th percentile of the narrowest cwt
// row around the ridge's column.
func filterRidgeLines(matr [][]float64, lines []ridgeLine, minSNR float64) []ridgeLine {
	numPoints := len(matr[0])
	minLength := int(math.Ceil(float64(len(matr)) / 4))
	windowSize := int(math.Ceil(float64(numPoints) / 20))
	hf, odd := windowSize/2, windowSize%2

	rowOne := matr[0]
	noises := make([]float64, numPoints)
	for i := range rowOne {
		start := i - hf
		if start < 0 {
			start = 0
		}
		end := i + hf + odd
		if end > numPoints {
			end = numPoints
		}
		noises[i] = percentile(rowOne[start:end], 10)
	}

	var out []ridgeLine
	for _, l := range lines {
		if len(l.rows) < minLength {
			continue
		}
		snr := math.Abs(matr[l.rows[0]][l.cols[0]] / noises[l.cols[0]])
		if snr < minSNR {
			continue
		}
		out = append(out, l)
	}
	return out
}

// FindPeaksCWT locates peaks in x by matching Ricker wavelets of widths
// 1..9 and following ridge lines across scales. Indices are returned in
// ascending order.
func FindPeaksCWT(x []float64) []int {
	if len(x) < 3 {
		return nil
	}
	widths := make([]float64, 9)
	maxDist := make([]float64, len(widths))
	for i := range widths {
		widths[i] = float64(i + 1)
		maxDist[i] = widths[i] / 4
	}

	matr := cwt(x, widths)
	lines := identifyRidgeLines(matr, maxDist, math.Ceil(widths[0]))
	lines = filterRidgeLines(matr, lines, 1)

	peaks := make([]int, 0, len(lines))
	for _, l := range lines {
		peaks = append(peaks, l.cols[0])
	}
	sort.Ints(peaks)
	return peaks
}
