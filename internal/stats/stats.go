// Package stats holds the small numeric kernel shared by the anomaly
// detectors. Every function is total: no panics, no NaN surprises on
// empty input.
package stats

import "math"

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the sample standard deviation (n-1 denominator) of xs.
// Fewer than two samples carry no dispersion information, so it returns 0.
func StdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	mean := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// ZScore returns how many standard deviations x sits from mean. When the
// deviation is zero the score is undefined and ok is false; callers must
// treat that as "no signal", never as zero.
func ZScore(x, mean, stddev float64) (z float64, ok bool) {
	if stddev == 0 {
		return 0, false
	}
	return (x - mean) / stddev, true
}

// PctChange returns the percent change from a to b ((b-a)/a * 100).
// A zero base yields ±Inf matching the sign of b, and 0 when b is also
// zero, so comparisons against thresholds still behave.
func PctChange(a, b float64) float64 {
	if a == 0 {
		if b == 0 {
			return 0
		}
		return math.Inf(sign(b))
	}
	return (b - a) / a * 100
}

// Sum returns the sum of xs.
func Sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}
