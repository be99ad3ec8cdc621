package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	tests := []struct {
		name     string
		input    []float64
		expected float64
	}{
		{"empty", nil, 0},
		{"single", []float64{4.2}, 4.2},
		{"uniform", []float64{2, 2, 2, 2}, 2},
		{"mixed", []float64{1, 2, 3, 4, 5}, 3},
		{"negatives", []float64{-2, 2}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Mean(tt.input), 1e-12)
		})
	}
}

func TestStdDev(t *testing.T) {
	tests := []struct {
		name     string
		input    []float64
		expected float64
	}{
		{"empty", nil, 0},
		{"single sample has no dispersion", []float64{10}, 0},
		{"constant series", []float64{5, 5, 5, 5}, 0},
		// sample variance of {2,4,4,4,5,5,7,9} is 32/7
		{"known series", []float64{2, 4, 4, 4, 5, 5, 7, 9}, math.Sqrt(32.0 / 7.0)},
		{"two points", []float64{1, 3}, math.Sqrt2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, StdDev(tt.input), 1e-12)
		})
	}
}

func TestZScore(t *testing.T) {
	z, ok := ZScore(110, 100, 5)
	assert.True(t, ok)
	assert.InDelta(t, 2.0, z, 1e-12)

	z, ok = ZScore(90, 100, 5)
	assert.True(t, ok)
	assert.InDelta(t, -2.0, z, 1e-12)
}

func TestZScoreZeroDeviation(t *testing.T) {
	// A flat series must yield "no signal", not an infinite or zero score.
	z, ok := ZScore(250, 100, 0)
	assert.False(t, ok)
	assert.Zero(t, z)
}

func TestPctChange(t *testing.T) {
	assert.InDelta(t, 60.0, PctChange(0.50, 0.80), 1e-9)
	assert.InDelta(t, -31.25, PctChange(0.80, 0.55), 1e-9)
	assert.InDelta(t, 0.0, PctChange(0.40, 0.40), 1e-9)
}

func TestPctChangeZeroBase(t *testing.T) {
	assert.True(t, math.IsInf(PctChange(0, 0.3), 1))
	assert.True(t, math.IsInf(PctChange(0, -0.3), -1))
	assert.Zero(t, PctChange(0, 0))

	// Threshold comparisons still work against the infinities.
	assert.True(t, math.Abs(PctChange(0, 0.01)) > 30)
}

func TestSum(t *testing.T) {
	assert.Zero(t, Sum(nil))
	assert.InDelta(t, 10.5, Sum([]float64{1, 2, 3, 4.5}), 1e-12)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.2, 0, 1))
	assert.Equal(t, 1.0, Clamp(1.7, 0, 1))
	assert.Equal(t, 0.42, Clamp(0.42, 0, 1))
}
