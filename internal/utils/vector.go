package utils

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when two vectors of different length are compared.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrZeroNorm is returned when a vector with no direction is normalized.
	ErrZeroNorm = errors.New("vector has zero norm")
)

// Norm returns the euclidean length of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns dot(a, b) / (|a| * |b|), clamped to [-1, 1].
// An absent (nil or empty) or zero-norm input yields the neutral value 0.
// Vectors of different length are never truncated: that is ErrDimensionMismatch.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	if sumA == 0 || sumB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	// Rounding can push parallel vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim)), nil
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float64) ([]float64, error) {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroNorm
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out, nil
}

// Float32s converts a vector to single precision for index and wire formats.
func Float32s(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Float64s widens a single precision vector.
func Float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
