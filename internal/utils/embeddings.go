package utils

import (
	"errors"
	"fmt"
	"math"
)

var ErrEmptyVector = errors.New("vectors cannot be empty")

// CosineSimilarity returns the cosine of the angle between two vectors of equal
// dimension. A zero-magnitude vector scores 0.
func CosineSimilarity(vec1, vec2 []float32) (float64, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, ErrEmptyVector
	}
	if len(vec1) != len(vec2) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(vec1), len(vec2))
	}

	var dot, sum1, sum2 float64
	for i := range vec1 {
		a, b := float64(vec1[i]), float64(vec2[i])
		dot += a * b
		sum1 += a * a
		sum2 += b * b
	}
	if sum1 == 0 || sum2 == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(sum1) * math.Sqrt(sum2)), nil
}
