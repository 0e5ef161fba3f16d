// Package vector holds the small amount of vector math the similarity index
// needs. Accumulation is done in float64 even for float32 inputs.
package vector

import "math"

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [-1, 1].
// Mismatched, empty or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return Clamp(dot/(math.Sqrt(normA)*math.Sqrt(normB)), -1, 1)
}

// DotProduct of two equal-length vectors; equals cosine similarity for
// unit vectors.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns a unit-length copy. The zero vector maps to zeros.
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sumSquares == 0 {
		return out
	}
	norm := math.Sqrt(sumSquares)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
