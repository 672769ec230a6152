package vectorstore

import (
	"log/slog"
	"math"
)

// Dot returns the dot product of a and b, iterating in unrolled blocks of
// four. Mismatched lengths return 0 and log a warning; vector math never
// panics the run.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		slog.Warn("Vector dimension mismatch", "len_a", len(a), "len_b", len(b))
		return 0
	}
	var s0, s1, s2, s3 float64
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += float64(a[i]) * float64(b[i])
		s1 += float64(a[i+1]) * float64(b[i+1])
		s2 += float64(a[i+2]) * float64(b[i+2])
		s3 += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < n; i++ {
		s0 += float64(a[i]) * float64(b[i])
	}
	return s0 + s1 + s2 + s3
}

// Magnitude returns the L2 norm of v, iterating in unrolled blocks of four.
func Magnitude(v []float32) float64 {
	var s0, s1, s2, s3 float64
	n := len(v)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += float64(v[i]) * float64(v[i])
		s1 += float64(v[i+1]) * float64(v[i+1])
		s2 += float64(v[i+2]) * float64(v[i+2])
		s3 += float64(v[i+3]) * float64(v[i+3])
	}
	for ; i < n; i++ {
		s0 += float64(v[i]) * float64(v[i])
	}
	return math.Sqrt(s0 + s1 + s2 + s3)
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. A
// zero-magnitude operand or dimension mismatch yields 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		slog.Warn("Vector dimension mismatch", "len_a", len(a), "len_b", len(b))
		return 0
	}
	magA := Magnitude(a)
	magB := Magnitude(b)
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := Dot(a, b) / (magA * magB)
	// Guard against float drift outside the mathematical range.
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// Normalize returns a fresh L2-normalized copy of v. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	mag := Magnitude(v)
	if mag == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}
