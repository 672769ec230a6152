package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder derives vectors from a SHA-256 stream over the input text.
// It carries no semantic signal; it exists so tests and offline development
// work without an embedding model. Identical text always yields an
// identical vector.
type HashEmbedder struct {
	dim       int
	normalize bool
}

// DefaultDimension is the vector length used when none is configured.
const DefaultDimension = 384

// NewHashEmbedder creates a hash embedder producing dim-length vectors,
// optionally L2-normalized. dim <= 0 falls back to DefaultDimension.
func NewHashEmbedder(dim int, normalize bool) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim, normalize: normalize}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embedOne(text)
	}
	return out, nil
}

// Dimension implements Embedder.
func (h *HashEmbedder) Dimension() int { return h.dim }

// embedOne expands the text hash into dim uniform values in [-1, 1] by
// rehashing a counter-suffixed digest, eight bytes per component.
func (h *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, h.dim)
	seed := sha256.Sum256([]byte(text))

	var block [32]byte
	var counter uint64
	idx := 0
	for idx < h.dim {
		var buf [40]byte
		copy(buf[:32], seed[:])
		binary.BigEndian.PutUint64(buf[32:], counter)
		block = sha256.Sum256(buf[:])
		counter++

		for off := 0; off+8 <= len(block) && idx < h.dim; off += 8 {
			u := binary.BigEndian.Uint64(block[off : off+8])
			// Map to [-1, 1).
			vec[idx] = float32(u)/float32(math.MaxUint64)*2 - 1
			idx++
		}
	}

	if h.normalize {
		normalizeL2(vec)
	}
	return vec
}

func normalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
