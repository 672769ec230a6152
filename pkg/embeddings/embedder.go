// Package embeddings defines the embedder port consumed by the vector
// store and memory subsystem, plus a deterministic offline fallback.
package embeddings

import "context"

// Embedder converts text into fixed-length float vectors. Implementations
// wrap an external model; the runtime treats them as opaque.
type Embedder interface {
	// Embed returns one vector per input text, all of the same dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector length this embedder produces.
	Dimension() int
}
