package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64, false)

	a, err := e.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)

	assert.Equal(t, a[0], b[0])
	assert.Len(t, a[0], 64)
}

func TestHashEmbedderDistinctInputs(t *testing.T) {
	e := NewHashEmbedder(64, false)

	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestHashEmbedderRange(t *testing.T) {
	e := NewHashEmbedder(256, false)

	vecs, err := e.Embed(context.Background(), []string{"range check"})
	require.NoError(t, err)
	for _, v := range vecs[0] {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestHashEmbedderNormalized(t *testing.T) {
	e := NewHashEmbedder(128, true)

	vecs, err := e.Embed(context.Background(), []string{"unit length"})
	require.NoError(t, err)

	var sum float64
	for _, v := range vecs[0] {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestHashEmbedderDefaultDimension(t *testing.T) {
	e := NewHashEmbedder(0, false)
	assert.Equal(t, DefaultDimension, e.Dimension())
}
