package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider()

	a, err := p.Embed(t.Context(), "the same content")
	require.NoError(t, err)
	b, err := p.Embed(t.Context(), "the same content")
	require.NoError(t, err)
	c, err := p.Embed(t.Context(), "different content")
	require.NoError(t, err)

	assert.Len(t, a, Dimension)
	assert.Equal(t, a, b, "identical text must embed identically")
	assert.NotEqual(t, a, c)
}

func TestLocalProviderUnitNorm(t *testing.T) {
	p := NewLocalProvider()
	vec, err := p.Embed(t.Context(), "normalize me")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
}

func TestCheckDimension(t *testing.T) {
	assert.NoError(t, checkDimension(make([]float32, Dimension)))
	assert.ErrorIs(t, checkDimension(make([]float32, 3)), ErrDimensionMismatch)
}
