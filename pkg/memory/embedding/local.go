package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// LocalProvider produces deterministic pseudo-embeddings derived from the
// content hash. Identical text always yields the identical unit vector, so
// dedup and similarity-of-equal-content behave sensibly without a model.
// Used in development and tests.
type LocalProvider struct{}

// NewLocalProvider creates a deterministic provider.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

// Embed derives a unit vector from repeated hashing of the text.
func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dimension)

	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	var norm float64
	for i := 0; i < Dimension; i += 8 {
		block = hashNext(block)
		for j := 0; j < 8 && i+j < Dimension; j++ {
			bits := binary.BigEndian.Uint32(block[j*4 : j*4+4])
			// Map to [-1, 1).
			v := float32(int32(bits)) / float32(math.MaxInt32)
			vec[i+j] = v
			norm += float64(v) * float64(v)
		}
	}

	scale := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func hashNext(prev []byte) []byte {
	next := sha256.Sum256(prev)
	return next[:]
}
