// Package embedding generates vector embeddings for memory content.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Dimension is the embedding width every provider must produce; it matches
// the vector columns in the memory schema.
const Dimension = 1536

// ErrDimensionMismatch is returned when a provider yields a vector of the
// wrong width.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider turns text into a fixed-width vector.
type Provider interface {
	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// checkDimension validates provider output before it reaches storage.
func checkDimension(vec []float32) error {
	if len(vec) != Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), Dimension)
	}
	return nil
}
