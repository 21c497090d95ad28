package embed

import (
	"fmt"
	"math"

	"github.com/vladm3105/tradegent/pkg/common"
)

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// FitDimensions truncates v to dim. A vector shorter than dim cannot be
// fixed without corrupting similarity and is a dimension mismatch.
func FitDimensions(v []float32, dim int) ([]float32, error) {
	if dim <= 0 || len(v) == dim {
		return v, nil
	}
	if len(v) < dim {
		return nil, fmt.Errorf("%w: provider returned %d dimensions, corpus uses %d", common.ErrDimensionMismatch, len(v), dim)
	}
	out := make([]float32, dim)
	copy(out, v[:dim])
	return out, nil
}
