package embedding

import "math"

// CosineSimilarity computes the cosine similarity between two vectors.
// Vectors of mismatched length or zero magnitude yield 0, never NaN, so a
// degenerate embedding can never be selected as a match.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// l2Normalize scales v to unit length in place. A zero vector is left
// unchanged.
func l2Normalize(v []float32) {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// adjustDimensions truncates or zero-pads v to the target dimensionality
func adjustDimensions(v []float32, dims int) []float32 {
	if len(v) == dims {
		return v
	}
	if len(v) > dims {
		return v[:dims]
	}
	out := make([]float32, dims)
	copy(out, v)
	return out
}
