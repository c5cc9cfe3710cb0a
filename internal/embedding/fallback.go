package embedding

import (
	"context"
	"strings"
	"unicode"
)

// FallbackProvider computes a deterministic character-derived
// pseudo-embedding without any external dependency. It is intentionally
// low-fidelity: it exists so that embedding always succeeds, with degraded
// match quality, when the primary providers are unavailable.
//
// The scheme is a bag of characters and character bigrams hashed into fixed
// buckets. Texts sharing most of their characters land close together under
// cosine similarity, which is enough for near-duplicate query detection.
type FallbackProvider struct {
	dims int
}

// NewFallbackProvider creates a fallback provider producing vectors of the
// given dimensionality.
func NewFallbackProvider(dims int) *FallbackProvider {
	return &FallbackProvider{dims: dims}
}

// Name identifies the provider in logs and metrics
func (p *FallbackProvider) Name() string { return "fallback" }

// GenerateEmbedding produces the pseudo-embedding. It never fails.
func (p *FallbackProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	buckets := make([]float32, p.dims)

	runes := []rune(strings.ToLower(text))
	var prev rune
	for _, r := range runes {
		if unicode.IsSpace(r) {
			prev = 0
			continue
		}

		// Single-character bucket
		buckets[int(r)%p.dims] += 1.0

		// Bigram bucket, weighted lower so shared characters dominate
		if prev != 0 {
			buckets[(int(prev)*31+int(r))%p.dims] += 0.5
		}
		prev = r
	}

	l2Normalize(buckets)
	return buckets, nil
}
