package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := NewQueryNormalizer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases",
			input:    "What Is Kubernetes",
			expected: "what is kubernetes",
		},
		{
			name:     "strips punctuation",
			input:    "What's the capital of France?",
			expected: "whats the capital of france",
		},
		{
			name:     "collapses whitespace",
			input:    "  hello   \t world \n",
			expected: "hello world",
		},
		{
			name:     "keeps hyphenated terms",
			input:    "explain blue-green deployments",
			expected: "explain blue-green deployments",
		},
		{
			name:     "empty stays empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.Normalize(tt.input))
		})
	}
}

func TestQueryHash(t *testing.T) {
	h1 := QueryHash("what is kubernetes", "gpt-4", "openai")
	h2 := QueryHash("what is kubernetes", "gpt-4", "openai")
	assert.Equal(t, h1, h2, "hash must be deterministic")
	assert.Len(t, h1, 64)

	// Model and provider are part of the identity
	assert.NotEqual(t, h1, QueryHash("what is kubernetes", "gpt-3.5", "openai"))
	assert.NotEqual(t, h1, QueryHash("what is kubernetes", "gpt-4", "anthropic"))

	// Field boundaries must not be ambiguous
	assert.NotEqual(t,
		QueryHash("ab", "c", "d"),
		QueryHash("a", "bc", "d"))
}

func TestNormalizedVariantsHashEqual(t *testing.T) {
	n := NewQueryNormalizer()

	a := QueryHash(n.Normalize("What is Kubernetes?"), "gpt-4", "openai")
	b := QueryHash(n.Normalize("what is kubernetes"), "gpt-4", "openai")
	assert.Equal(t, a, b)

	// Contractions collapse instead of splitting into extra tokens
	c := QueryHash(n.Normalize("What's the capital of France?"), "gpt-4", "openai")
	d := QueryHash(n.Normalize("whats the capital of france"), "gpt-4", "openai")
	assert.Equal(t, c, d)
}
