// Package cache implements the semantic cache core: lookup, store and
// feedback over a vector-indexed relational store with a Redis exact-match
// lookaside.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// QueryNormalizer preprocesses queries for consistent hashing and embedding
type QueryNormalizer interface {
	Normalize(query string) string
}

// DefaultQueryNormalizer lowercases, strips punctuation except hyphens and
// collapses whitespace.
type DefaultQueryNormalizer struct {
	whitespaceRegex  *regexp.Regexp
	punctuationRegex *regexp.Regexp
}

// NewQueryNormalizer creates a normalizer with default settings
func NewQueryNormalizer() QueryNormalizer {
	return &DefaultQueryNormalizer{
		whitespaceRegex:  regexp.MustCompile(`\s+`),
		punctuationRegex: regexp.MustCompile(`[^\w\s-]`),
	}
}

// Normalize processes a query for consistent caching. Punctuation is
// removed rather than spaced out so contractions collapse to one token
// ("what's" and "whats" hash identically).
func (n *DefaultQueryNormalizer) Normalize(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	normalized = n.punctuationRegex.ReplaceAllString(normalized, "")
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// QueryHash returns the deterministic SHA-256 hash of a normalized query
// plus model and provider, used for exact-duplicate detection.
func QueryHash(normalizedQuery, model, provider string) string {
	h := sha256.New()
	h.Write([]byte(normalizedQuery))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	return hex.EncodeToString(h.Sum(nil))
}
