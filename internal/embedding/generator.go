package embedding

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/semcache/internal/observability"
)

// Generator turns free-text queries into fixed-length vectors. Providers are
// tried in order; the last entry in the chain is the deterministic fallback,
// so Embed always returns a usable vector and never surfaces an error.
type Generator struct {
	providers []Provider
	fallback  *FallbackProvider
	dims      int
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	memo      *lru.Cache[string, []float32]
	logger    observability.Logger
}

// GeneratorConfig configures a Generator
type GeneratorConfig struct {
	Dimensions   int
	Timeout      time.Duration
	RateLimitRPM int
	CacheSize    int
}

// NewGenerator creates a Generator trying the given providers in order
// before the deterministic fallback. The provider list may be empty, in
// which case every embedding uses the fallback path.
func NewGenerator(providers []Provider, cfg GeneratorConfig, logger observability.Logger) (*Generator, error) {
	if logger == nil {
		logger = observability.NewLogger("embedding")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}

	memo, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), cfg.RateLimitRPM/10+1)
	}

	return &Generator{
		providers: providers,
		fallback:  NewFallbackProvider(cfg.Dimensions),
		dims:      cfg.Dimensions,
		timeout:   cfg.Timeout,
		breaker:   breaker,
		limiter:   limiter,
		memo:      memo,
		logger:    logger,
	}, nil
}

// Dimensions returns the fixed output dimensionality
func (g *Generator) Dimensions() int { return g.dims }

// Embed generates an embedding for the given text. Identical input always
// yields an identical vector. The returned bool reports whether the
// degraded fallback path was used.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, bool) {
	if cached, ok := g.memo.Get(text); ok {
		return cached, false
	}

	for _, provider := range g.providers {
		vec, err := g.tryProvider(ctx, provider, text)
		if err != nil {
			g.logger.Warn("Embedding provider failed, trying next", map[string]interface{}{
				"provider": provider.Name(),
				"error":    err.Error(),
			})
			continue
		}

		vec = adjustDimensions(vec, g.dims)
		g.memo.Add(text, vec)
		return vec, false
	}

	// Degraded path: every provider failed (or none configured). The
	// pseudo-embedding is low-fidelity but deterministic and always
	// available. Not memoized so recovery is picked up immediately.
	if len(g.providers) > 0 {
		g.logger.Warn("All embedding providers unavailable, using deterministic fallback", map[string]interface{}{
			"text_length": len(text),
		})
	}

	vec, _ := g.fallback.GenerateEmbedding(ctx, text)
	return vec, true
}

func (g *Generator) tryProvider(ctx context.Context, provider Provider, text string) ([]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return provider.GenerateEmbedding(callCtx, text)
	})
	if err != nil {
		return nil, err
	}

	return result.([]float32), nil
}
