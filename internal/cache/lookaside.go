package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/developer-mesh/semcache/internal/models"
	"github.com/developer-mesh/semcache/internal/observability"
)

// ErrLookasideMiss is returned when a query hash is not in the lookaside
var ErrLookasideMiss = errors.New("lookaside miss")

const lookasideKeyPrefix = "semcache:exact:"

// LookasideEntry is the compact record kept in Redis for exact-hash hits,
// so repeat queries skip embedding and similarity search entirely.
type LookasideEntry struct {
	EntryID  uuid.UUID   `json:"entry_id"`
	Response string      `json:"response"`
	Tier     models.Tier `json:"tier"`
}

// Lookaside is a best-effort Redis cache in front of the store's exact-hash
// path. Every operation degrades to a miss on Redis failure.
type Lookaside struct {
	client *redis.Client
	ttl    time.Duration
	logger observability.Logger
}

// NewLookaside creates a new lookaside cache
func NewLookaside(client *redis.Client, ttl time.Duration, logger observability.Logger) *Lookaside {
	if logger == nil {
		logger = observability.NewLogger("cache.lookaside")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Lookaside{client: client, ttl: ttl, logger: logger}
}

// Get fetches the lookaside entry for a query hash
func (l *Lookaside) Get(ctx context.Context, queryHash string) (*LookasideEntry, error) {
	data, err := l.client.Get(ctx, lookasideKeyPrefix+queryHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrLookasideMiss
		}
		return nil, fmt.Errorf("lookaside get failed: %w", err)
	}

	var entry LookasideEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt value, drop it
		l.client.Del(ctx, lookasideKeyPrefix+queryHash)
		return nil, ErrLookasideMiss
	}
	return &entry, nil
}

// Set stores a lookaside entry for a query hash
func (l *Lookaside) Set(ctx context.Context, queryHash string, entry *LookasideEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal lookaside entry: %w", err)
	}
	if err := l.client.Set(ctx, lookasideKeyPrefix+queryHash, data, l.ttl).Err(); err != nil {
		return fmt.Errorf("lookaside set failed: %w", err)
	}
	return nil
}

// Delete removes a lookaside entry, used when the backing cache entry is
// deleted or loses trust through negative feedback.
func (l *Lookaside) Delete(ctx context.Context, queryHash string) error {
	return l.client.Del(ctx, lookasideKeyPrefix+queryHash).Err()
}
