package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"keepgoing-assistant/internal/intent"
	"keepgoing-assistant/internal/logger"
)

// Cache is the subset of *redis.Client the search cache needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedSearcher memoises directory searches in Redis.  Cache faults are
// logged and the search goes to the directory.
type CachedSearcher struct {
	next  LocationSearcher
	cache Cache
	ttl   time.Duration
	log   *logger.Logger
}

func NewCachedSearcher(next LocationSearcher, cache Cache, ttl time.Duration, log *logger.Logger) *CachedSearcher {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CachedSearcher{next: next, cache: cache, ttl: ttl, log: log}
}

// cacheKey hashes the query so place names are not readable in Redis.
func cacheKey(entities map[string]string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(entities[intent.EntityService]))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(entities[intent.EntityLocation]))))
	return "locsearch:" + hex.EncodeToString(h.Sum(nil))[:32]
}

func (c *CachedSearcher) Search(ctx context.Context, entities map[string]string) ([]ProviderResult, error) {
	key := cacheKey(entities)
	raw, err := c.cache.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []ProviderResult
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			return cached, nil
		}
		c.log.Warn("location cache entry unreadable", "key", key)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("location cache get failed", "error", err)
	}

	results, err := c.next.Search(ctx, entities)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return results, nil
	}
	payload, err := json.Marshal(results)
	if err == nil {
		err = c.cache.Set(ctx, key, payload, c.ttl).Err()
	}
	if err != nil {
		c.log.Warn("location cache set failed", "error", err)
	}
	return results, nil
}
