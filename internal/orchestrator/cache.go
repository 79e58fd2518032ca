package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DecisionCache memoizes full pipeline outcomes in Redis, keyed by a hash
// of the request: query text plus any caller-supplied entities and intent,
// since those change the outcome. A nil cache is a valid no-op, so callers
// never branch on whether caching is configured.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewDecisionCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *DecisionCache {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &DecisionCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Query))
	h.Write([]byte{0})
	h.Write([]byte(req.Intent))
	for _, e := range req.Entities {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return "grounder:decision:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached answer for the request, or ok=false on miss or any
// cache error. Cache failures never fail the query.
func (c *DecisionCache) Get(ctx context.Context, req Request) (*Answer, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKey(req)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("cache get failed: %v", err)
		}
		return nil, false
	}
	var ans Answer
	if err := json.Unmarshal(raw, &ans); err != nil {
		c.logger.Printf("cache entry corrupt, ignoring: %v", err)
		return nil, false
	}
	return &ans, true
}

// Put stores the answer best-effort.
func (c *DecisionCache) Put(ctx context.Context, req Request, ans *Answer) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(ans)
	if err != nil {
		c.logger.Printf("cache encode failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(req), raw, c.ttl).Err(); err != nil {
		c.logger.Printf("cache set failed: %v", err)
	}
}
