package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TokenCache stores panel access tokens between calls and, with Redis,
// between restarts.
type TokenCache interface {
	Get(ctx context.Context, panelID string) (string, bool)
	Set(ctx context.Context, panelID, token string, ttl time.Duration)
	Delete(ctx context.Context, panelID string)
}

type memoryTokenEntry struct {
	token     string
	expiresAt time.Time
}

type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryTokenEntry
	now     func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{
		entries: make(map[string]memoryTokenEntry),
		now:     time.Now,
	}
}

func (c *MemoryTokenCache) Get(_ context.Context, panelID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[panelID]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, panelID)
		return "", false
	}
	return entry.token, true
}

func (c *MemoryTokenCache) Set(_ context.Context, panelID, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryTokenEntry{token: token}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[panelID] = entry
}

func (c *MemoryTokenCache) Delete(_ context.Context, panelID string) {
	c.mu.Lock()
	delete(c.entries, panelID)
	c.mu.Unlock()
}

// RedisTokenCache degrades to cache misses when Redis is unavailable; the
// client then simply logs in again.
type RedisTokenCache struct {
	client *redis.Client
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

func PanelTokenKey(panelID string) string {
	return fmt.Sprintf("rotator:panel-token:%s", panelID)
}

func (c *RedisTokenCache) Get(ctx context.Context, panelID string) (string, bool) {
	token, err := c.client.Get(ctx, PanelTokenKey(panelID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Str("panelId", panelID).Msg("token cache read failed")
		return "", false
	}
	return token, true
}

func (c *RedisTokenCache) Set(ctx context.Context, panelID, token string, ttl time.Duration) {
	if err := c.client.Set(ctx, PanelTokenKey(panelID), token, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("panelId", panelID).Msg("token cache write failed")
	}
}

func (c *RedisTokenCache) Delete(ctx context.Context, panelID string) {
	if err := c.client.Del(ctx, PanelTokenKey(panelID)).Err(); err != nil {
		log.Warn().Err(err).Str("panelId", panelID).Msg("token cache delete failed")
	}
}
