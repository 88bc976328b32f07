// Package cache stores raw backend outputs keyed by the exact backend
// invocation that produced them.
//
// Two backends are available:
//   - RedisCache  — shared by every replica, large values brotli-compressed.
//   - MemoryCache — in-process TTL cache for single-instance deployments.
//
// Both implement Cache so they are fully interchangeable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Modes accepted by CACHE_MODE.
const (
	ModeMemory = "memory"
	ModeRedis  = "redis"
	ModeNone   = "none"
)

const keyPrefix = "bedrock:out:"

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the cache key of one invocation: the route (chat or embed),
// the backend model id and the exact provider-native request body. Two
// requests share a key only when the backend would receive identical bytes.
func Key(route, backendID string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", route, backendID)
	h.Write(body)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
