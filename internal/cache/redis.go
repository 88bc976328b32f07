package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond

	// Outputs at least this large are brotli-compressed before storing.
	// Embedding vectors serialize to tens of kilobytes of JSON and shrink
	// several-fold.
	compressThreshold = 1024
	compressLevel     = 5

	encRaw    byte = 'r'
	encBrotli byte = 'b'
)

// RedisCache shares cached outputs between replicas. Each stored value
// starts with a one-byte encoding tag.
//
// Redis failures never fail a request: Get reports a miss and Set logs and
// returns nil. Delete returns the error.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
	log          *slog.Logger
}

// NewRedisCache wraps a connected client. The caller owns the client.
func NewRedisCache(client *redis.Client, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{
		client:       client,
		queryTimeout: defaultQueryTimeout,
		log:          log.With(slog.String("component", "cache")),
	}
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	out, err := decode(val)
	if err != nil {
		c.log.WarnContext(ctx, "cache_decode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return out, true
}

// Set stores value under key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, encode(value), ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

func encode(value []byte) []byte {
	if len(value) < compressThreshold {
		return append([]byte{encRaw}, value...)
	}
	var buf bytes.Buffer
	buf.Grow(len(value)/4 + 1)
	buf.WriteByte(encBrotli)
	w := brotli.NewWriterLevel(&buf, compressLevel)
	_, _ = w.Write(value)
	_ = w.Close()
	return buf.Bytes()
}

func decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty value")
	}
	switch stored[0] {
	case encRaw:
		return stored[1:], nil
	case encBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(stored[1:])))
	default:
		return nil, fmt.Errorf("unknown encoding tag %q", stored[0])
	}
}
