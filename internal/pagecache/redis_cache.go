// Package pagecache caches extracted page text per document in Redis so a
// reopened document does not hit Postgres for text the reader already saw.
package pagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marginalia/api/internal/store"
)

// Cache is a Redis-backed cache of a document's extracted pages.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{
		client: client,
		prefix: "pages:",
		ttl:    24 * time.Hour,
	}
}

func (c *Cache) key(documentID string) string {
	return c.prefix + documentID
}

// Get returns the cached pages for a document, or nil on a miss. A corrupt
// entry counts as a miss.
func (c *Cache) Get(ctx context.Context, documentID string) ([]store.PageText, error) {
	data, err := c.client.Get(ctx, c.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached pages: %w", err)
	}

	var pages []store.PageText
	if err := json.Unmarshal(data, &pages); err != nil {
		return nil, nil
	}
	return pages, nil
}

func (c *Cache) Put(ctx context.Context, documentID string, pages []store.PageText) error {
	data, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("marshal pages: %w", err)
	}
	if err := c.client.Set(ctx, c.key(documentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache pages: %w", err)
	}
	return nil
}

// Invalidate drops a document's cached pages, typically after a delete.
func (c *Cache) Invalidate(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, c.key(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached pages: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
