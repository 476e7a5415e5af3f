package pagecache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marginalia/api/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewWithClient(client)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	pages := []store.PageText{
		{PageNumber: 1, Text: "first page"},
		{PageNumber: 2, Text: "second page"},
	}
	if err := cache.Put(ctx, "doc-1", pages); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cache.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first page" || got[1].PageNumber != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestCacheMissReturnsNil(t *testing.T) {
	cache, _ := newTestCache(t)

	got, err := cache.Get(context.Background(), "never-cached")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on miss, got %+v", got)
	}
}

func TestCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if err := cache.Put(ctx, "doc-1", []store.PageText{{PageNumber: 1, Text: "x"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Invalidate(ctx, "doc-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	got, err := cache.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss after invalidate, got %+v", got)
	}
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	cache, mr := newTestCache(t)

	mr.Set("pages:doc-1", "{not json")

	got, err := cache.Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected corrupt entry to read as miss, got %+v", got)
	}
}

func TestCacheEntryExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Put(ctx, "doc-1", []store.PageText{{PageNumber: 1, Text: "x"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(cache.ttl + 1)

	got, err := cache.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss after ttl, got %+v", got)
	}
}
