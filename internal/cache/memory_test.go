package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newMemory(t *testing.T, max int) (*MemoryCache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(context.Background(), max)
	c.now = clk.Now
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemoryCache_SetGet(t *testing.T) {
	c, _ := newMemory(t, 0)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}

	val := []byte(`{"data":[{"embedding":[0.1]}]}`)
	_ = c.Set(ctx, "k", val, time.Minute)
	val[0] = 'X' // caller mutation must not leak into the cache

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != `{"data":[{"embedding":[0.1]}]}` {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c, clk := newMemory(t, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	clk.Advance(59 * time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("entry expired early")
	}
	clk.Advance(2 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed on access, Len=%d", c.Len())
	}
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c, clk := newMemory(t, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	clk.Advance(defaultMemoryTTL - time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("zero ttl must use the default TTL")
	}
	clk.Advance(2 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("default TTL not applied")
	}
}

func TestMemoryCache_Capacity(t *testing.T) {
	c, clk := newMemory(t, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Minute)
	_ = c.Set(ctx, "b", []byte("2"), 5*time.Minute)
	_ = c.Set(ctx, "c", []byte("3"), 5*time.Minute)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("entry closest to expiry should have been evicted")
	}

	// Expired entries are dropped before live ones.
	clk.Advance(6 * time.Minute)
	_ = c.Set(ctx, "d", []byte("4"), time.Minute)
	if _, ok := c.Get(ctx, "d"); !ok {
		t.Fatal("new entry missing")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after expired eviction", c.Len())
	}

	// Overwriting an existing key never evicts.
	_ = c.Set(ctx, "e", []byte("5"), time.Minute)
	_ = c.Set(ctx, "e", []byte("6"), time.Minute)
	if got, _ := c.Get(ctx, "d"); string(got) != "4" {
		t.Fatal("overwrite evicted another entry")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c, _ := newMemory(t, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	c := NewMemoryCache(context.Background(), 0)
	c.Close()
	c.Close()
}
