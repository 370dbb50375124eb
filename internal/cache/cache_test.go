package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSetThenGet(t *testing.T) {
	c := New(10, "")
	defer c.Stop()

	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Minute)

	v, ok := c.Get(ctx, "k")
	if !ok || string(v) != "v" {
		t.Fatalf("expected cached value, got %q ok=%v", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New(10, "")
	defer c.Stop()

	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2, "")
	defer c.Stop()

	ctx := context.Background()
	c.Set(ctx, "a", []byte("1"), time.Minute)
	time.Sleep(time.Millisecond)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	time.Sleep(time.Millisecond)
	c.Set(ctx, "c", []byte("3"), time.Minute) // should evict "a"

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Fatalf("expected newest entry present")
	}
}

func TestGetOrLoadCoalescesConcurrentMisses(t *testing.T) {
	c := New(10, "")
	defer c.Stop()

	var calls int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("loaded"), nil
	}

	const n = 10
	results := make(chan []byte, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := c.GetOrLoad(context.Background(), "shared", time.Minute, load)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results <- v
		}()
	}
	for i := 0; i < n; i++ {
		<-results
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 loader call, got %d", got)
	}
}
