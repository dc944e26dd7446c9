package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTLCacheReturnsCachedValue(t *testing.T) {
	var calls atomic.Int32
	cache := NewTTLCache(time.Hour, func(ctx context.Context, key string) (int, error) {
		calls.Add(1)
		return len(key), nil
	})

	ctx := context.Background()
	for range 5 {
		v, err := cache.Get(ctx, "abc")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if v != 3 {
			t.Fatalf("Get = %d, want 3", v)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("compute calls = %d, want 1", got)
	}
}

func TestTTLCacheRecomputesStaleEntries(t *testing.T) {
	var calls atomic.Int32
	cache := NewTTLCache(50*time.Millisecond, func(ctx context.Context, key string) (int, error) {
		return int(calls.Add(1)), nil
	})

	now := time.Now()
	cache.clock = func() time.Time { return now }

	ctx := context.Background()
	if v, _ := cache.Get(ctx, "k"); v != 1 {
		t.Fatalf("first Get = %d, want 1", v)
	}

	// Still fresh.
	now = now.Add(49 * time.Millisecond)
	if v, _ := cache.Get(ctx, "k"); v != 1 {
		t.Fatalf("fresh Get = %d, want 1", v)
	}

	// Past the TTL.
	now = now.Add(2 * time.Millisecond)
	if v, _ := cache.Get(ctx, "k"); v != 2 {
		t.Fatalf("stale Get = %d, want 2", v)
	}
}

func TestTTLCacheSingleFlightPerKey(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	cache := NewTTLCache(time.Hour, func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return key + "!", nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Get(ctx, "host")
			if err != nil || v != "host!" {
				t.Errorf("Get = %q, %v", v, err)
			}
		}()
	}

	// Let one compute start, then release it; every waiter must reuse its
	// result rather than recomputing.
	<-started
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("compute calls = %d, want 1", got)
	}
}

func TestTTLCacheErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	cache := NewTTLCache(time.Hour, func(ctx context.Context, key string) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			return 0, context.DeadlineExceeded
		}
		return int(n), nil
	})

	ctx := context.Background()
	if _, err := cache.Get(ctx, "k"); err == nil {
		t.Fatal("expected error on first Get")
	}
	v, err := cache.Get(ctx, "k")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if v != 2 {
		t.Errorf("second Get = %d, want 2", v)
	}
}

func TestTTLCacheIndependentKeys(t *testing.T) {
	cache := NewTTLCache(time.Hour, func(ctx context.Context, key string) (string, error) {
		return key + "!", nil
	})

	ctx := context.Background()
	a, _ := cache.Get(ctx, "a")
	b, _ := cache.Get(ctx, "b")
	if a != "a!" || b != "b!" {
		t.Errorf("Get = %q, %q; want a!, b!", a, b)
	}
}
