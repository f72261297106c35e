package pecorino

import (
	"context"
	"testing"
	"time"
)

type countingAdapter struct {
	*MemoryAdapter
	calls int
}

func (c *countingAdapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, bool, error) {
	c.calls++
	return c.MemoryAdapter.AddTokensConditionally(ctx, key, capacity, leakRate, n)
}

func TestCachedThrottle_CachesBlockedDecisions(t *testing.T) {
	adapter := &countingAdapter{MemoryAdapter: NewMemoryAdapter()}
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 1, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ct := NewCachedThrottle(th, nil, 10*time.Millisecond)
	ctx := context.Background()

	if ok, _, err := ct.Request(ctx, 1); err != nil || !ok {
		t.Fatalf("first request should be allowed, ok=%v err=%v", ok, err)
	}

	ok, overflowState, err := ct.Request(ctx, 1)
	if err != nil || ok {
		t.Fatalf("second request should overflow, ok=%v err=%v", ok, err)
	}
	if overflowState.BlockedUntil.IsZero() {
		t.Fatal("expected a real block deadline on overflow")
	}
	callsAfterOverflow := adapter.calls

	ok, cachedState, err := ct.Request(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third request should still read as blocked")
	}
	if adapter.calls != callsAfterOverflow {
		t.Fatalf("expected cached block to avoid a store round trip, calls went from %d to %d", callsAfterOverflow, adapter.calls)
	}
	if !cachedState.BlockedUntil.Equal(overflowState.BlockedUntil) {
		t.Fatalf("expected cache hit to replay the real deadline, got %v want %v", cachedState.BlockedUntil, overflowState.BlockedUntil)
	}
	if remaining := time.Until(cachedState.BlockedUntil); remaining <= 0 {
		t.Fatalf("expected positive time remaining on a cache hit, got %v", remaining)
	}
}

func TestCachedThrottle_RequestOrError(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 1, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ct := NewCachedThrottle(th, nil, 0)
	ctx := context.Background()

	if err := ct.RequestOrError(ctx, 1); err != nil {
		t.Fatalf("first request should succeed, got %v", err)
	}
	if err := ct.RequestOrError(ctx, 1); err == nil {
		t.Fatal("expected an error on the second request")
	}
}

func TestMemoryCachedStore_ExpiresEntries(t *testing.T) {
	s := NewMemoryCachedStore()
	ctx := context.Background()
	if err := s.Set(ctx, "k", time.Time{}, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("expected a fresh hit, ok=%v err=%v", ok, err)
	}

	time.Sleep(15 * time.Millisecond)
	if _, ok, err := s.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected the entry to have expired, ok=%v err=%v", ok, err)
	}
}

func TestMemoryCachedStore_ReplaysTheRealDeadline(t *testing.T) {
	s := NewMemoryCachedStore()
	ctx := context.Background()
	until := time.Now().Add(30 * time.Second)
	if err := s.Set(ctx, "k", until, time.Minute); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected a hit, ok=%v err=%v", ok, err)
	}
	if !got.Equal(until) {
		t.Fatalf("expected the cached entry to carry the real deadline, got %v want %v", got, until)
	}
}
