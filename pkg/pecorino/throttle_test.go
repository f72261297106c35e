package pecorino

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestThrottle_AllowsWithinCapacity(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 3, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := th.Request(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("request %d unexpectedly refused", i)
		}
	}
}

func TestThrottle_RefusesOnOverflowAndArmsBlock(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 1, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ok, _, err := th.Request(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("first request should be allowed, got ok=%v err=%v", ok, err)
	}

	ok, state, err := th.Request(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second request should overflow the bucket")
	}
	if state.BlockedUntil.IsZero() {
		t.Fatal("expected a block deadline to be set")
	}

	// A third request should be refused purely by the block, without
	// touching the bucket.
	ok, state2, err := th.Request(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third request should still be blocked")
	}
	if !state2.BlockedUntil.Equal(state.BlockedUntil) {
		t.Fatalf("expected block deadline to stay put, got %v then %v", state.BlockedUntil, state2.BlockedUntil)
	}
}

func TestThrottle_RequestWithMultipleTokens(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 10, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ok, _, err := th.Request(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("request for 7 tokens should be allowed, got ok=%v err=%v", ok, err)
	}

	ok, _, err = th.Request(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("request for 4 more tokens should overflow a 10-capacity bucket already at 7")
	}
}

func TestThrottle_RequestOrError(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 1, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := th.RequestOrError(ctx, 1); err != nil {
		t.Fatalf("first request should succeed, got %v", err)
	}

	err = th.RequestOrError(ctx, 1)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}

	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected *ThrottledError, got %T", err)
	}
	if throttled.RetryAfter() <= 0 {
		t.Fatalf("expected a positive retry-after, got %v", throttled.RetryAfter())
	}
}

func TestThrottle_Throttled(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 1, LeakRate: 1, BlockFor: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var ran int
	body := func() error { ran++; return nil }

	ok, err := th.Throttled(ctx, body)
	if err != nil || !ok {
		t.Fatalf("first call should run, got ok=%v err=%v", ok, err)
	}

	ok, err = th.Throttled(ctx, body)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second call should have been refused")
	}
	if ran != 1 {
		t.Fatalf("body should run exactly once, ran %d times", ran)
	}
}

// TestThrottle_ZeroBlockForDefaultsToNaturalDrainTime covers scenario S1:
// a Throttle{capacity=30, over_time=1.0s} with no explicit BlockFor must
// arm a block lasting the bucket's own drain time, Capacity/LeakRate (here
// 30/30 = 1.0s), rather than never blocking at all.
func TestThrottle_ZeroBlockForDefaultsToNaturalDrainTime(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 30, OverTime: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if th.blockFor != time.Second {
		t.Fatalf("expected default BlockFor of 1s (30/30), got %v", th.blockFor)
	}

	ctx := context.Background()
	if _, _, err := th.Request(ctx, 30); err != nil {
		t.Fatal(err)
	}

	ok, state, err := th.Request(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("request should overflow a full bucket")
	}
	if state.BlockedUntil.IsZero() {
		t.Fatal("expected a block to be armed using the default BlockFor")
	}

	retryAfter := time.Until(state.BlockedUntil)
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Fatalf("expected the armed block to last about 1s, got %v remaining", retryAfter)
	}
}

func TestThrottle_ExplicitBlockForOverridesTheDefault(t *testing.T) {
	adapter := NewMemoryAdapter()
	th, err := NewThrottle(adapter, ThrottleConfig{Key: "a", Capacity: 1, LeakRate: 1, BlockFor: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if th.blockFor != time.Hour {
		t.Fatalf("expected explicit BlockFor to be kept, got %v", th.blockFor)
	}
}
