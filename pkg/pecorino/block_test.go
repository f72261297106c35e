package pecorino

import (
	"context"
	"testing"
	"time"
)

func TestBlock_SetAndState(t *testing.T) {
	adapter := NewMemoryAdapter()
	b := NewBlock(adapter, "a")
	ctx := context.Background()

	blocked, err := b.Blocked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Fatal("unarmed block should not report blocked")
	}

	if _, err := b.Set(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}

	blocked, err = b.Blocked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Fatal("expected block to be active")
	}
}

func TestBlock_SetNeverShortensAnExistingBlock(t *testing.T) {
	adapter := NewMemoryAdapter()
	b := NewBlock(adapter, "a")
	ctx := context.Background()

	long, err := b.Set(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	shorter, err := b.Set(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if !shorter.BlockedUntil.Equal(long.BlockedUntil) {
		t.Fatalf("a shorter Set should not move the deadline earlier: got %v, want %v", shorter.BlockedUntil, long.BlockedUntil)
	}
}

func TestBlock_SetWithNonPositiveDurationIsANoOp(t *testing.T) {
	adapter := NewMemoryAdapter()
	b := NewBlock(adapter, "a")
	ctx := context.Background()

	state, err := b.Set(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !state.BlockedUntil.IsZero() {
		t.Fatalf("expected zero state, got %+v", state)
	}

	blocked, err := b.Blocked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Fatal("a zero-duration Set must not arm a block")
	}
}
