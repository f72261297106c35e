package pecorino

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedisAdapter(t *testing.T) *RedisAdapter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	prefix := "pecorino-test:" + time.Now().Format(time.RFC3339Nano) + ":"
	t.Cleanup(func() {
		client.Close()
	})
	return NewRedisAdapter(client, WithPrefix(prefix))
}

func TestRedisAdapter_AddTokensAndState(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	level, full, err := a.AddTokens(ctx, "k", 10, 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if level != 6 || full {
		t.Fatalf("unexpected result level=%v full=%v", level, full)
	}

	level, full, err = a.State(ctx, "k", 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if level > 6 || level < 5.9 {
		t.Fatalf("expected level to still read close to 6, got %v", level)
	}
	if full {
		t.Fatal("bucket should not be full")
	}
}

func TestRedisAdapter_AddTokensConditionallyRejectsOverflow(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	if _, _, err := a.AddTokens(ctx, "k", 10, 1, 9); err != nil {
		t.Fatal(err)
	}

	level, full, accepted, err := a.AddTokensConditionally(ctx, "k", 10, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Fatal("expected rejection: 9+5 > 10")
	}
	if level > 9 || full {
		t.Fatalf("unexpected rejected state level=%v full=%v", level, full)
	}
}

func TestRedisAdapter_SetBlockNeverShortens(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	long, err := a.SetBlock(ctx, "k", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	shorter, err := a.SetBlock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if shorter.Unix() != long.Unix() {
		t.Fatalf("expected the longer deadline to win, got %v vs %v", shorter, long)
	}
}

func TestRedisAdapter_BlockedUntilExpires(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	_, ok, err := a.BlockedUntil(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no block on an untouched key")
	}
}
