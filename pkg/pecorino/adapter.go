package pecorino

import (
	"context"
	"time"
)

// Adapter realizes the atomic bucket and block operations against a backing
// store. Every method is keyed by key and must serialize concurrent calls
// for the same key into a total order; calls for distinct keys carry no
// ordering guarantee.
//
// Implementations: MemoryAdapter, RedisAdapter, ShardedRedisAdapter,
// PostgresAdapter, SQLiteAdapter.
type Adapter interface {
	// State reports the bucket's effective level, applying no fillup. It
	// returns (0, false, nil) if key has no bucket yet. MemoryAdapter only
	// reads; the SQL and Redis adapters write the leaked level back (and
	// create the bucket if it is absent) in the same atomic step.
	State(ctx context.Context, key string, capacity, leakRate float64) (level float64, atCapacity bool, err error)

	// AddTokens applies an unconditional fillup of n tokens (n may be
	// negative), clamped to [0, capacity], and persists the result.
	AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (level float64, atCapacity bool, err error)

	// AddTokensConditionally applies a fillup of n tokens only if doing so
	// would not exceed capacity. The leak update is persisted either way.
	AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (level float64, atCapacity, accepted bool, err error)

	// SetBlock extends (or creates) the block on key to
	// max(existing, now+blockFor). blockFor must be positive.
	SetBlock(ctx context.Context, key string, blockFor time.Duration) (blockedUntil time.Time, err error)

	// BlockedUntil returns the stored block deadline for key, and ok=false
	// if there is none or it has already lapsed.
	BlockedUntil(ctx context.Context, key string) (blockedUntil time.Time, ok bool, err error)

	// Prune deletes bucket rows past their MayBeDeletedAfter deadline and
	// block rows past their BlockedUntil deadline. Safe to call
	// concurrently with live traffic.
	Prune(ctx context.Context) error

	// CreateTables performs any adapter-specific schema initialization.
	// It is a no-op for MemoryAdapter and the Redis adapters.
	CreateTables(ctx context.Context) error
}
