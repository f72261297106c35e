// Package pecorino implements a leaky-bucket rate limiter with an optional
// timed block layer on top.
//
// The primary entry points are LeakyBucket, for raw bucket accounting, and
// Throttle, which composes a bucket with a block:
//
//	bucket, err := pecorino.NewLeakyBucket(adapter, pecorino.BucketConfig{
//		Key:      "login:user_123",
//		Capacity: 5,
//		OverTime: time.Minute,
//	})
//	state, err := bucket.FillupConditionally(ctx, 1)
//
//	throttle, err := pecorino.NewThrottle(adapter, pecorino.ThrottleConfig{
//		Key:      "login:user_123",
//		Capacity: 5,
//		OverTime: time.Minute,
//	})
//	if err := throttle.RequestOrError(ctx, 1); err != nil {
//		var te *pecorino.ThrottledError
//		if errors.As(err, &te) {
//			// te.RetryAfter() tells the caller how long to back off.
//		}
//	}
//
// # Overview
//
// A LeakyBucket holds a float64 level between 0 and Capacity. The level
// drains continuously at LeakRate tokens per second; fillups add tokens,
// clamped to the [0, Capacity] range. Unlike a token bucket's discrete
// refill ticks, the leak is computed from elapsed wall-clock time on every
// read or write, so there is no background goroutine and no drift between
// instances sharing a store.
//
// A Throttle adds a Block on top of the bucket: once a fillup overflows the
// bucket, the throttle installs a block for a configurable duration, and
// every subsequent request on that key is refused without even touching the
// bucket until the block lapses. This is useful for punishing sustained
// abuse with a cooldown period rather than admitting exactly-at-the-line
// traffic forever.
//
// # Core Types
//
// BucketConfig and ThrottleConfig describe the policy:
//
//   - Capacity: the maximum number of tokens the bucket can hold.
//   - LeakRate or OverTime: the drain rate, either directly (tokens/second)
//     or as "drain the full capacity over this duration".
//   - BlockFor (Throttle only): how long a block lasts once armed. Defaults
//     to the bucket's natural drain time, Capacity/LeakRate.
//
// # Backends
//
// Four Adapter implementations share the same operation set:
//
//   - MemoryAdapter: an in-process adapter backed by a map of per-key
//     entries, each guarded by its own mutex. Useful for unit tests, local development, and
//     single-instance deployments; state does not survive a restart and is
//     not shared across processes.
//
//   - RedisAdapter: a distributed adapter backed by Redis, using a Lua
//     script to perform the leak/fillup cycle atomically. Safe to share
//     across many application instances.
//
//   - PostgresAdapter and SQLiteAdapter: SQL adapters built on
//     database/sql, using a single INSERT ... ON CONFLICT DO UPDATE ...
//     RETURNING statement (Postgres) or a two-statement, transaction-wrapped
//     protocol (SQLite -- see the package-level note in sqlite.go) to keep
//     the read-leak-write cycle atomic.
//
// ShardedRedisAdapter composes N RedisAdapters behind a rendezvous-hash
// ring, for partitioning the keyspace across multiple Redis instances.
//
// Recommendation: use RedisAdapter (optionally sharded) or one of the SQL
// adapters in production when you need a limit shared across instances, and
// MemoryAdapter in tests.
//
// # Concurrency
//
// Every Adapter method accepts a context.Context and is safe for concurrent
// use by multiple goroutines. MemoryAdapter serializes operations on the
// same key through a per-key mutex; the SQL and Redis adapters delegate
// serialization to row locks / the Lua script's single-threaded execution.
//
// # Context and Error Policy
//
// All blocking operations accept a context.Context so callers can enforce
// deadlines and cancel work during partial outages. This package does not
// impose a "fail open" vs "fail closed" policy: if the store is unavailable
// or the context expires, the call returns a non-nil error wrapping
// ErrStoreFailure, and the caller decides whether to deny traffic (protect
// the backend) or allow it (maximize availability).
//
// # Decision Semantics
//
// Throttle.Request returns ok together with a ThrottleState whose
// BlockedUntil field is the zero time.Time when the request is allowed, and
// a future instant when it is blocked. ThrottleState.Blocked() is a pure,
// local comparison against time.Now(), so a ThrottleState can be cached and
// will expire naturally without another store round-trip.
//
// # Storage Details
//
// MemoryAdapter stores state in one process-local map keyed by the bucket
// key, each entry holding both the bucket and the block state.
//
// RedisAdapter stores state in Redis under keys prefixed with "pecorino:"
// by default (configurable via WithPrefix), using two keys per bucket/block
// pair: a hash "<prefix><key>:bucket" with fields level and last_touched,
// and a string "<prefix><key>:block" (carrying a TTL just over the block
// duration, so expired blocks need no explicit cleanup).
//
// The SQL adapters use two tables, pecorino_leaky_buckets and
// pecorino_blocks, each with a
// unique index on key and a secondary index on the pruning column
// (may_be_deleted_after / blocked_until respectively). Call CreateTables
// once at startup to create them.
//
// # Limitations and Notes
//
//   - MemoryAdapter does not evict old keys on its own; call Prune
//     periodically (or use Pruner.Run) for long-lived processes with
//     high-cardinality keys.
//   - RedisAdapter uses EVALSHA with a cached script hash; if Redis is
//     restarted and its script cache is cleared, the adapter transparently
//     retries with EVAL (and reloads the hash) on a NOSCRIPT error.
//   - This package models a request's cost as an explicit N (not fixed at
//     1), matching the distilled leaky-bucket contract.
//
// # Configuration
//
// Adapters are configured with the functional options pattern:
//
//	adapter := pecorino.NewRedisAdapter(client,
//		pecorino.WithPrefix("myapp:rate:"),
//		pecorino.WithTimeout(2*time.Second),
//		pecorino.WithRecorder(myMetrics),
//	)
//
// Supported options (not all apply to every adapter -- see each adapter's
// constructor doc comment):
//
//   - WithPrefix(string): sets the Redis key prefix (default "pecorino:").
//   - WithTimeout(time.Duration): sets the per-call timeout (default 5s).
//   - WithRecorder(MetricsRecorder): injects a metrics backend.
//   - WithLogger(Logger): injects a structured logger.
//   - WithShards(...*redis.Client): sets the clients a ShardedRedisAdapter
//     spreads keys across when NewShardedRedisAdapter is given none.
package pecorino
