package pecorino

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
)

// ShardedRedisAdapter routes each key to one of several Redis clients using
// rendezvous (highest random weight) hashing: a key always maps to the
// same shard for a fixed set of shards, and adding or removing a shard
// remaps only the keys that must move, rather than reshuffling everything
// as a mod-N hash would.
//
// All per-key operations are local to the chosen shard -- there is no
// cross-shard coordination, so this only buys horizontal scale, not a
// larger atomic domain.
type ShardedRedisAdapter struct {
	shards   []*RedisAdapter
	ring     *rendezvous.Rendezvous
	prefix   string
	recorder MetricsRecorder
}

// NewShardedRedisAdapter returns a ShardedRedisAdapter spreading keys
// across clients. Accepts the same options as NewRedisAdapter -- including
// WithLogger and WithRecorder, which are passed through to every shard's
// own RedisAdapter, so per-key logging/metrics come from the shard that
// actually served the call rather than from this routing layer. If clients
// is empty, the clients given with WithShards are used.
func NewShardedRedisAdapter(clients []*redis.Client, opts ...Option) *ShardedRedisAdapter {
	cfg := newConfig(opts...)
	if len(clients) == 0 {
		clients = cfg.Shards
	}

	nodes := make([]string, len(clients))
	shards := make([]*RedisAdapter, len(clients))
	for i, client := range clients {
		nodes[i] = shardNodeName(i)
		shards[i] = NewRedisAdapter(client, opts...)
	}

	return &ShardedRedisAdapter{
		shards:   shards,
		ring:     rendezvous.New(nodes, xxhash.Sum64String),
		prefix:   cfg.Prefix,
		recorder: cfg.Recorder,
	}
}

func shardNodeName(i int) string {
	return "shard-" + string(rune('a'+i))
}

func (a *ShardedRedisAdapter) shardFor(key string) *RedisAdapter {
	node := a.ring.Lookup(key)
	for i, name := range a.nodeNames() {
		if name == node {
			a.recorder.Add("pecorino_shard_routed_total", 1, map[string]string{"shard": name})
			return a.shards[i]
		}
	}
	return a.shards[0]
}

func (a *ShardedRedisAdapter) nodeNames() []string {
	names := make([]string, len(a.shards))
	for i := range a.shards {
		names[i] = shardNodeName(i)
	}
	return names
}

func (a *ShardedRedisAdapter) State(ctx context.Context, key string, capacity, leakRate float64) (float64, bool, error) {
	return a.shardFor(key).State(ctx, key, capacity, leakRate)
}

func (a *ShardedRedisAdapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, error) {
	return a.shardFor(key).AddTokens(ctx, key, capacity, leakRate, n)
}

func (a *ShardedRedisAdapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, bool, error) {
	return a.shardFor(key).AddTokensConditionally(ctx, key, capacity, leakRate, n)
}

func (a *ShardedRedisAdapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	return a.shardFor(key).SetBlock(ctx, key, blockFor)
}

func (a *ShardedRedisAdapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	return a.shardFor(key).BlockedUntil(ctx, key)
}

// Prune prunes every shard, joining any errors.
func (a *ShardedRedisAdapter) Prune(ctx context.Context) error {
	var errs []error
	for _, shard := range a.shards {
		if err := shard.Prune(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateTables is a no-op: ShardedRedisAdapter has no schema.
func (a *ShardedRedisAdapter) CreateTables(ctx context.Context) error { return nil }

var _ Adapter = (*ShardedRedisAdapter)(nil)
