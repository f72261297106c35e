package pecorino

import (
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

func TestRendezvousRing_IsStableForAFixedNodeSet(t *testing.T) {
	nodes := []string{"shard-a", "shard-b", "shard-c"}
	ring := rendezvous.New(nodes, xxhash.Sum64String)

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	first := make(map[string]string, len(keys))
	for _, k := range keys {
		first[k] = ring.Lookup(k)
	}

	for _, k := range keys {
		if ring.Lookup(k) != first[k] {
			t.Fatalf("key %q mapped to a different node on a repeat lookup", k)
		}
	}
}

func TestRendezvousRing_AddingANodeRemapsOnlyAFraction(t *testing.T) {
	before := rendezvous.New([]string{"shard-a", "shard-b", "shard-c"}, xxhash.Sum64String)
	after := rendezvous.New([]string{"shard-a", "shard-b", "shard-c", "shard-d"}, xxhash.Sum64String)

	const total = 2000
	moved := 0
	for i := 0; i < total; i++ {
		k := fmt.Sprintf("key-%d", i)
		if before.Lookup(k) != after.Lookup(k) {
			moved++
		}
	}

	// With N->N+1 shards, rendezvous hashing should remap roughly 1/(N+1)
	// of keys, not a large fraction of them as a naive mod-N hash would.
	fraction := float64(moved) / float64(total)
	if fraction > 0.40 {
		t.Fatalf("expected a small remapped fraction, got %.2f", fraction)
	}
}

func TestShardedRedisAdapter_RoutesConsistently(t *testing.T) {
	a := &ShardedRedisAdapter{
		shards: []*RedisAdapter{
			NewRedisAdapter(nil, WithPrefix("a:")),
			NewRedisAdapter(nil, WithPrefix("b:")),
			NewRedisAdapter(nil, WithPrefix("c:")),
		},
		recorder: NoOpMetricsRecorder{},
	}
	a.ring = rendezvous.New(a.nodeNames(), xxhash.Sum64String)

	first := a.shardFor("some-key")
	second := a.shardFor("some-key")
	if first != second {
		t.Fatal("expected the same key to route to the same shard")
	}
}
