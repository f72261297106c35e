package pecorino

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed leaky_bucket.lua
var leakyBucketScript string

//go:embed block.lua
var blockScript string

var (
	redisLeakyBucketScript = redis.NewScript(leakyBucketScript)
	redisBlockScript       = redis.NewScript(blockScript)
)

// RedisAdapter implements Adapter against a single Redis instance, using
// Lua scripts so that the leak-then-fillup sequence for a key is atomic
// without a client-side transaction. Bucket and block keys carry a TTL so
// idle entries expire on their own; Prune is a no-op here, kept only to
// satisfy Adapter.
type RedisAdapter struct {
	client   redis.Cmdable
	prefix   string
	logger   Logger
	recorder MetricsRecorder
}

// NewRedisAdapter returns a RedisAdapter using client for storage. Accepts
// WithPrefix to namespace keys (default "pecorino:"), WithLogger, and
// WithRecorder.
func NewRedisAdapter(client redis.Cmdable, opts ...Option) *RedisAdapter {
	cfg := newConfig(opts...)
	return &RedisAdapter{client: client, prefix: cfg.Prefix, logger: cfg.Logger, recorder: cfg.Recorder}
}

func (a *RedisAdapter) bucketKey(key string) string {
	return a.prefix + key + ":bucket"
}

func (a *RedisAdapter) blockKey(key string) string {
	return a.prefix + key + ":block"
}

// ttlFor returns a TTL comfortably longer than the time the bucket would
// take to drain from full, so a key that goes idle expires on its own
// without requiring Prune.
func ttlFor(capacity, leakRate float64) time.Duration {
	if leakRate <= 0 {
		return 24 * time.Hour
	}
	drain := time.Duration(capacity/leakRate*float64(time.Second)) * 2
	if drain < time.Minute {
		return time.Minute
	}
	return drain
}

// runScript evaluates script by SHA first, the cheap path once Redis has
// seen it before. On a NOSCRIPT miss -- a fresh Redis, a restart, or an
// eviction of the script cache -- it logs the fallback and resends the
// full script body with EVAL, rather than relying on *redis.Script.Run's
// own silent retry, which would otherwise hide a NOSCRIPT from the Logger
// and MetricsRecorder entirely.
func (a *RedisAdapter) runScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.EvalSha(ctx, a.client, keys, args...).Result()
	if err != nil && isNoScript(err) {
		a.recorder.Add("pecorino_redis_noscript_total", 1, map[string]string{"sha": script.Hash()})
		a.logger.Warn("redis script cache miss, reloading", "sha", script.Hash())
		res, err = script.Eval(ctx, a.client, keys, args...).Result()
	}
	return res, err
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func (a *RedisAdapter) runBucketScript(ctx context.Context, key string, capacity, leakRate, amount float64, unconditional bool) (float64, bool, bool, error) {
	ttl := ttlFor(capacity, leakRate)
	res, err := a.runScript(ctx, redisLeakyBucketScript, []string{a.bucketKey(key)},
		capacity, leakRate, amount, boolToInt(unconditional), int64(ttl.Seconds()),
	)
	if err != nil {
		a.recorder.Add("pecorino_redis_errors_total", 1, map[string]string{"op": "bucket"})
		return 0, false, false, storeErrorf("redis bucket script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return 0, false, false, storeErrorf("redis bucket script: unexpected response %#v", res)
	}
	level := parseFloat(values[0])
	atCapacity := parseInt(values[1]) == 1
	accepted := parseInt(values[2]) == 1
	a.logger.Debug("redis bucket script", "key", key, "level", level, "at_capacity", atCapacity, "accepted", accepted)
	return level, atCapacity, accepted, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

func parseInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func (a *RedisAdapter) State(ctx context.Context, key string, capacity, leakRate float64) (float64, bool, error) {
	level, atCapacity, _, err := a.runBucketScript(ctx, key, capacity, leakRate, 0, false)
	return level, atCapacity, err
}

func (a *RedisAdapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, error) {
	level, atCapacity, _, err := a.runBucketScript(ctx, key, capacity, leakRate, n, true)
	return level, atCapacity, err
}

func (a *RedisAdapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, bool, error) {
	level, atCapacity, accepted, err := a.runBucketScript(ctx, key, capacity, leakRate, n, false)
	if err == nil {
		a.recorder.Add("pecorino_redis_fillup_total", 1, map[string]string{"accepted": boolToLabel(accepted)})
	}
	return level, atCapacity, accepted, err
}

func (a *RedisAdapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	if blockFor <= 0 {
		return time.Time{}, invalidArgumentf("blockFor must be positive, got %v", blockFor)
	}
	res, err := a.runScript(ctx, redisBlockScript, []string{a.blockKey(key)}, blockFor.Seconds(), int64(blockFor.Seconds())+1)
	if err != nil {
		a.recorder.Add("pecorino_redis_errors_total", 1, map[string]string{"op": "block"})
		return time.Time{}, storeErrorf("redis block script: %w", err)
	}
	seconds := parseFloat(res)
	until := unixFloatToTime(seconds)
	a.logger.Warn("redis block armed", "key", key, "until", until)
	return until, nil
}

func (a *RedisAdapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	res, err := a.client.Get(ctx, a.blockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErrorf("redis block get: %w", err)
	}
	seconds, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return time.Time{}, false, storeErrorf("redis block get: %w", err)
	}
	until := unixFloatToTime(seconds)
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func unixFloatToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e9))
}

// Prune is a no-op: RedisAdapter relies on per-key TTLs to reclaim idle
// buckets and blocks.
func (a *RedisAdapter) Prune(ctx context.Context) error { return nil }

// CreateTables is a no-op: RedisAdapter has no schema.
func (a *RedisAdapter) CreateTables(ctx context.Context) error { return nil }

var _ Adapter = (*RedisAdapter)(nil)

// pingable is satisfied by *redis.Client and *redis.ClusterClient, used by
// NewRedisAdapterChecked to fail fast on a bad connection.
type pingable interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// NewRedisAdapterChecked is NewRedisAdapter, but first pings client so
// connection failures surface at construction time rather than on the
// first request.
func NewRedisAdapterChecked(ctx context.Context, client redis.Cmdable, opts ...Option) (*RedisAdapter, error) {
	if p, ok := client.(pingable); ok {
		if err := p.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("pecorino: redis ping: %w", err)
		}
	}
	return NewRedisAdapter(client, opts...), nil
}
