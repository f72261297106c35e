package pecorino

import (
	"context"
	"time"
)

// BucketConfig describes a LeakyBucket's identity and drain policy. Exactly
// one of LeakRate or OverTime must be set.
type BucketConfig struct {
	// Key identifies the bucket. Keys sharing a prefix do not interact.
	Key string
	// Capacity is the maximum number of tokens the bucket can hold. Must be
	// positive.
	Capacity float64
	// LeakRate is the drain rate in tokens per second. Mutually exclusive
	// with OverTime.
	LeakRate float64
	// OverTime, if set, derives LeakRate as Capacity/OverTime.Seconds().
	// Mutually exclusive with LeakRate.
	OverTime time.Duration
}

// LeakyBucket is a stateless facade binding a key, capacity, and leak rate
// to an Adapter. All accounting happens in the adapter; LeakyBucket itself
// holds no mutable state.
type LeakyBucket struct {
	adapter  Adapter
	key      string
	capacity float64
	leakRate float64
}

// NewLeakyBucket validates cfg and returns a LeakyBucket bound to adapter.
// A nil adapter falls back to DefaultAdapter, returning ErrNoDefaultAdapter
// if none has been set with SetDefaultAdapter.
// NewLeakyBucket also returns an error wrapping ErrInvalidArgument if
// Capacity is non-positive, or if LeakRate and OverTime are both set or
// both zero.
func NewLeakyBucket(adapter Adapter, cfg BucketConfig) (*LeakyBucket, error) {
	if adapter == nil {
		var err error
		adapter, err = DefaultAdapter()
		if err != nil {
			return nil, err
		}
	}
	capacity, leakRate, err := resolveRate(cfg.Capacity, cfg.LeakRate, cfg.OverTime)
	if err != nil {
		return nil, err
	}
	return &LeakyBucket{
		adapter:  adapter,
		key:      cfg.Key,
		capacity: capacity,
		leakRate: leakRate,
	}, nil
}

// resolveRate validates capacity/leakRate/overTime and derives the final
// leak rate, shared by LeakyBucket and Throttle construction.
func resolveRate(capacity, leakRate float64, overTime time.Duration) (float64, float64, error) {
	if capacity <= 0 {
		return 0, 0, invalidArgumentf("capacity must be positive, got %v", capacity)
	}
	haveRate := leakRate > 0
	haveOverTime := overTime > 0
	switch {
	case haveRate && haveOverTime:
		return 0, 0, invalidArgumentf("supply exactly one of LeakRate or OverTime, got both")
	case !haveRate && !haveOverTime:
		return 0, 0, invalidArgumentf("supply exactly one of LeakRate or OverTime, got neither")
	case haveOverTime:
		return capacity, capacity / overTime.Seconds(), nil
	default:
		return capacity, leakRate, nil
	}
}

// Key returns the bucket's key.
func (b *LeakyBucket) Key() string { return b.key }

// Capacity returns the bucket's capacity.
func (b *LeakyBucket) Capacity() float64 { return b.capacity }

// LeakRate returns the bucket's leak rate in tokens per second.
func (b *LeakyBucket) LeakRate() float64 { return b.leakRate }

// State returns the bucket's current effective level.
func (b *LeakyBucket) State(ctx context.Context) (State, error) {
	level, full, err := b.adapter.State(ctx, b.key, b.capacity, b.leakRate)
	if err != nil {
		return State{}, err
	}
	return State{Level: level, Full: full}, nil
}

// Fillup unconditionally adds n tokens (n may be negative), clamped to
// [0, capacity].
func (b *LeakyBucket) Fillup(ctx context.Context, n float64) (State, error) {
	level, full, err := b.adapter.AddTokens(ctx, b.key, b.capacity, b.leakRate, n)
	if err != nil {
		return State{}, err
	}
	return State{Level: level, Full: full}, nil
}

// FillupConditionally adds n tokens only if doing so would not exceed
// capacity; otherwise the leak is still persisted but the fillup is
// rejected.
func (b *LeakyBucket) FillupConditionally(ctx context.Context, n float64) (ConditionalState, error) {
	level, full, accepted, err := b.adapter.AddTokensConditionally(ctx, b.key, b.capacity, b.leakRate, n)
	if err != nil {
		return ConditionalState{}, err
	}
	return ConditionalState{Level: level, Full: full, Accepted: accepted}, nil
}

// AbleToAccept reports whether a fillup of n tokens would currently fit
// within capacity. It is advisory: the answer is based on a fresh read, but
// a concurrent writer can invalidate it before the caller acts, since the
// read and any subsequent fillup are not a single atomic step.
func (b *LeakyBucket) AbleToAccept(ctx context.Context, n float64) (bool, error) {
	s, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return s.Level+n <= b.capacity, nil
}
