package pecorino

import (
	"context"
	"time"
)

// ThrottleConfig describes a Throttle's identity, bucket, and block policy.
// Capacity, and exactly one of LeakRate/OverTime, follow the same rules as
// BucketConfig. BlockFor is how long a key is refused once its bucket
// overflows; when BlockFor is zero it defaults to the bucket's own natural
// drain time, Capacity/LeakRate, so an overflowing key is refused for at
// least as long as it would take the bucket to drain on its own.
type ThrottleConfig struct {
	Key      string
	Capacity float64
	LeakRate float64
	OverTime time.Duration
	BlockFor time.Duration
}

// Throttle composes a LeakyBucket with a Block: a request is refused
// outright while a block is active, and otherwise consumes n tokens from
// the bucket, arming a new block for BlockFor if that overflows it.
type Throttle struct {
	bucket   *LeakyBucket
	block    *Block
	blockFor time.Duration
}

// NewThrottle validates cfg and returns a Throttle bound to adapter. A nil
// adapter falls back to DefaultAdapter, returning ErrNoDefaultAdapter if
// none has been set with SetDefaultAdapter.
func NewThrottle(adapter Adapter, cfg ThrottleConfig) (*Throttle, error) {
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
	if cfg.BlockFor < 0 {
		return nil, invalidArgumentf("BlockFor must not be negative, got %v", cfg.BlockFor)
	}
	blockFor := cfg.BlockFor
	if blockFor == 0 {
		blockFor = time.Duration(capacity / leakRate * float64(time.Second))
	}
	return &Throttle{
		bucket: &LeakyBucket{
			adapter:  adapter,
			key:      cfg.Key,
			capacity: capacity,
			leakRate: leakRate,
		},
		block:    NewBlock(adapter, cfg.Key),
		blockFor: blockFor,
	}, nil
}

// Key returns the throttle's key.
func (t *Throttle) Key() string { return t.bucket.key }

// Bucket exposes the underlying LeakyBucket, e.g. for State/AbleToAccept
// queries that should not themselves consume a token.
func (t *Throttle) Bucket() *LeakyBucket { return t.bucket }

// Block exposes the underlying Block, e.g. for callers that want to arm a
// block directly without going through the bucket.
func (t *Throttle) Block() *Block { return t.block }

// Request consumes n tokens. ok is false if the key is currently blocked,
// or if consuming the tokens overflowed the bucket and armed a new block;
// in the overflow case state.BlockedUntil reports the new deadline.
func (t *Throttle) Request(ctx context.Context, n float64) (ok bool, state ThrottleState, err error) {
	blockState, err := t.block.State(ctx)
	if err != nil {
		return false, ThrottleState{}, err
	}
	if blockState.Blocked() {
		return false, blockState, nil
	}

	cond, err := t.bucket.FillupConditionally(ctx, n)
	if err != nil {
		return false, ThrottleState{}, err
	}
	if cond.Accepted {
		return true, ThrottleState{}, nil
	}

	newState, err := t.block.Set(ctx, t.blockFor)
	if err != nil {
		return false, ThrottleState{}, err
	}
	return false, newState, nil
}

// RequestOrError is Request, but returns a *ThrottledError (wrapping
// ErrThrottled) instead of ok=false.
func (t *Throttle) RequestOrError(ctx context.Context, n float64) error {
	ok, state, err := t.Request(ctx, n)
	if err != nil {
		return err
	}
	if !ok {
		return &ThrottledError{Key: t.Key(), State: state}
	}
	return nil
}

// AbleToAccept reports whether a Request of n tokens would currently
// succeed, without consuming a token or arming a block. As with
// LeakyBucket.AbleToAccept, this is advisory under concurrent access.
func (t *Throttle) AbleToAccept(ctx context.Context, n float64) (bool, error) {
	blockState, err := t.block.State(ctx)
	if err != nil {
		return false, err
	}
	if blockState.Blocked() {
		return false, nil
	}
	return t.bucket.AbleToAccept(ctx, n)
}

// Throttled runs body only if a Request for one token succeeds, reporting
// whether it ran. If Request refuses the call, body does not run and ran
// is false with a nil error; errors from Request itself (store failures)
// are returned as-is, and errors from body are returned unwrapped.
func (t *Throttle) Throttled(ctx context.Context, body func() error) (ran bool, err error) {
	ok, _, err := t.Request(ctx, 1)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, body()
}
