package pecorino

import (
	"context"
	"time"
)

// Block is a timed refusal layer: once armed, it reports blocked until a
// point in time, independent of any bucket's leak. Throttle composes a
// LeakyBucket with a Block to turn "bucket overflowed" into "refuse
// everything for the next N seconds", but Block is also usable standalone.
type Block struct {
	adapter Adapter
	key     string
}

// NewBlock binds a Block to key via adapter.
func NewBlock(adapter Adapter, key string) *Block {
	return &Block{adapter: adapter, key: key}
}

// Key returns the block's key.
func (b *Block) Key() string { return b.key }

// Set arms the block for blockFor, starting from now. If the block is
// already armed for a later time, the later deadline wins: Set never
// shortens an existing block.
//
// A non-positive blockFor is treated as a no-op: it returns the zero
// ThrottleState and a nil error without touching the adapter, mirroring the
// convention that a zero-duration block blocks nothing.
func (b *Block) Set(ctx context.Context, blockFor time.Duration) (ThrottleState, error) {
	if blockFor <= 0 {
		return ThrottleState{}, nil
	}
	until, err := b.adapter.SetBlock(ctx, b.key, blockFor)
	if err != nil {
		return ThrottleState{}, err
	}
	return ThrottleState{BlockedUntil: until}, nil
}

// Blocked reports whether the block is currently armed.
func (b *Block) Blocked(ctx context.Context) (bool, error) {
	state, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Blocked(), nil
}

// State returns the block's current deadline. A zero BlockedUntil means the
// key has never been blocked, or its block has fully expired and was
// pruned.
func (b *Block) State(ctx context.Context) (ThrottleState, error) {
	until, ok, err := b.adapter.BlockedUntil(ctx, b.key)
	if err != nil {
		return ThrottleState{}, err
	}
	if !ok {
		return ThrottleState{}, nil
	}
	return ThrottleState{BlockedUntil: until}, nil
}
