package pecorino

import (
	"context"
	"sync"
	"time"
)

// MemoryAdapter implements Adapter on an in-process map. It is meant for
// single-process use (tests, a standalone service with no shared state
// requirement) -- nothing here survives a restart or is visible across
// processes.
//
// A coarse mu only guards lookup and creation of a key's *keyEntry; once an
// entry exists, every read or write of its bucket/block state happens under
// that entry's own mutex, so two goroutines working unrelated keys never
// wait on each other.
type MemoryAdapter struct {
	mu       sync.Mutex
	entries  map[string]*keyEntry
	now      func() time.Time
	logger   Logger
	recorder MetricsRecorder
}

type keyEntry struct {
	mu             sync.Mutex
	level          float64
	lastTouched    time.Time
	mayDeleteAfter time.Time
	blockedUntil   time.Time
}

// NewMemoryAdapter returns an empty MemoryAdapter. Accepts WithLogger and
// WithRecorder; other options do not apply to this backend.
func NewMemoryAdapter(opts ...Option) *MemoryAdapter {
	cfg := newConfig(opts...)
	return &MemoryAdapter{
		entries:  make(map[string]*keyEntry),
		now:      time.Now,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}
}

// entry returns key's keyEntry, creating it under the coarse lock if it
// does not yet exist. The coarse lock is held only long enough to touch the
// map; the entry itself is returned unlocked.
func (a *MemoryAdapter) entry(key string) *keyEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		e = &keyEntry{}
		a.entries[key] = e
	}
	return e
}

// leaked returns e's level after draining for the time elapsed since it was
// last touched, without mutating e. Caller must hold e.mu.
func (e *keyEntry) leaked(leakRate float64, at time.Time) float64 {
	if e.lastTouched.IsZero() {
		return 0
	}
	elapsed := at.Sub(e.lastTouched).Seconds()
	if elapsed <= 0 {
		return e.level
	}
	return clamp(e.level-elapsed*leakRate, 0, e.level)
}

func (a *MemoryAdapter) State(ctx context.Context, key string, capacity, leakRate float64) (float64, bool, error) {
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	level := e.leaked(leakRate, a.now())
	return level, level >= capacity, nil
}

// touch records a write to e at now, refreshing its pruning deadline.
// Caller must hold e.mu.
func (e *keyEntry) touch(level float64, now time.Time, capacity, leakRate float64) {
	e.level, e.lastTouched = level, now
	e.mayDeleteAfter = now.Add(ttlFor(capacity, leakRate))
}

func (a *MemoryAdapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, error) {
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := a.now()
	level := clamp(e.leaked(leakRate, now)+n, 0, capacity)
	e.touch(level, now, capacity, leakRate)
	atCapacity := level >= capacity
	a.recorder.Add("pecorino_memory_add_tokens_total", 1, map[string]string{"key": key})
	a.logger.Debug("memory add tokens", "key", key, "level", level, "at_capacity", atCapacity)
	return level, atCapacity, nil
}

func (a *MemoryAdapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, bool, error) {
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := a.now()
	leaked := e.leaked(leakRate, now)

	accepted := leaked+n <= capacity
	level := leaked
	if accepted {
		level = clamp(leaked+n, 0, capacity)
	}
	e.touch(level, now, capacity, leakRate)
	atCapacity := level >= capacity
	a.recorder.Add("pecorino_memory_fillup_total", 1, map[string]string{"key": key, "accepted": boolToLabel(accepted)})
	a.logger.Debug("memory conditional fillup", "key", key, "level", level, "accepted", accepted)
	return level, atCapacity, accepted, nil
}

func (a *MemoryAdapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	if blockFor <= 0 {
		return time.Time{}, invalidArgumentf("blockFor must be positive, got %v", blockFor)
	}
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	candidate := a.now().Add(blockFor)
	if e.blockedUntil.After(candidate) {
		return e.blockedUntil, nil
	}
	e.blockedUntil = candidate
	a.recorder.Add("pecorino_memory_blocks_armed_total", 1, map[string]string{"key": key})
	a.logger.Warn("memory block armed", "key", key, "until", candidate)
	return candidate, nil
}

func (a *MemoryAdapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.blockedUntil.After(a.now()) {
		return time.Time{}, false, nil
	}
	return e.blockedUntil, true, nil
}

// Prune deletes entries whose mayDeleteAfter deadline has passed, the same
// contract the SQL adapters enforce on their may_be_deleted_after column,
// except that an entry whose block is still active is kept.
// Unlike the persistent adapters, this is an optimization rather than a
// correctness requirement: an untouched MemoryAdapter entry costs memory,
// not storage I/O, but a long-running process with many transient keys
// still benefits from periodic pruning.
func (a *MemoryAdapter) Prune(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	pruned := 0
	for key, e := range a.entries {
		e.mu.Lock()
		expired := !e.mayDeleteAfter.After(now) && !e.blockedUntil.After(now)
		e.mu.Unlock()
		if expired {
			delete(a.entries, key)
			pruned++
		}
	}
	a.recorder.Add("pecorino_memory_pruned_total", float64(pruned), nil)
	a.logger.Debug("memory prune", "pruned", pruned, "remaining", len(a.entries))
	return nil
}

// CreateTables is a no-op: MemoryAdapter has no schema.
func (a *MemoryAdapter) CreateTables(ctx context.Context) error { return nil }

var _ Adapter = (*MemoryAdapter)(nil)

func boolToLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
