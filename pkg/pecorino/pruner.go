package pecorino

import (
	"context"
	"errors"
	"time"
)

// Pruner periodically calls Prune on one or more adapters, deleting expired
// bucket and block rows so long-idle keys do not accumulate indefinitely in
// backends that keep state per key (PostgresAdapter, SQLiteAdapter,
// MemoryAdapter). The Redis adapters rely on per-key TTLs instead, but
// still implement Prune so a Pruner can drive a mixed set of adapters
// uniformly.
type Pruner struct {
	adapters []Adapter
	logger   Logger
	recorder MetricsRecorder
}

// NewPruner returns a Pruner over the given adapters, using opts the same
// way adapter constructors do (only Logger and Recorder are consulted).
func NewPruner(adapters []Adapter, opts ...Option) *Pruner {
	cfg := newConfig(opts...)
	return &Pruner{
		adapters: adapters,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}
}

// Prune calls Prune on every adapter once, joining any errors rather than
// stopping at the first.
func (p *Pruner) Prune(ctx context.Context) error {
	var errs []error
	for _, adapter := range p.adapters {
		start := time.Now()
		err := adapter.Prune(ctx)
		p.recorder.Observe("pecorino_prune_duration_seconds", time.Since(start).Seconds(), nil)
		if err != nil {
			p.logger.Error("prune failed", "error", err)
			p.recorder.Add("pecorino_prune_errors_total", 1, nil)
			errs = append(errs, err)
			continue
		}
		p.recorder.Add("pecorino_prune_runs_total", 1, nil)
	}
	return errors.Join(errs...)
}

// Run calls Prune every interval until ctx is canceled, logging (but not
// returning) errors from individual prune passes. It returns ctx.Err()
// when ctx is done.
func (p *Pruner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Prune(ctx); err != nil {
				p.logger.Warn("prune pass completed with errors", "error", err)
			}
		}
	}
}
