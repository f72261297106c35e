package pecorino

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresAdapter implements Adapter on top of database/sql, via the pgx
// stdlib driver. Callers construct and migrate the *sql.DB themselves
// (pgx/v5/stdlib registers the "pgx" driver as a side effect of being
// imported); PostgresAdapter only needs the handle.
//
// Every bucket operation is a single round trip: the leak, the fillup
// candidate, and the accept decision are all computed inside one
// INSERT ... ON CONFLICT DO UPDATE ... RETURNING statement, using CTEs
// to capture the leaked pre-fillup level alongside the post-fillup one.
// Two concurrent requests for the same key serialize on Postgres's row
// lock rather than racing in application code, and there is never a window
// where a second statement could observe a level a first statement hasn't
// committed yet. This is unlike SQLiteAdapter, which has to fall back to an
// explicit transaction with two statements because SQLite's RETURNING
// cannot expose both the pre- and post-update row from one statement.
type PostgresAdapter struct {
	db       *sql.DB
	timeout  time.Duration
	logger   Logger
	recorder MetricsRecorder
}

// NewPostgresAdapter returns a PostgresAdapter using db for storage, or
// cfg.DB from WithDB if db is nil. Accepts WithTimeout to bound each call
// when the caller's context has no deadline (default 5s), and WithLogger
// and WithRecorder.
func NewPostgresAdapter(db *sql.DB, opts ...Option) *PostgresAdapter {
	cfg := newConfig(opts...)
	if db == nil {
		db = cfg.DB
	}
	return &PostgresAdapter{db: db, timeout: cfg.Timeout, logger: cfg.Logger, recorder: cfg.Recorder}
}

func (a *PostgresAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

const postgresCreateTables = `
CREATE TABLE IF NOT EXISTS pecorino_leaky_buckets (
	id uuid PRIMARY KEY,
	key text NOT NULL UNIQUE,
	level double precision NOT NULL,
	last_touched_at timestamptz NOT NULL,
	may_be_deleted_after timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS pecorino_leaky_buckets_deleted_after_idx
	ON pecorino_leaky_buckets (may_be_deleted_after);

CREATE TABLE IF NOT EXISTS pecorino_blocks (
	id uuid PRIMARY KEY,
	key text NOT NULL UNIQUE,
	blocked_until timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS pecorino_blocks_blocked_until_idx
	ON pecorino_blocks (blocked_until);
`

// CreateTables creates the pecorino_leaky_buckets and pecorino_blocks tables
// if they do not already exist.
func (a *PostgresAdapter) CreateTables(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, postgresCreateTables); err != nil {
		return storeErrorf("postgres create tables: %w", err)
	}
	return nil
}

// postgresUpsertBucket leaks the row to now, decides whether amount can be
// added without exceeding capacity (always true when unconditional is
// true), and writes the resulting level -- all in one statement. The "old"
// CTE sees the row as it stood before this statement's own INSERT/UPDATE
// takes effect, which is what lets RETURNING hand back both the leaked
// level before the fillup (pre_level) and the post-fillup one (post_level)
// in a single round trip.
//
// Params: $1 id, $2 key, $3 capacity, $4 amount, $5 leakRate,
// $6 unconditional, $7 ttl_seconds.
const postgresUpsertBucket = `
WITH old AS (
	SELECT level, last_touched_at FROM pecorino_leaky_buckets WHERE key = $2
),
calc AS (
	SELECT GREATEST(
		COALESCE((SELECT level FROM old), 0) -
			EXTRACT(EPOCH FROM (now() - COALESCE((SELECT last_touched_at FROM old), now()))) * $5,
		0
	) AS leaked
)
INSERT INTO pecorino_leaky_buckets (id, key, level, last_touched_at, may_be_deleted_after)
VALUES (
	$1, $2,
	CASE WHEN (SELECT leaked FROM calc) + $4 <= $3 OR $6
		THEN GREATEST(LEAST((SELECT leaked FROM calc) + $4, $3), 0)
		ELSE (SELECT leaked FROM calc)
	END,
	now(), now() + $7 * interval '1 second'
)
ON CONFLICT (key) DO UPDATE SET
	level = CASE WHEN (SELECT leaked FROM calc) + $4 <= $3 OR $6
		THEN GREATEST(LEAST((SELECT leaked FROM calc) + $4, $3), 0)
		ELSE (SELECT leaked FROM calc)
	END,
	last_touched_at = now(),
	may_be_deleted_after = now() + $7 * interval '1 second'
RETURNING (SELECT leaked FROM calc) AS pre_level, level AS post_level,
	((SELECT leaked FROM calc) + $4 <= $3 OR $6) AS accepted`

// upsertBucket runs postgresUpsertBucket and returns the leaked level
// before the fillup, the post-fillup level, and whether the fillup was accepted.
func (a *PostgresAdapter) upsertBucket(ctx context.Context, key string, capacity, amount, leakRate float64, unconditional bool) (preLevel, postLevel float64, accepted bool, err error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	err = a.db.QueryRowContext(ctx, postgresUpsertBucket,
		uuid.NewString(), key, capacity, amount, leakRate, unconditional, ttlFor(capacity, leakRate).Seconds(),
	).Scan(&preLevel, &postLevel, &accepted)
	if err != nil {
		a.recorder.Add("pecorino_postgres_errors_total", 1, map[string]string{"op": "upsert_bucket"})
		return 0, 0, false, storeErrorf("postgres upsert bucket: %w", err)
	}
	a.recorder.Observe("pecorino_postgres_bucket_level", postLevel, map[string]string{"key": key})
	a.logger.Debug("postgres upsert bucket", "key", key, "pre_level", preLevel, "post_level", postLevel, "accepted", accepted)
	return preLevel, postLevel, accepted, nil
}

func (a *PostgresAdapter) State(ctx context.Context, key string, capacity, leakRate float64) (float64, bool, error) {
	_, level, _, err := a.upsertBucket(ctx, key, capacity, 0, leakRate, false)
	if err != nil {
		return 0, false, err
	}
	return level, level >= capacity, nil
}

func (a *PostgresAdapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, error) {
	_, level, _, err := a.upsertBucket(ctx, key, capacity, n, leakRate, true)
	if err != nil {
		return 0, false, err
	}
	return level, level >= capacity, nil
}

func (a *PostgresAdapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, bool, error) {
	_, level, accepted, err := a.upsertBucket(ctx, key, capacity, n, leakRate, false)
	if err != nil {
		return 0, false, false, err
	}
	a.recorder.Add("pecorino_postgres_fillup_total", 1, map[string]string{"accepted": boolToLabel(accepted)})
	return level, level >= capacity, accepted, nil
}

const postgresUpsertBlock = `
INSERT INTO pecorino_blocks (id, key, blocked_until)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET
	blocked_until = GREATEST(pecorino_blocks.blocked_until, EXCLUDED.blocked_until)
RETURNING blocked_until`

func (a *PostgresAdapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	if blockFor <= 0 {
		return time.Time{}, invalidArgumentf("blockFor must be positive, got %v", blockFor)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var until time.Time
	err := a.db.QueryRowContext(ctx, postgresUpsertBlock, uuid.NewString(), key, time.Now().Add(blockFor)).Scan(&until)
	if err != nil {
		a.recorder.Add("pecorino_postgres_errors_total", 1, map[string]string{"op": "set_block"})
		return time.Time{}, storeErrorf("postgres set block: %w", err)
	}
	a.logger.Warn("postgres block armed", "key", key, "until", until)
	return until, nil
}

func (a *PostgresAdapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var until time.Time
	err := a.db.QueryRowContext(ctx, `SELECT blocked_until FROM pecorino_blocks WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErrorf("postgres blocked until: %w", err)
	}
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Prune deletes bucket rows past their may_be_deleted_after deadline,
// whatever their level, and block rows whose deadline has already passed.
func (a *PostgresAdapter) Prune(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErrorf("postgres prune begin: %w", err)
	}
	defer tx.Rollback()

	bres, err := tx.ExecContext(ctx, `DELETE FROM pecorino_leaky_buckets WHERE may_be_deleted_after < now()`)
	if err != nil {
		return storeErrorf("postgres prune buckets: %w", err)
	}
	kres, err := tx.ExecContext(ctx, `DELETE FROM pecorino_blocks WHERE blocked_until < now()`)
	if err != nil {
		return storeErrorf("postgres prune blocks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErrorf("postgres prune commit: %w", err)
	}

	bn, _ := bres.RowsAffected()
	kn, _ := kres.RowsAffected()
	a.recorder.Add("pecorino_postgres_pruned_total", float64(bn+kn), nil)
	a.logger.Debug("postgres prune", "buckets", bn, "blocks", kn)
	return nil
}

var _ Adapter = (*PostgresAdapter)(nil)
