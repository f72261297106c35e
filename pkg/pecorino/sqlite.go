package pecorino

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLiteAdapter implements Adapter on top of database/sql, via
// modernc.org/sqlite (a pure-Go driver, no cgo). SQLite's RETURNING clause
// cannot expose both the pre-update and post-update value of a column the
// way PostgresAdapter's CTE-based statement does, so the leak-then-fillup
// sequence is several statements -- an INSERT ... ON CONFLICT DO NOTHING
// that creates the row if needed, a SELECT of the stored level, an UPDATE
// writing the leak computed in Go, and an UPDATE applying the fillup --
// wrapped in one transaction so no other caller can observe the bucket
// between them. Timestamps come from the Go process clock.
type SQLiteAdapter struct {
	db       *sql.DB
	timeout  time.Duration
	logger   Logger
	recorder MetricsRecorder
}

// NewSQLiteAdapter returns a SQLiteAdapter using db for storage, or cfg.DB
// from WithDB if db is nil. Accepts WithTimeout (default 5s), WithLogger,
// and WithRecorder.
func NewSQLiteAdapter(db *sql.DB, opts ...Option) *SQLiteAdapter {
	cfg := newConfig(opts...)
	if db == nil {
		db = cfg.DB
	}
	return &SQLiteAdapter{db: db, timeout: cfg.Timeout, logger: cfg.Logger, recorder: cfg.Recorder}
}

func (a *SQLiteAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

const sqliteCreateTables = `
CREATE TABLE IF NOT EXISTS pecorino_leaky_buckets (
	id text PRIMARY KEY,
	key text NOT NULL UNIQUE,
	level real NOT NULL,
	last_touched_at text NOT NULL,
	may_be_deleted_after text NOT NULL
);
CREATE INDEX IF NOT EXISTS pecorino_leaky_buckets_deleted_after_idx
	ON pecorino_leaky_buckets (may_be_deleted_after);

CREATE TABLE IF NOT EXISTS pecorino_blocks (
	id text PRIMARY KEY,
	key text NOT NULL UNIQUE,
	blocked_until text NOT NULL
);
CREATE INDEX IF NOT EXISTS pecorino_blocks_blocked_until_idx
	ON pecorino_blocks (blocked_until);
`

// sqliteTimeLayout matches strftime('%Y-%m-%d %H:%M:%f', ...), which carries
// millisecond precision -- comfortably inside the package's 0.1s leak
// tolerance.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
}

// CreateTables creates the pecorino_leaky_buckets and pecorino_blocks tables
// if they do not already exist.
func (a *SQLiteAdapter) CreateTables(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, sqliteCreateTables); err != nil {
		return storeErrorf("sqlite create tables: %w", err)
	}
	return nil
}

// leakOne performs the row's upsert-and-leak step inside tx, returning the
// level after leaking to now.
func (a *SQLiteAdapter) leakOne(ctx context.Context, tx *sql.Tx, key string, capacity, leakRate float64, now time.Time) (float64, error) {
	deletedAfter := now.Add(ttlFor(capacity, leakRate))

	_, err := tx.ExecContext(ctx, `
		INSERT INTO pecorino_leaky_buckets (id, key, level, last_touched_at, may_be_deleted_after)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		uuid.NewString(), key, formatSQLiteTime(now), formatSQLiteTime(deletedAfter))
	if err != nil {
		return 0, err
	}

	var level float64
	var lastTouchedStr string
	err = tx.QueryRowContext(ctx, `SELECT level, last_touched_at FROM pecorino_leaky_buckets WHERE key = ?`, key).
		Scan(&level, &lastTouchedStr)
	if err != nil {
		return 0, err
	}
	lastTouched, err := parseSQLiteTime(lastTouchedStr)
	if err != nil {
		return 0, err
	}

	elapsed := now.Sub(lastTouched).Seconds()
	leaked := level
	if elapsed > 0 {
		leaked = clamp(level-elapsed*leakRate, 0, level)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pecorino_leaky_buckets
		SET level = ?, last_touched_at = ?, may_be_deleted_after = ?
		WHERE key = ?`,
		leaked, formatSQLiteTime(now), formatSQLiteTime(deletedAfter), key)
	if err != nil {
		return 0, err
	}
	return leaked, nil
}

func (a *SQLiteAdapter) State(ctx context.Context, key string, capacity, leakRate float64) (float64, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storeErrorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	level, err := a.leakOne(ctx, tx, key, capacity, leakRate, time.Now())
	if err != nil {
		return 0, false, storeErrorf("sqlite state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, storeErrorf("sqlite commit: %w", err)
	}
	return level, level >= capacity, nil
}

func (a *SQLiteAdapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storeErrorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	leaked, err := a.leakOne(ctx, tx, key, capacity, leakRate, now)
	if err != nil {
		return 0, false, storeErrorf("sqlite add tokens leak: %w", err)
	}

	final := clamp(leaked+n, 0, capacity)
	_, err = tx.ExecContext(ctx, `UPDATE pecorino_leaky_buckets SET level = ?, last_touched_at = ? WHERE key = ?`,
		final, formatSQLiteTime(now), key)
	if err != nil {
		return 0, false, storeErrorf("sqlite add tokens fillup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, storeErrorf("sqlite commit: %w", err)
	}
	a.recorder.Add("pecorino_sqlite_add_tokens_total", 1, map[string]string{"key": key})
	a.logger.Debug("sqlite add tokens", "key", key, "level", final)
	return final, final >= capacity, nil
}

func (a *SQLiteAdapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (float64, bool, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, false, storeErrorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	leaked, err := a.leakOne(ctx, tx, key, capacity, leakRate, now)
	if err != nil {
		return 0, false, false, storeErrorf("sqlite add tokens conditionally leak: %w", err)
	}

	accepted := leaked+n <= capacity
	final := leaked
	if accepted {
		final = clamp(leaked+n, 0, capacity)
		_, err = tx.ExecContext(ctx, `UPDATE pecorino_leaky_buckets SET level = ?, last_touched_at = ? WHERE key = ?`,
			final, formatSQLiteTime(now), key)
		if err != nil {
			return 0, false, false, storeErrorf("sqlite add tokens conditionally fillup: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, false, storeErrorf("sqlite commit: %w", err)
	}
	a.recorder.Add("pecorino_sqlite_fillup_total", 1, map[string]string{"accepted": boolToLabel(accepted)})
	a.logger.Debug("sqlite conditional fillup", "key", key, "level", final, "accepted", accepted)
	return final, final >= capacity, accepted, nil
}

func (a *SQLiteAdapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	if blockFor <= 0 {
		return time.Time{}, invalidArgumentf("blockFor must be positive, got %v", blockFor)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	candidate := time.Now().Add(blockFor)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, storeErrorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pecorino_blocks (id, key, blocked_until)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET blocked_until = MAX(blocked_until, excluded.blocked_until)`,
		uuid.NewString(), key, formatSQLiteTime(candidate))
	if err != nil {
		return time.Time{}, storeErrorf("sqlite set block: %w", err)
	}

	var untilStr string
	err = tx.QueryRowContext(ctx, `SELECT blocked_until FROM pecorino_blocks WHERE key = ?`, key).Scan(&untilStr)
	if err != nil {
		return time.Time{}, storeErrorf("sqlite set block read back: %w", err)
	}
	until, err := parseSQLiteTime(untilStr)
	if err != nil {
		return time.Time{}, storeErrorf("sqlite set block parse: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, storeErrorf("sqlite commit: %w", err)
	}
	a.logger.Warn("sqlite block armed", "key", key, "until", until)
	return until, nil
}

func (a *SQLiteAdapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var untilStr string
	err := a.db.QueryRowContext(ctx, `SELECT blocked_until FROM pecorino_blocks WHERE key = ?`, key).Scan(&untilStr)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErrorf("sqlite blocked until: %w", err)
	}
	until, err := parseSQLiteTime(untilStr)
	if err != nil {
		return time.Time{}, false, storeErrorf("sqlite blocked until parse: %w", err)
	}
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Prune deletes bucket rows past their may_be_deleted_after deadline,
// whatever their level, and block rows whose deadline has already passed.
func (a *SQLiteAdapter) Prune(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErrorf("sqlite prune begin: %w", err)
	}
	defer tx.Rollback()

	now := formatSQLiteTime(time.Now())
	if _, err := tx.ExecContext(ctx, `DELETE FROM pecorino_leaky_buckets WHERE may_be_deleted_after < ?`, now); err != nil {
		return storeErrorf("sqlite prune buckets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pecorino_blocks WHERE blocked_until < ?`, now); err != nil {
		return storeErrorf("sqlite prune blocks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErrorf("sqlite prune commit: %w", err)
	}
	a.logger.Debug("sqlite prune complete")
	return nil
}

var _ Adapter = (*SQLiteAdapter)(nil)
