package pecorino

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds settings shared across adapter constructors. Adapters read
// only the fields relevant to their backend; see each constructor's doc
// comment for which options apply.
type Config struct {
	Prefix   string
	Timeout  time.Duration
	Recorder MetricsRecorder
	Logger   Logger
	DB       *sql.DB
	Shards   []*redis.Client
}

// Option configures a Config via the functional options pattern.
type Option func(*Config)

// defaultConfig returns a Config with safe defaults applied before any
// Option runs.
func defaultConfig() *Config {
	return &Config{
		Prefix:   "pecorino:",
		Timeout:  5 * time.Second,
		Recorder: NoOpMetricsRecorder{},
		Logger:   NoOpLogger{},
	}
}

func newConfig(opts ...Option) *Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithPrefix sets the Redis key prefix used by RedisAdapter and
// ShardedRedisAdapter. Default "pecorino:".
func WithPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithTimeout sets the per-call context timeout applied by adapters that
// do not already have a deadline on the context they're given. Default 5s.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithRecorder injects a MetricsRecorder. Default NoOpMetricsRecorder.
func WithRecorder(recorder MetricsRecorder) Option {
	return func(c *Config) {
		if recorder != nil {
			c.Recorder = recorder
		}
	}
}

// WithLogger injects a Logger. Default NoOpLogger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithDB sets the *sql.DB used by PostgresAdapter/SQLiteAdapter.
func WithDB(db *sql.DB) Option {
	return func(c *Config) {
		c.DB = db
	}
}

// WithShards configures ShardedRedisAdapter's backing Redis clients, used
// by NewShardedRedisAdapter when its clients argument is empty. The order
// given is significant: each client's name on the hash ring is derived
// from its position, so reordering the clients changes which client serves
// a key.
func WithShards(clients ...*redis.Client) Option {
	return func(c *Config) {
		c.Shards = clients
	}
}
