// Package config loads the dbcache server configuration from a YAML file,
// DBCACHE_* environment variables and defaults, in increasing order of
// precedence: defaults, file, environment. Command line flags are applied
// on top by the caller.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/queue"
	"github.com/agentuity/go-dbcache/resilience"
	"github.com/agentuity/go-dbcache/store"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultTTL is applied to putCache requests that carry no ttl.
const DefaultTTL = 5 * time.Minute

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Lock modes.
const (
	LockKey    = "key"
	LockGlobal = "global"
)

// Duration is a time.Duration read from strings such as "500ms", "1s" or
// "1d" (str2duration syntax).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ParseDuration parses a str2duration string. A leading "-" is allowed.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	d, err := str2duration.ParseDuration(strings.TrimPrefix(s, "-"))
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", s)
	}
	if neg {
		d = -d
	}
	return d, nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Redis struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type Store struct {
	Driver       string   `yaml:"driver"`
	SQLite       SQLite   `yaml:"sqlite"`
	Redis        Redis    `yaml:"redis"`
	QueryTimeout Duration `yaml:"queryTimeout"`
}

// Queue holds the settings of one write queue.
type Queue struct {
	BatchSize      int      `yaml:"batchSize"`
	Period         Duration `yaml:"period"`
	InitialDelay   Duration `yaml:"initialDelay"`
	Capacity       int      `yaml:"capacity"`
	EnqueueTimeout Duration `yaml:"enqueueTimeout"`
}

// Options converts q to queue options.
func (q Queue) Options() []queue.Option {
	return []queue.Option{
		queue.WithBatchSize(q.BatchSize),
		queue.WithPeriod(q.Period.Std()),
		queue.WithInitialDelay(q.InitialDelay.Std()),
		queue.WithCapacity(q.Capacity),
		queue.WithEnqueueTimeout(q.EnqueueTimeout.Std()),
	}
}

type Queues struct {
	Insert Queue `yaml:"insert"`
	Update Queue `yaml:"update"`
	Delete Queue `yaml:"delete"`
}

func (q *Queues) each(fn func(name string, q *Queue)) {
	fn("insert", &q.Insert)
	fn("update", &q.Update)
	fn("delete", &q.Delete)
}

type Retry struct {
	MaxRetries     int      `yaml:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
}

// CircuitBreaker guards store writes. MaxFailures 0 disables it.
type CircuitBreaker struct {
	MaxFailures      int      `yaml:"maxFailures"`
	Cooldown         Duration `yaml:"cooldown"`
	SuccessThreshold int      `yaml:"successThreshold"`
	RequestTimeout   Duration `yaml:"requestTimeout"`
}

type Telemetry struct {
	OTLPURL string `yaml:"otlpURL"`
	Token   string `yaml:"token"`
}

// Config is the complete server configuration.
type Config struct {
	Listen     string         `yaml:"listen"`
	Log        Log            `yaml:"log"`
	Store      Store          `yaml:"store"`
	Queues     Queues         `yaml:"queues"`
	Retry      Retry          `yaml:"retry"`
	Breaker    CircuitBreaker `yaml:"circuitBreaker"`
	Lock       string         `yaml:"lock"`
	Telemetry  Telemetry      `yaml:"telemetry"`
	DefaultTTL Duration       `yaml:"defaultTTL"`
}

func defaultQueue() Queue {
	return Queue{
		BatchSize:    queue.DefaultBatchSize,
		Period:       Duration(queue.DefaultPeriod),
		InitialDelay: Duration(queue.DefaultInitialDelay),
		Capacity:     queue.DefaultCapacity,
	}
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Listen: ":8080",
		Log:    Log{Level: "info", Format: "console"},
		Store: Store{
			Driver:       DriverSQLite,
			SQLite:       SQLite{Path: "dbcache.db"},
			Redis:        Redis{URL: "redis://localhost:6379/0", Prefix: "dbcache"},
			QueryTimeout: Duration(store.DefaultQueryTimeout),
		},
		Queues: Queues{Insert: defaultQueue(), Update: defaultQueue(), Delete: defaultQueue()},
		Retry: Retry{
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
		},
		Breaker: CircuitBreaker{
			Cooldown:         Duration(30 * time.Second),
			SuccessThreshold: 1,
		},
		Lock:       LockKey,
		DefaultTTL: Duration(DefaultTTL),
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// process environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from DBCACHE_* variables found by lookup.
// DBCACHE_BATCH_SIZE and DBCACHE_FLUSH_PERIOD apply to all three queues.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		d, err := ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		*dst = Duration(d)
		return nil
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		*dst = n
		return nil
	}

	str("DBCACHE_LISTEN", &c.Listen)
	str("DBCACHE_LOG_LEVEL", &c.Log.Level)
	str("DBCACHE_LOG_FORMAT", &c.Log.Format)
	str("DBCACHE_STORE_DRIVER", &c.Store.Driver)
	str("DBCACHE_SQLITE_PATH", &c.Store.SQLite.Path)
	str("DBCACHE_REDIS_URL", &c.Store.Redis.URL)
	str("DBCACHE_REDIS_PREFIX", &c.Store.Redis.Prefix)
	str("DBCACHE_LOCK", &c.Lock)
	str("DBCACHE_OTLP_URL", &c.Telemetry.OTLPURL)
	str("DBCACHE_OTLP_TOKEN", &c.Telemetry.Token)
	if err := dur("DBCACHE_QUERY_TIMEOUT", &c.Store.QueryTimeout); err != nil {
		return err
	}
	if err := dur("DBCACHE_DEFAULT_TTL", &c.DefaultTTL); err != nil {
		return err
	}
	if err := num("DBCACHE_MAX_RETRIES", &c.Retry.MaxRetries); err != nil {
		return err
	}
	if err := num("DBCACHE_BREAKER_MAX_FAILURES", &c.Breaker.MaxFailures); err != nil {
		return err
	}
	if err := dur("DBCACHE_BREAKER_COOLDOWN", &c.Breaker.Cooldown); err != nil {
		return err
	}

	var batch int
	var period Duration
	if err := num("DBCACHE_BATCH_SIZE", &batch); err != nil {
		return err
	}
	if err := dur("DBCACHE_FLUSH_PERIOD", &period); err != nil {
		return err
	}
	c.Queues.each(func(_ string, q *Queue) {
		if batch != 0 {
			q.BatchSize = batch
		}
		if period != 0 {
			q.Period = period
		}
	})
	return nil
}

// Validate reports the first invalid setting, marked with ErrInvalid.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.Wrap(ErrInvalid, "listen address is required")
	}
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return errors.Wrapf(ErrInvalid, "unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Wrapf(ErrInvalid, "unknown log format %q", c.Log.Format)
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.Wrap(ErrInvalid, "store.sqlite.path is required")
		}
	case DriverRedis:
		if c.Store.Redis.URL == "" {
			return errors.Wrap(ErrInvalid, "store.redis.url is required")
		}
	case DriverMemory:
	default:
		return errors.Wrapf(ErrInvalid, "unknown store driver %q", c.Store.Driver)
	}
	if c.Store.QueryTimeout <= 0 {
		return errors.Wrap(ErrInvalid, "store.queryTimeout must be positive")
	}
	var err error
	queues := c.Queues
	queues.each(func(name string, q *Queue) {
		switch {
		case err != nil:
		case q.BatchSize <= 0:
			err = errors.Wrapf(ErrInvalid, "queues.%s.batchSize must be positive", name)
		case q.Period <= 0:
			err = errors.Wrapf(ErrInvalid, "queues.%s.period must be positive", name)
		case q.Capacity <= 0:
			err = errors.Wrapf(ErrInvalid, "queues.%s.capacity must be positive", name)
		case q.InitialDelay < 0:
			err = errors.Wrapf(ErrInvalid, "queues.%s.initialDelay must not be negative", name)
		case q.EnqueueTimeout < 0:
			err = errors.Wrapf(ErrInvalid, "queues.%s.enqueueTimeout must not be negative", name)
		}
	})
	if err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return errors.Wrap(ErrInvalid, "retry.maxRetries must not be negative")
	}
	if c.Breaker.MaxFailures < 0 {
		return errors.Wrap(ErrInvalid, "circuitBreaker.maxFailures must not be negative")
	}
	if c.Breaker.MaxFailures > 0 && c.Breaker.Cooldown <= 0 {
		return errors.Wrap(ErrInvalid, "circuitBreaker.cooldown must be positive")
	}
	switch c.Lock {
	case LockKey, LockGlobal:
	default:
		return errors.Wrapf(ErrInvalid, "unknown lock mode %q", c.Lock)
	}
	return nil
}

// LogLevel returns the parsed log level, Info when unparseable.
func (c Config) LogLevel() logger.LogLevel {
	if level, ok := logger.ParseLevel(c.Log.Level); ok {
		return level
	}
	return logger.LevelInfo
}

// RetryConfig returns nil when retries are disabled.
func (c Config) RetryConfig() *resilience.RetryConfig {
	if c.Retry.MaxRetries == 0 {
		return nil
	}
	rc := resilience.DefaultRetryConfig()
	rc.MaxRetries = c.Retry.MaxRetries
	rc.InitialBackoff = c.Retry.InitialBackoff.Std()
	rc.MaxBackoff = c.Retry.MaxBackoff.Std()
	return &rc
}

// CircuitBreakerConfig returns nil when the breaker is disabled.
func (c Config) CircuitBreakerConfig() *resilience.CircuitBreakerConfig {
	if c.Breaker.MaxFailures == 0 {
		return nil
	}
	return &resilience.CircuitBreakerConfig{
		MaxFailures:           c.Breaker.MaxFailures,
		Timeout:               c.Breaker.Cooldown.Std(),
		MaxConcurrentRequests: 1,
		SuccessThreshold:      c.Breaker.SuccessThreshold,
		RequestTimeout:        c.Breaker.RequestTimeout.Std(),
	}
}
