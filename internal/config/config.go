package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type Config struct {
	Addr       string
	RedisURL   string // empty selects the in-memory store
	DBPath     string
	InstanceID string

	RoomCapacity int
	RoomTTL      time.Duration

	// Sliding window for the HTTP room API, keyed by client IP.
	APIRateWindow time.Duration
	APIRateLimit  int

	// Sliding window for edit and cursor frames, keyed by room and username.
	SocketRateWindow time.Duration
	SocketRateLimit  int

	FlushInterval    time.Duration
	SnapshotInterval time.Duration

	StoreRetries    int
	StoreRetryDelay time.Duration

	AllowedOrigins []string

	// Honour X-Forwarded-For and X-Real-IP. Only safe behind a proxy that
	// overwrites them.
	TrustProxy bool

	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		Addr:             ":8080",
		DBPath:           "./data/codepair.db",
		RoomCapacity:     2,
		RoomTTL:          24 * time.Hour,
		APIRateWindow:    10 * time.Second,
		APIRateLimit:     5,
		SocketRateWindow: time.Second,
		SocketRateLimit:  60,
		FlushInterval:    2 * time.Second,
		SnapshotInterval: time.Minute,
		StoreRetries:     3,
		StoreRetryDelay:  100 * time.Millisecond,
		AllowedOrigins:   []string{"*"},
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads an optional .env file and then the process environment on top of
// the defaults.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	// PORT is honoured for platforms that only inject a port.
	if port := env.str("PORT", ""); port != "" {
		c.Addr = ":" + port
	}
	c.Addr = env.str("CODEPAIR_ADDR", c.Addr)
	c.RedisURL = env.str("CODEPAIR_REDIS_URL", c.RedisURL)
	c.DBPath = env.str("CODEPAIR_DB_PATH", c.DBPath)
	c.InstanceID = env.str("CODEPAIR_INSTANCE_ID", c.InstanceID)
	c.RoomCapacity = env.int("CODEPAIR_ROOM_CAPACITY", c.RoomCapacity)
	c.RoomTTL = env.duration("CODEPAIR_ROOM_TTL", c.RoomTTL)
	c.APIRateWindow = env.duration("CODEPAIR_API_RATE_WINDOW", c.APIRateWindow)
	c.APIRateLimit = env.int("CODEPAIR_API_RATE_LIMIT", c.APIRateLimit)
	c.SocketRateWindow = env.duration("CODEPAIR_SOCKET_RATE_WINDOW", c.SocketRateWindow)
	c.SocketRateLimit = env.int("CODEPAIR_SOCKET_RATE_LIMIT", c.SocketRateLimit)
	c.FlushInterval = env.duration("CODEPAIR_FLUSH_INTERVAL", c.FlushInterval)
	c.SnapshotInterval = env.duration("CODEPAIR_SNAPSHOT_INTERVAL", c.SnapshotInterval)
	c.StoreRetries = env.int("CODEPAIR_STORE_RETRIES", c.StoreRetries)
	c.StoreRetryDelay = env.duration("CODEPAIR_STORE_RETRY_DELAY", c.StoreRetryDelay)
	c.AllowedOrigins = env.list("CODEPAIR_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.TrustProxy = env.bool("CODEPAIR_TRUST_PROXY", c.TrustProxy)
	c.LogLevel = env.str("CODEPAIR_LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.str("CODEPAIR_LOG_FORMAT", c.LogFormat)

	return env.err
}

// BindFlags registers command-line overrides. Flags win over the environment
// because cobra parses them after Load has filled the struct.
func (c *Config) BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	f.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis URL for shared room state (empty uses in-memory state)")
	f.StringVar(&c.DBPath, "db", c.DBPath, "sqlite database path")
	f.IntVar(&c.RoomCapacity, "room-capacity", c.RoomCapacity, "maximum members per room")
	f.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "how often room buffers are written to the state store")
	f.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "how often room buffers are archived to sqlite")
	f.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "take client addresses from X-Forwarded-For and X-Real-IP")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.RoomCapacity < 1 {
		errs = append(errs, fmt.Errorf("room capacity must be positive, got %d", c.RoomCapacity))
	}
	if c.APIRateWindow <= 0 || c.APIRateLimit < 1 {
		errs = append(errs, errors.New("api rate window and limit must be positive"))
	}
	if c.SocketRateWindow <= 0 || c.SocketRateLimit < 1 {
		errs = append(errs, errors.New("socket rate window and limit must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush interval must be positive"))
	}
	if c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("snapshot interval must be positive"))
	}
	if c.StoreRetries < 0 {
		errs = append(errs, errors.New("store retries must not be negative"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
