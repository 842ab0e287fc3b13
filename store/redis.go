package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript is a Lua script that atomically applies one admission attempt.
// It reads the current count first: once the count has reached the maximum
// the script returns without incrementing, so a saturated counter never grows
// past the limit. Otherwise it increments, starting the window expiry on the
// first hit. Millisecond precision keeps sub-second windows accurate.
// Returns [count, pttl, limited] where limited is 1 when the attempt was
// rejected.
var admitScript = redis.NewScript(`
local max = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= max then
    local ttl = redis.call('PTTL', KEYS[1])
    return {count, ttl, 1}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl, 0}
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Uses Redis atomic operations via Lua scripts to ensure rate limit accuracy across
// multiple instances in Kubernetes or other distributed environments.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace rate limit data (default: "ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	store, err := store.NewRedis(store.RedisConfig{
//		URL:      "localhost:6379",
//		Password: "",
//		DB:       0,
//		Prefix:   "ratelimit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "ratelimit:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// Increment applies one admission attempt for the given key using a Lua script.
// The script executes atomically, so the read-check-increment sequence cannot
// interleave with other clients and the stored count never exceeds max.
// Returns the current count, time remaining until window reset, and whether
// the attempt was rejected.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration, max int64) (int64, time.Duration, bool, error) {
	fullKey := r.prefix + key

	result, err := admitScript.Run(ctx, r.client, []string{fullKey}, window.Milliseconds(), max).Slice()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis increment failed: %w", err)
	}

	if len(result) != 3 {
		return 0, 0, false, fmt.Errorf("unexpected result length: got %d, want 3", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, false, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	ttlMillis, ok := result[1].(int64)
	if !ok {
		return 0, 0, false, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}

	limitedFlag, ok := result[2].(int64)
	if !ok {
		return 0, 0, false, fmt.Errorf("unexpected type for limited flag: %T", result[2])
	}

	// PTTL returns a negative value for a missing key or one without
	// an expiry.
	if ttlMillis < 0 {
		ttlMillis = 0
	}

	return count, time.Duration(ttlMillis) * time.Millisecond, limitedFlag == 1, nil
}

// Get retrieves the current count and remaining window for the given key
// without incrementing. The value and TTL are fetched in one pipelined round
// trip; a missing key reports ok=false.
func (r *Redis) Get(ctx context.Context, key string) (int64, time.Duration, bool, error) {
	fullKey := r.prefix + key

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, fullKey)
	ttlCmd := pipe.PTTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, false, fmt.Errorf("redis get failed: %w", err)
	}

	if getCmd.Err() == redis.Nil {
		return 0, 0, false, nil
	}
	if err := getCmd.Err(); err != nil {
		return 0, 0, false, fmt.Errorf("redis get failed: %w", err)
	}

	count, err := getCmd.Int64()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis get returned non-integer count: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}

	return count, ttl, true, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
