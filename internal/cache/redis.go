package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}

// Redis is a Store backed by a Redis server. Expiry is enforced by Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	// Managed Redis offerings require TLS
	if config.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get returns the raw value, or nil on a miss
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // cache miss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores value with the given TTL. A non-positive TTL never expires.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Del removes key
func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Exists reports whether key is present and unexpired
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping performs a health check on the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}
	return nil
}

// PoolStats holds the connection pool counters of the Redis client
type PoolStats struct {
	Hits       uint32
	Misses     uint32
	Timeouts   uint32
	TotalConns uint32
	IdleConns  uint32
	StaleConns uint32
}

// Stats returns connection pool counters
func (r *Redis) Stats() PoolStats {
	ps := r.client.PoolStats()
	return PoolStats{
		Hits:       ps.Hits,
		Misses:     ps.Misses,
		Timeouts:   ps.Timeouts,
		TotalConns: ps.TotalConns,
		IdleConns:  ps.IdleConns,
		StaleConns: ps.StaleConns,
	}
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
