package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/interchatapp/interchat-calls/internal/config"
)

// RedisClient wraps the go-redis client with a background health check.
// The shared store is the only coordination medium between worker
// processes, so its health is tracked explicitly and surfaced to /healthz.
type RedisClient struct {
	Client *redis.Client

	degraded      bool
	degradedMu    sync.RWMutex
	healthCheckMu sync.Mutex
}

// NewRedisClient creates a new Redis client from config
func NewRedisClient(cfg *config.RedisConfig) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck starts a background goroutine that periodically checks
// Redis health until the context is cancelled.
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if the last health check failed
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	defer r.degradedMu.Unlock()
	r.degraded = degraded
}

// HealthCheck pings Redis and updates the degraded flag.
// A mutex prevents concurrent health checks from piling up.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegraded(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegraded(false)
	return nil
}
