package redisrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/interchatapp/interchat-calls/internal/database"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/errors"
)

// renewScript extends the lease only if the caller still owns it.
// KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = TTL in milliseconds
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lease only if the caller still owns it.
// KEYS[1] = lease key, ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// LeaseRepository implements the matchmaker leader lease. A process that
// acquires the lease must renew it before the TTL elapses or lose
// leadership; on crash the lease simply expires and another process takes
// over within one TTL.
type LeaseRepository struct {
	client *database.RedisClient
}

// NewLeaseRepository creates a new LeaseRepository
func NewLeaseRepository(client *database.RedisClient) *LeaseRepository {
	return &LeaseRepository{client: client}
}

// Acquire attempts to take the lease. Returns true if this owner now holds it.
func (r *LeaseRepository) Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Client.SetNX(ctx, domain.KeyLeaderLease, owner, ttl).Result()
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to acquire lease: %w", err))
	}
	return ok, nil
}

// Renew extends the lease if owner still holds it. Returns false when the
// lease expired or was taken by another process.
func (r *LeaseRepository) Renew(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	renewed, err := renewScript.Run(ctx, r.client.Client,
		[]string{domain.KeyLeaderLease}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to renew lease: %w", err))
	}
	return renewed == 1, nil
}

// Release gives up the lease if owner still holds it, making failover
// immediate instead of waiting for lease expiry.
func (r *LeaseRepository) Release(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, r.client.Client,
		[]string{domain.KeyLeaderLease}, owner).Err(); err != nil && err != redis.Nil {
		return errors.StoreError(fmt.Errorf("failed to release lease: %w", err))
	}
	return nil
}

// CurrentLeader returns the owner of the lease, or empty when unheld.
func (r *LeaseRepository) CurrentLeader(ctx context.Context) (string, error) {
	owner, err := r.client.Client.Get(ctx, domain.KeyLeaderLease).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.StoreError(fmt.Errorf("failed to read lease: %w", err))
	}
	return owner, nil
}
