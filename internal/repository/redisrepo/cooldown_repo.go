package redisrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/interchatapp/interchat-calls/internal/database"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/errors"
)

// CooldownRepository tracks recent-match records per user pair so the same
// two users are not immediately re-matched after a call ends. Entries expire
// on their own; there is nothing to clean up.
type CooldownRepository struct {
	client *database.RedisClient
	window time.Duration
}

// NewCooldownRepository creates a new CooldownRepository
func NewCooldownRepository(client *database.RedisClient, window time.Duration) *CooldownRepository {
	return &CooldownRepository{client: client, window: window}
}

// SetCooldown records a recent match between the two users.
func (r *CooldownRepository) SetCooldown(ctx context.Context, userA, userB string) error {
	key := domain.CooldownKey(userA, userB)
	if err := r.client.Client.Set(ctx, key, "1", r.window).Err(); err != nil {
		return errors.StoreError(fmt.Errorf("failed to set cooldown: %w", err))
	}
	return nil
}

// InCooldown reports whether the two users have a recent-match record.
func (r *CooldownRepository) InCooldown(ctx context.Context, userA, userB string) (bool, error) {
	key := domain.CooldownKey(userA, userB)
	exists, err := r.client.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to check cooldown: %w", err))
	}
	return exists > 0, nil
}
