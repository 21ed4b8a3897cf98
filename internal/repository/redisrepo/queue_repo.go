package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/database"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/errors"
	"github.com/interchatapp/interchat-calls/pkg/logger"
)

// claimScript atomically claims a queued request: it verifies the stored
// payload still belongs to the expected request ID, removes the channel from
// the ordered set, and deletes the payload and ID index. ZREM is the claim
// decider; exactly one caller cluster-wide observes 1. A corrupt payload is
// purged and reported as not claimed.
//
// KEYS[1] = queue zset, KEYS[2] = payload key, KEYS[3] = id index key
// ARGV[1] = channel ID, ARGV[2] = request ID
var claimScript = redis.NewScript(`
local payload = redis.call('GET', KEYS[2])
if not payload then
	return 0
end
local ok, req = pcall(cjson.decode, payload)
if not ok then
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('DEL', KEYS[2], KEYS[3])
	return 0
end
if req.id ~= ARGV[2] then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`)

// claimByChannelScript is the cancellation variant: it claims whatever
// request is currently queued for the channel.
//
// KEYS[1] = queue zset, KEYS[2] = payload key
// ARGV[1] = channel ID, ARGV[2] = id index key prefix
var claimByChannelScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local payload = redis.call('GET', KEYS[2])
redis.call('DEL', KEYS[2])
if payload then
	local ok, req = pcall(cjson.decode, payload)
	if ok and req.id then
		redis.call('DEL', ARGV[2] .. req.id)
	end
end
return 1
`)

// QueueRepository is the shared, score-ordered wait queue. The ZSET holds
// one member per channel; the full request payload lives in a per-channel
// key with a TTL equal to the queue timeout.
type QueueRepository struct {
	client         *database.RedisClient
	capacity       int64
	priorityWeight time.Duration
}

// NewQueueRepository creates a new QueueRepository
func NewQueueRepository(client *database.RedisClient, cfg config.QueueConfig) *QueueRepository {
	return &QueueRepository{
		client:         client,
		capacity:       int64(cfg.Capacity),
		priorityWeight: cfg.PriorityWeight,
	}
}

// queueIDPrefix is the key prefix of the request-ID index. It is passed to
// claimByChannelScript so the Lua side and idIndexKey always agree.
const queueIDPrefix = "call:queue:id:"

func idIndexKey(requestID uuid.UUID) string {
	return queueIDPrefix + requestID.String()
}

// score orders the queue FIFO by enqueue time, with priority subtracting a
// configured weight so higher-priority requests rank earlier.
func (r *QueueRepository) score(req *domain.CallRequest) float64 {
	ts := req.Timestamp.UnixMilli()
	boost := int64(req.Priority) * r.priorityWeight.Milliseconds()
	return float64(ts - boost)
}

// Enqueue inserts the request and returns the resulting queue status.
// The payload SETNX is the uniqueness guard: if the channel already holds an
// entry the enqueue is rejected with AlreadyQueued.
func (r *QueueRepository) Enqueue(ctx context.Context, req *domain.CallRequest, ttl time.Duration) (*domain.QueueStatus, error) {
	length, err := r.Length(ctx)
	if err != nil {
		return nil, err
	}
	if length >= r.capacity {
		return nil, errors.QueueFullError()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqKey := domain.QueueRequestKey(req.ChannelID)
	ok, err := r.client.Client.SetNX(ctx, reqKey, payload, ttl).Result()
	if err != nil {
		return nil, errors.StoreError(fmt.Errorf("failed to store request payload: %w", err))
	}
	if !ok {
		return nil, errors.AlreadyQueuedError(req.ChannelID)
	}

	pipe := r.client.Client.TxPipeline()
	pipe.ZAdd(ctx, domain.KeyQueue, redis.Z{Score: r.score(req), Member: req.ChannelID})
	pipe.Set(ctx, idIndexKey(req.ID), req.ChannelID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll back the payload claim so the channel is not stuck half-queued.
		r.client.Client.Del(ctx, reqKey)
		return nil, errors.StoreError(fmt.Errorf("failed to add to queue: %w", err))
	}

	// Cluster-wide "queued" event for immediate-match attempts.
	if err := r.client.Client.Publish(ctx, domain.ChannelQueueEvents, payload).Err(); err != nil {
		logger.Warn("failed to publish queued event: " + err.Error())
	}

	return r.statusFor(ctx, req.ChannelID)
}

// Restore re-inserts a previously claimed request with its original
// timestamp and ID. Used when a match attempt claims a request but finds no
// partner; no "queued" event is emitted to avoid re-triggering matching.
func (r *QueueRepository) Restore(ctx context.Context, req *domain.CallRequest, ttl time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	reqKey := domain.QueueRequestKey(req.ChannelID)
	ok, err := r.client.Client.SetNX(ctx, reqKey, payload, ttl).Result()
	if err != nil {
		return errors.StoreError(fmt.Errorf("failed to restore request payload: %w", err))
	}
	if !ok {
		// The channel queued something newer in the meantime; leave it.
		return nil
	}

	pipe := r.client.Client.TxPipeline()
	pipe.ZAdd(ctx, domain.KeyQueue, redis.Z{Score: r.score(req), Member: req.ChannelID})
	pipe.Set(ctx, idIndexKey(req.ID), req.ChannelID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.client.Client.Del(ctx, reqKey)
		return errors.StoreError(fmt.Errorf("failed to restore queue entry: %w", err))
	}
	return nil
}

// Dequeue claims the request with the given ID. Idempotent: returns false,
// without error, when the request is no longer present. This is the
// primitive that prevents two match attempts from claiming the same side.
func (r *QueueRepository) Dequeue(ctx context.Context, requestID uuid.UUID) (bool, error) {
	channelID, err := r.client.Client.Get(ctx, idIndexKey(requestID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to resolve request id: %w", err))
	}

	keys := []string{domain.KeyQueue, domain.QueueRequestKey(channelID), idIndexKey(requestID)}
	claimed, err := claimScript.Run(ctx, r.client.Client, keys, channelID, requestID.String()).Int()
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to claim request: %w", err))
	}
	return claimed == 1, nil
}

// DequeueByChannel claims whatever request the channel currently has queued.
// Same idempotency guarantee as Dequeue; used for cancellations.
func (r *QueueRepository) DequeueByChannel(ctx context.Context, channelID string) (bool, error) {
	keys := []string{domain.KeyQueue, domain.QueueRequestKey(channelID)}
	claimed, err := claimByChannelScript.Run(ctx, r.client.Client, keys, channelID, queueIDPrefix).Int()
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to claim channel entry: %w", err))
	}
	return claimed == 1, nil
}

// PendingRequests returns all queued requests in rank order. Corrupted or
// orphaned entries are purged and skipped rather than failing the read.
func (r *QueueRepository) PendingRequests(ctx context.Context) ([]domain.CallRequest, error) {
	channelIDs, err := r.client.Client.ZRange(ctx, domain.KeyQueue, 0, -1).Result()
	if err != nil {
		return nil, errors.StoreError(fmt.Errorf("failed to read queue: %w", err))
	}
	if len(channelIDs) == 0 {
		return nil, nil
	}

	requests := make([]domain.CallRequest, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		reqKey := domain.QueueRequestKey(channelID)
		payload, err := r.client.Client.Get(ctx, reqKey).Result()
		if err == redis.Nil {
			// Orphaned index entry: the payload expired but the ZSET member
			// survived. Reconcile by dropping the member.
			r.client.Client.ZRem(ctx, domain.KeyQueue, channelID)
			continue
		}
		if err != nil {
			return nil, errors.StoreError(fmt.Errorf("failed to load request payload: %w", err))
		}

		var req domain.CallRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			logger.Warn("purging corrupt queue entry for channel " + channelID)
			r.client.Client.Del(ctx, reqKey)
			r.client.Client.ZRem(ctx, domain.KeyQueue, channelID)
			continue
		}
		requests = append(requests, req)
	}

	return requests, nil
}

// Rank returns the 0-based position of the channel, or -1 if absent.
func (r *QueueRepository) Rank(ctx context.Context, channelID string) (int64, error) {
	rank, err := r.client.Client.ZRank(ctx, domain.KeyQueue, channelID).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, errors.StoreError(fmt.Errorf("failed to read rank: %w", err))
	}
	return rank, nil
}

// Length returns the number of queued channels.
func (r *QueueRepository) Length(ctx context.Context) (int64, error) {
	length, err := r.client.Client.ZCard(ctx, domain.KeyQueue).Result()
	if err != nil {
		return 0, errors.StoreError(fmt.Errorf("failed to read queue length: %w", err))
	}
	return length, nil
}

// Contains reports whether the channel has a queued request.
func (r *QueueRepository) Contains(ctx context.Context, channelID string) (bool, error) {
	exists, err := r.client.Client.Exists(ctx, domain.QueueRequestKey(channelID)).Result()
	if err != nil {
		return false, errors.StoreError(fmt.Errorf("failed to check queue membership: %w", err))
	}
	return exists > 0, nil
}

func (r *QueueRepository) statusFor(ctx context.Context, channelID string) (*domain.QueueStatus, error) {
	rank, err := r.Rank(ctx, channelID)
	if err != nil {
		return nil, err
	}
	length, err := r.Length(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.QueueStatus{Position: rank + 1, QueueLength: length}, nil
}

// PurgeExpired removes entries whose request timestamp is older than the
// cutoff and reconciles orphaned index entries in both directions. Returns
// the number of entries removed.
func (r *QueueRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	channelIDs, err := r.client.Client.ZRange(ctx, domain.KeyQueue, 0, -1).Result()
	if err != nil {
		return 0, errors.StoreError(fmt.Errorf("failed to read queue: %w", err))
	}

	purged := 0
	for _, channelID := range channelIDs {
		reqKey := domain.QueueRequestKey(channelID)
		payload, err := r.client.Client.Get(ctx, reqKey).Result()
		if err == redis.Nil {
			if n, _ := r.client.Client.ZRem(ctx, domain.KeyQueue, channelID).Result(); n > 0 {
				purged++
			}
			continue
		}
		if err != nil {
			return purged, errors.StoreError(fmt.Errorf("failed to load request payload: %w", err))
		}

		var req domain.CallRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			r.client.Client.Del(ctx, reqKey)
			r.client.Client.ZRem(ctx, domain.KeyQueue, channelID)
			purged++
			continue
		}

		if req.Timestamp.Before(cutoff) {
			claimed, err := r.Dequeue(ctx, req.ID)
			if err != nil {
				return purged, err
			}
			if claimed {
				purged++
			}
		}
	}

	// The other direction: a payload key whose channel never made it into
	// the ordered set (a crash mid-enqueue) would otherwise block that
	// channel from re-enqueueing until the payload TTL expires.
	iter := r.client.Client.Scan(ctx, 0, domain.QueueRequestKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		reqKey := iter.Val()
		channelID := strings.TrimPrefix(reqKey, domain.QueueRequestKey(""))

		_, err := r.client.Client.ZScore(ctx, domain.KeyQueue, channelID).Result()
		if err == nil {
			continue
		}
		if err != redis.Nil {
			return purged, errors.StoreError(fmt.Errorf("failed to check queue membership: %w", err))
		}

		payload, err := r.client.Client.Get(ctx, reqKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return purged, errors.StoreError(fmt.Errorf("failed to load request payload: %w", err))
		}

		var req domain.CallRequest
		if jerr := json.Unmarshal([]byte(payload), &req); jerr == nil {
			r.client.Client.Del(ctx, idIndexKey(req.ID))
		}
		if n, _ := r.client.Client.Del(ctx, reqKey).Result(); n > 0 {
			logger.Warn("purged orphaned queue payload for channel " + channelID)
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, errors.StoreError(fmt.Errorf("failed to scan queue payloads: %w", err))
	}

	return purged, nil
}
