package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/interchatapp/interchat-calls/internal/database"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/errors"
)

// keyActiveIndex enumerates the IDs of currently active calls for stats and
// the timeout sweep.
const keyActiveIndex = "call:active:index"

// CallRepository holds the hot ActiveCall records in Redis. The domain layer
// works with proper set types; this adapter is the only place where
// participant user sets are flattened to JSON arrays.
type CallRepository struct {
	client *database.RedisClient
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(client *database.RedisClient) *CallRepository {
	return &CallRepository{client: client}
}

// storedParticipant is the wire form of a CallParticipant.
type storedParticipant struct {
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id"`
	WebhookURL   string    `json:"webhook_url"`
	Users        []string  `json:"users"`
	MessageCount int       `json:"message_count"`
	JoinedAt     time.Time `json:"joined_at"`
}

// storedCall is the wire form of an ActiveCall.
type storedCall struct {
	ID               uuid.UUID            `json:"id"`
	Participants     []storedParticipant  `json:"participants"`
	Messages         []domain.CallMessage `json:"messages"`
	Status           domain.CallStatus    `json:"status"`
	StartTime        time.Time            `json:"start_time"`
	EndTime          *time.Time           `json:"end_time,omitempty"`
	EndReason        domain.EndReason     `json:"end_reason,omitempty"`
	FlaggedForReview bool                 `json:"flagged_for_review,omitempty"`
}

func toStored(call *domain.ActiveCall) *storedCall {
	sc := &storedCall{
		ID:               call.ID,
		Participants:     make([]storedParticipant, 0, len(call.Participants)),
		Messages:         call.Messages,
		Status:           call.Status,
		StartTime:        call.StartTime,
		EndTime:          call.EndTime,
		EndReason:        call.EndReason,
		FlaggedForReview: call.FlaggedForReview,
	}
	for _, p := range call.Participants {
		sc.Participants = append(sc.Participants, storedParticipant{
			ChannelID:    p.ChannelID,
			GuildID:      p.GuildID,
			WebhookURL:   p.WebhookURL,
			Users:        p.Users.IDs(),
			MessageCount: p.MessageCount,
			JoinedAt:     p.JoinedAt,
		})
	}
	return sc
}

func fromStored(sc *storedCall) *domain.ActiveCall {
	call := &domain.ActiveCall{
		ID:               sc.ID,
		Participants:     make([]domain.CallParticipant, 0, len(sc.Participants)),
		Messages:         sc.Messages,
		Status:           sc.Status,
		StartTime:        sc.StartTime,
		EndTime:          sc.EndTime,
		EndReason:        sc.EndReason,
		FlaggedForReview: sc.FlaggedForReview,
	}
	for _, p := range sc.Participants {
		call.Participants = append(call.Participants, domain.CallParticipant{
			ChannelID:    p.ChannelID,
			GuildID:      p.GuildID,
			WebhookURL:   p.WebhookURL,
			Users:        domain.NewUserSet(p.Users...),
			MessageCount: p.MessageCount,
			JoinedAt:     p.JoinedAt,
		})
	}
	return call
}

// SaveActive writes a new active call record, its channel pointers, and the
// active index entry in one transaction.
func (r *CallRepository) SaveActive(ctx context.Context, call *domain.ActiveCall, ttl time.Duration) error {
	data, err := json.Marshal(toStored(call))
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	pipe := r.client.Client.TxPipeline()
	pipe.Set(ctx, domain.ActiveCallKey(call.ID.String()), data, ttl)
	for _, p := range call.Participants {
		pipe.Set(ctx, domain.ChannelCallKey(p.ChannelID), call.ID.String(), ttl)
	}
	pipe.SAdd(ctx, keyActiveIndex, call.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StoreError(fmt.Errorf("failed to save active call: %w", err))
	}
	return nil
}

// maxMutateRetries bounds the optimistic-concurrency loop in Mutate. Each
// failed attempt means another writer got its rewrite in first, so the loop
// always makes cluster-wide progress.
const maxMutateRetries = 1000

// Mutate applies fn to the live record under optimistic concurrency. The
// record key is watched while fn runs on a decoded copy; when a concurrent
// writer rewrites the record first, the transaction is discarded and the
// whole read-modify-write is retried, so no mutation is ever lost. fn may
// therefore run more than once and must not have side effects beyond the
// record. Returns nil without error when the record does not exist; an
// error from fn aborts the rewrite and is returned unchanged.
func (r *CallRepository) Mutate(ctx context.Context, callID uuid.UUID, fn func(*domain.ActiveCall) error) (*domain.ActiveCall, error) {
	key := domain.ActiveCallKey(callID.String())

	var out *domain.ActiveCall
	txf := func(tx *redis.Tx) error {
		out = nil
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return errors.StoreError(fmt.Errorf("failed to get call: %w", err))
		}

		var sc storedCall
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			return errors.CorruptEntryError(key, err)
		}
		call := fromStored(&sc)
		if err := fn(call); err != nil {
			return err
		}

		updated, err := json.Marshal(toStored(call))
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = call
		return nil
	}

	for i := 0; i < maxMutateRetries; i++ {
		err := r.client.Client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, errors.StoreError(fmt.Errorf("call %s rewrite lost the watch %d times", callID, maxMutateRetries))
}

// GetByID retrieves a call by ID, returning nil when it does not exist.
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	data, err := r.client.Client.Get(ctx, domain.ActiveCallKey(callID.String())).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreError(fmt.Errorf("failed to get call: %w", err))
	}

	var sc storedCall
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		// Corrupt record: purge it so readers do not keep tripping over it.
		r.client.Client.Del(ctx, domain.ActiveCallKey(callID.String()))
		r.client.Client.SRem(ctx, keyActiveIndex, callID.String())
		return nil, errors.CorruptEntryError(domain.ActiveCallKey(callID.String()), err)
	}
	return fromStored(&sc), nil
}

// GetByChannel resolves the channel pointer and loads the call. A dangling
// pointer (record gone) is cleaned up and reported as not-found.
func (r *CallRepository) GetByChannel(ctx context.Context, channelID string) (*domain.ActiveCall, error) {
	callIDStr, err := r.client.Client.Get(ctx, domain.ChannelCallKey(channelID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreError(fmt.Errorf("failed to resolve channel call: %w", err))
	}

	callID, err := uuid.Parse(callIDStr)
	if err != nil {
		r.client.Client.Del(ctx, domain.ChannelCallKey(channelID))
		return nil, nil
	}

	call, err := r.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		r.client.Client.Del(ctx, domain.ChannelCallKey(channelID))
		return nil, nil
	}
	return call, nil
}

// MarkEnded rewrites the record with the post-call retention TTL, removes
// the channel pointers, and drops the call from the active index.
func (r *CallRepository) MarkEnded(ctx context.Context, call *domain.ActiveCall, retention time.Duration) error {
	data, err := json.Marshal(toStored(call))
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	pipe := r.client.Client.TxPipeline()
	pipe.Set(ctx, domain.ActiveCallKey(call.ID.String()), data, retention)
	for _, p := range call.Participants {
		pipe.Del(ctx, domain.ChannelCallKey(p.ChannelID))
	}
	pipe.SRem(ctx, keyActiveIndex, call.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StoreError(fmt.Errorf("failed to mark call ended: %w", err))
	}
	return nil
}

// ActiveCallIDs lists the IDs in the active index. Stale entries (index
// member without a live record) are reconciled.
func (r *CallRepository) ActiveCallIDs(ctx context.Context) ([]uuid.UUID, error) {
	idStrs, err := r.client.Client.SMembers(ctx, keyActiveIndex).Result()
	if err != nil {
		return nil, errors.StoreError(fmt.Errorf("failed to list active calls: %w", err))
	}

	ids := make([]uuid.UUID, 0, len(idStrs))
	for _, idStr := range idStrs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			r.client.Client.SRem(ctx, keyActiveIndex, idStr)
			continue
		}
		exists, err := r.client.Client.Exists(ctx, domain.ActiveCallKey(idStr)).Result()
		if err != nil {
			return nil, errors.StoreError(fmt.Errorf("failed to check call record: %w", err))
		}
		if exists == 0 {
			r.client.Client.SRem(ctx, keyActiveIndex, idStr)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CountActive returns the size of the active index.
func (r *CallRepository) CountActive(ctx context.Context) (int64, error) {
	count, err := r.client.Client.SCard(ctx, keyActiveIndex).Result()
	if err != nil {
		return 0, errors.StoreError(fmt.Errorf("failed to count active calls: %w", err))
	}
	return count, nil
}
