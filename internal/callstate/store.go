package callstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/errors"
	"github.com/interchatapp/interchat-calls/pkg/logger"
	"github.com/interchatapp/interchat-calls/pkg/metrics"
)

// HotRepository is the shared-store backend for live call records.
// Implemented by redisrepo.CallRepository.
type HotRepository interface {
	SaveActive(ctx context.Context, call *domain.ActiveCall, ttl time.Duration) error
	Mutate(ctx context.Context, callID uuid.UUID, fn func(*domain.ActiveCall) error) (*domain.ActiveCall, error)
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error)
	GetByChannel(ctx context.Context, channelID string) (*domain.ActiveCall, error)
	MarkEnded(ctx context.Context, call *domain.ActiveCall, retention time.Duration) error
	ActiveCallIDs(ctx context.Context) ([]uuid.UUID, error)
	CountActive(ctx context.Context) (int64, error)
}

// DurableRepository persists finalized calls. Implemented by
// postgres.EndedCallRepository.
type DurableRepository interface {
	Insert(ctx context.Context, call *domain.ActiveCall) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error)
}

// ParticipantAction is a participant user-set mutation.
type ParticipantAction string

const (
	ActionJoined ParticipantAction = "joined"
	ActionLeft   ParticipantAction = "left"
)

// StateStats are aggregate counts for observability.
type StateStats struct {
	ActiveCalls       int64 `json:"active_calls"`
	TotalParticipants int64 `json:"total_participants"`
	TotalUsers        int64 `json:"total_users"`
}

// Store is the authoritative record of active calls, readable and writable
// from any worker process. Live records stay in the shared store; ended
// records are written once to the durable store while a hot copy lingers
// with a shortened lifetime.
type Store struct {
	hot     HotRepository
	durable DurableRepository
	cfg     config.StateConfig
	metrics *metrics.Metrics
}

// NewStore creates a new state store. metrics may be nil in tests.
func NewStore(hot HotRepository, durable DurableRepository, cfg config.StateConfig, m *metrics.Metrics) *Store {
	return &Store{hot: hot, durable: durable, cfg: cfg, metrics: m}
}

// CreateCall turns two matched requests into a live call session. Each side
// starts with its initiator as the only present user.
func (s *Store) CreateCall(ctx context.Context, a, b domain.CallRequest) (*domain.ActiveCall, error) {
	now := time.Now().UTC()
	call := &domain.ActiveCall{
		ID:     uuid.New(),
		Status: domain.CallStatusActive,
		Participants: []domain.CallParticipant{
			{
				ChannelID:  a.ChannelID,
				GuildID:    a.GuildID,
				WebhookURL: a.WebhookURL,
				Users:      domain.NewUserSet(a.InitiatorID),
				JoinedAt:   now,
			},
			{
				ChannelID:  b.ChannelID,
				GuildID:    b.GuildID,
				WebhookURL: b.WebhookURL,
				Users:      domain.NewUserSet(b.InitiatorID),
				JoinedAt:   now,
			},
		},
		StartTime: now,
	}

	if err := s.hot.SaveActive(ctx, call, s.cfg.ActiveTTL); err != nil {
		return nil, err
	}

	logger.Info("call created",
		zap.String("call_id", call.ID.String()),
		zap.String("channel_a", a.ChannelID),
		zap.String("channel_b", b.ChannelID))

	s.refreshActiveGauge(ctx)
	return call, nil
}

// GetActiveCall retrieves a live call by ID, nil when absent.
func (s *Store) GetActiveCall(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	return s.hot.GetByID(ctx, callID)
}

// GetActiveCallByChannel retrieves the channel's live call, nil when the
// channel is not in a call.
func (s *Store) GetActiveCallByChannel(ctx context.Context, channelID string) (*domain.ActiveCall, error) {
	return s.hot.GetByChannel(ctx, channelID)
}

// UpdateCallParticipant adds or removes a user from a participant's user
// set and returns the updated call. When a side's user set drains to empty
// the caller is expected to end the call. The mutation runs under the hot
// store's optimistic concurrency, so updates from other workers are never
// overwritten.
func (s *Store) UpdateCallParticipant(ctx context.Context, callID uuid.UUID, channelID, userID string, action ParticipantAction) (*domain.ActiveCall, error) {
	if action != ActionJoined && action != ActionLeft {
		return nil, errors.InvalidInputError(fmt.Sprintf("unknown participant action %q", action))
	}

	call, err := s.hot.Mutate(ctx, callID, func(call *domain.ActiveCall) error {
		if call.Status == domain.CallStatusEnded {
			return errors.CallEndedError()
		}
		participant := call.Participant(channelID)
		if participant == nil {
			return errors.NotFoundError("Call participant")
		}
		switch action {
		case ActionJoined:
			participant.Users.Add(userID)
		case ActionLeft:
			participant.Users.Remove(userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, errors.CallNotFoundError()
	}
	return call, nil
}

// AddCallMessage appends a message to the call log and bumps the
// originating participant's counter. The append runs under the hot store's
// optimistic concurrency: workers relaying both sides of the call never
// drop each other's messages, and the log stays append-only. Concurrent
// appends may interleave; each message carries its own timestamp.
func (s *Store) AddCallMessage(ctx context.Context, callID uuid.UUID, channelID string, msg domain.CallMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	call, err := s.hot.Mutate(ctx, callID, func(call *domain.ActiveCall) error {
		if call.Status == domain.CallStatusEnded {
			return errors.CallEndedError()
		}
		participant := call.Participant(channelID)
		if participant == nil {
			return errors.NotFoundError("Call participant")
		}
		call.Messages = append(call.Messages, msg)
		participant.MessageCount++
		return nil
	})
	if err != nil {
		return err
	}
	if call == nil {
		return errors.CallNotFoundError()
	}

	if s.metrics != nil {
		s.metrics.RecordMessage()
	}
	return nil
}

// EndCall finalizes the call: exactly one durable write, channel pointers
// removed, hot copy retained with a shortened lifetime (extended when the
// call is flagged for moderation review). Idempotent; ending an already
// ended call returns the existing record.
func (s *Store) EndCall(ctx context.Context, callID uuid.UUID, reason domain.EndReason, flaggedForReview bool) (*domain.ActiveCall, error) {
	call, err := s.hot.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		// The hot copy may already be evicted; the durable record wins.
		if ended, derr := s.durable.GetByID(ctx, callID); derr == nil && ended != nil {
			return ended, nil
		}
		return nil, errors.CallNotFoundError()
	}
	if call.Status == domain.CallStatusEnded {
		return call, nil
	}

	now := time.Now().UTC()
	call.Status = domain.CallStatusEnded
	call.EndTime = &now
	call.EndReason = reason
	call.FlaggedForReview = call.FlaggedForReview || flaggedForReview

	if err := s.durable.Insert(ctx, call); err != nil {
		return nil, errors.DatabaseError(err)
	}

	retention := s.cfg.EndedTTL
	if call.FlaggedForReview {
		retention = s.cfg.ReviewTTL
	}
	if err := s.hot.MarkEnded(ctx, call, retention); err != nil {
		return nil, err
	}

	logger.Info("call ended",
		zap.String("call_id", call.ID.String()),
		zap.String("reason", string(reason)),
		zap.Duration("duration", call.Duration(now)))

	if s.metrics != nil {
		s.metrics.RecordCallEnded(string(reason), call.Duration(now))
	}
	s.refreshActiveGauge(ctx)

	return call, nil
}

// GetEndedCallData reads the hot copy first and falls back to the durable
// store once the hot copy has been evicted.
func (s *Store) GetEndedCallData(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	call, err := s.hot.GetByID(ctx, callID)
	if err == nil && call != nil && call.Status == domain.CallStatusEnded {
		return call, nil
	}

	ended, derr := s.durable.GetByID(ctx, callID)
	if derr != nil {
		return nil, errors.DatabaseError(derr)
	}
	if ended == nil {
		return nil, errors.CallNotFoundError()
	}
	return ended, nil
}

// TimedOutCalls returns the live calls older than the configured call
// timeout, for the leader's termination sweep.
func (s *Store) TimedOutCalls(ctx context.Context) ([]*domain.ActiveCall, error) {
	ids, err := s.hot.ActiveCallIDs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var stale []*domain.ActiveCall
	for _, id := range ids {
		call, err := s.hot.GetByID(ctx, id)
		if err != nil || call == nil || call.Status != domain.CallStatusActive {
			continue
		}
		if call.Duration(now) > s.cfg.CallTimeout {
			stale = append(stale, call)
		}
	}
	return stale, nil
}

// GetStateStats returns aggregate counts across all live calls.
func (s *Store) GetStateStats(ctx context.Context) (*StateStats, error) {
	ids, err := s.hot.ActiveCallIDs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &StateStats{ActiveCalls: int64(len(ids))}
	for _, id := range ids {
		call, err := s.hot.GetByID(ctx, id)
		if err != nil || call == nil {
			continue
		}
		stats.TotalParticipants += int64(len(call.Participants))
		for _, p := range call.Participants {
			stats.TotalUsers += int64(len(p.Users))
		}
	}
	return stats, nil
}

func (s *Store) refreshActiveGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if count, err := s.hot.CountActive(ctx); err == nil {
		s.metrics.SetActiveCalls(int(count))
	}
}
