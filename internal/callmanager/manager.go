package callmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/callstate"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/internal/events"
	"github.com/interchatapp/interchat-calls/internal/matching"
	"github.com/interchatapp/interchat-calls/internal/queue"
	apperrors "github.com/interchatapp/interchat-calls/pkg/errors"
	"github.com/interchatapp/interchat-calls/pkg/logger"
)

// QueueService is the slice of the queue manager the facade uses.
type QueueService interface {
	Enqueue(ctx context.Context, channel queue.ChannelInfo, initiatorID string, priority int) (*domain.CallRequest, *domain.QueueStatus, error)
	DequeueByChannel(ctx context.Context, channelID string) (bool, error)
	QueueStatus(ctx context.Context, channelID string) (*domain.QueueStatus, error)
	QueueLength(ctx context.Context) (int64, error)
	Start(ctx context.Context) error
	Stop()
}

// MatchService is the slice of the matching engine the facade uses.
type MatchService interface {
	FindMatch(ctx context.Context, req *domain.CallRequest) (*domain.MatchResult, error)
	Stats() matching.Stats
	Start(ctx context.Context) error
	Stop()
}

// StateService is the slice of the state store the facade uses.
type StateService interface {
	GetActiveCall(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error)
	GetActiveCallByChannel(ctx context.Context, channelID string) (*domain.ActiveCall, error)
	UpdateCallParticipant(ctx context.Context, callID uuid.UUID, channelID, userID string, action callstate.ParticipantAction) (*domain.ActiveCall, error)
	AddCallMessage(ctx context.Context, callID uuid.UUID, channelID string, msg domain.CallMessage) error
	EndCall(ctx context.Context, callID uuid.UUID, reason domain.EndReason, flaggedForReview bool) (*domain.ActiveCall, error)
	GetEndedCallData(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error)
	GetStateStats(ctx context.Context) (*callstate.StateStats, error)
	TimedOutCalls(ctx context.Context) ([]*domain.ActiveCall, error)
}

// CoordinatorService is the leader-election lifecycle.
type CoordinatorService interface {
	IsLeader() bool
	CurrentLeader(ctx context.Context) (string, error)
	Start(ctx context.Context) error
	Stop()
}

// DistributedStats aggregates the cluster view for the stats surface.
type DistributedStats struct {
	QueueLength int64                 `json:"queue_length"`
	State       *callstate.StateStats `json:"state"`
	Matching    matching.Stats        `json:"matching"`
	IsLeader    bool                  `json:"is_leader"`
	Leader      string                `json:"leader,omitempty"`
}

// Manager is the public lifecycle facade. It is the only component the
// external command layer talks to; every operation returns a uniform
// CallResult with errors translated rather than propagated.
type Manager struct {
	queue QueueService
	state StateService
	match MatchService
	coord CoordinatorService
	bus   events.Publisher

	sweepInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager wires the facade. sweepInterval controls how often the leader
// looks for timed-out calls.
func NewManager(q QueueService, state StateService, match MatchService, coord CoordinatorService, bus events.Publisher, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Manager{
		queue:         q,
		state:         state,
		match:         match,
		coord:         coord,
		bus:           bus,
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
}

// InitiateCall validates that the channel is idle, enqueues it, and attempts
// an immediate match before reporting back.
func (m *Manager) InitiateCall(ctx context.Context, channel queue.ChannelInfo, initiatorID string) domain.CallResult {
	active, err := m.state.GetActiveCallByChannel(ctx, channel.ChannelID)
	if err != nil {
		return failure(err)
	}
	if active != nil {
		return failure(apperrors.AlreadyInCallError(channel.ChannelID))
	}

	req, status, err := m.queue.Enqueue(ctx, channel, initiatorID, 0)
	if err != nil {
		return failure(err)
	}

	result, err := m.match.FindMatch(ctx, req)
	if err != nil {
		// The request is safely queued; the background sweep will pick it up.
		logger.Warn("immediate match failed after enqueue", zap.Error(err))
		return success(fmt.Sprintf("Looking for a partner... position %d of %d", status.Position, status.QueueLength))
	}
	if result.Matched {
		return success("Connected! Your channels are now in a call.")
	}
	return success(fmt.Sprintf("Looking for a partner... position %d of %d", status.Position, status.QueueLength))
}

// HangupCall cancels a queued request or ends the channel's active call.
// The queued-cancel path races a concurrent match attempt on the same
// idempotent dequeue, so exactly one of "cancelled" or "matched" wins.
func (m *Manager) HangupCall(ctx context.Context, channelID string) domain.CallResult {
	cancelled, err := m.queue.DequeueByChannel(ctx, channelID)
	if err != nil {
		return failure(err)
	}
	if cancelled {
		return success("Call request cancelled.")
	}

	call, err := m.state.GetActiveCallByChannel(ctx, channelID)
	if err != nil {
		return failure(err)
	}
	if call == nil {
		return failure(apperrors.NotQueuedError(channelID))
	}

	ended, err := m.state.EndCall(ctx, call.ID, domain.EndReasonHangup, false)
	if err != nil {
		return failure(err)
	}
	m.publishEnded(ended)
	return success("Call ended.")
}

// SkipCall ends the channel's current call and immediately re-enqueues a
// fresh request for the same channel.
func (m *Manager) SkipCall(ctx context.Context, channelID, userID string) domain.CallResult {
	call, err := m.state.GetActiveCallByChannel(ctx, channelID)
	if err != nil {
		return failure(err)
	}
	if call == nil {
		return failure(apperrors.CallNotFoundError())
	}

	participant := call.Participant(channelID)
	if participant == nil {
		return failure(apperrors.NotFoundError("Call participant"))
	}

	ended, err := m.state.EndCall(ctx, call.ID, domain.EndReasonSkip, false)
	if err != nil {
		return failure(err)
	}
	m.publishEnded(ended)

	channel := queue.ChannelInfo{
		ChannelID:  participant.ChannelID,
		GuildID:    participant.GuildID,
		WebhookURL: participant.WebhookURL,
	}
	req, status, err := m.queue.Enqueue(ctx, channel, userID, 0)
	if err != nil {
		return failure(err)
	}

	if result, err := m.match.FindMatch(ctx, req); err == nil && result.Matched {
		return success("Skipped. Connected to a new partner!")
	}
	return success(fmt.Sprintf("Skipped. Looking for a new partner... position %d of %d", status.Position, status.QueueLength))
}

// AddParticipant records a user joining the channel's side of its call.
func (m *Manager) AddParticipant(ctx context.Context, channelID, userID string) domain.CallResult {
	call, err := m.state.GetActiveCallByChannel(ctx, channelID)
	if err != nil {
		return failure(err)
	}
	if call == nil {
		return failure(apperrors.CallNotFoundError())
	}

	if _, err := m.state.UpdateCallParticipant(ctx, call.ID, channelID, userID, callstate.ActionJoined); err != nil {
		return failure(err)
	}
	return success("Joined the call.")
}

// RemoveParticipant records a user leaving; when the side's user set drains
// the call is ended automatically and the other side is notified.
func (m *Manager) RemoveParticipant(ctx context.Context, channelID, userID string) domain.CallResult {
	call, err := m.state.GetActiveCallByChannel(ctx, channelID)
	if err != nil {
		return failure(err)
	}
	if call == nil {
		return failure(apperrors.CallNotFoundError())
	}

	updated, err := m.state.UpdateCallParticipant(ctx, call.ID, channelID, userID, callstate.ActionLeft)
	if err != nil {
		return failure(err)
	}

	participant := updated.Participant(channelID)
	if participant != nil && len(participant.Users) == 0 {
		ended, err := m.state.EndCall(ctx, updated.ID, domain.EndReasonDrained, false)
		if err != nil {
			return failure(err)
		}
		m.publishEnded(ended)
		return success("Everyone left; the call has ended.")
	}
	return success("Left the call.")
}

// UpdateCallMessage is the relay entry point for in-call chat.
func (m *Manager) UpdateCallMessage(ctx context.Context, channelID string, msg domain.CallMessage) domain.CallResult {
	call, err := m.state.GetActiveCallByChannel(ctx, channelID)
	if err != nil {
		return failure(err)
	}
	if call == nil {
		return failure(apperrors.CallNotFoundError())
	}

	if err := m.state.AddCallMessage(ctx, call.ID, channelID, msg); err != nil {
		return failure(err)
	}
	return success("Message relayed.")
}

// GetActiveCall returns the channel's live call, or nil.
func (m *Manager) GetActiveCall(ctx context.Context, channelID string) (*domain.ActiveCall, error) {
	return m.state.GetActiveCallByChannel(ctx, channelID)
}

// GetQueueStatus returns the channel's wait-queue position, or nil.
func (m *Manager) GetQueueStatus(ctx context.Context, channelID string) (*domain.QueueStatus, error) {
	return m.queue.QueueStatus(ctx, channelID)
}

// GetEndedCallData looks up an ended call, hot cache first then durable store.
func (m *Manager) GetEndedCallData(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	return m.state.GetEndedCallData(ctx, callID)
}

// GetDistributedStats aggregates queue, state, and matching statistics.
func (m *Manager) GetDistributedStats(ctx context.Context) (*DistributedStats, error) {
	length, err := m.queue.QueueLength(ctx)
	if err != nil {
		return nil, err
	}
	stateStats, err := m.state.GetStateStats(ctx)
	if err != nil {
		return nil, err
	}
	leader, err := m.coord.CurrentLeader(ctx)
	if err != nil {
		// Leader identity is informational; the rest of the stats still stand.
		logger.Debug("failed to read current leader", zap.Error(err))
	}
	return &DistributedStats{
		QueueLength: length,
		State:       stateStats,
		Matching:    m.match.Stats(),
		IsLeader:    m.coord.IsLeader(),
		Leader:      leader,
	}, nil
}

// Start brings the components up in dependency order: coordinator first so
// leadership is settling while the queue and engine spin up, then the
// timeout sweep.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.coord.Start(ctx); err != nil {
		return err
	}
	if err := m.queue.Start(ctx); err != nil {
		return err
	}
	if err := m.match.Start(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.coord.IsLeader() {
					m.endTimedOutCalls(ctx)
				}
			}
		}
	}()
	return nil
}

// Stop tears the components down in reverse dependency order.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.match.Stop()
	m.queue.Stop()
	m.coord.Stop()
}

func (m *Manager) endTimedOutCalls(ctx context.Context) {
	stale, err := m.state.TimedOutCalls(ctx)
	if err != nil {
		logger.Warn("timeout sweep failed", zap.Error(err))
		return
	}
	for _, call := range stale {
		ended, err := m.state.EndCall(ctx, call.ID, domain.EndReasonTimeout, false)
		if err != nil {
			logger.Warn("failed to end timed-out call",
				zap.String("call_id", call.ID.String()), zap.Error(err))
			continue
		}
		m.publishEnded(ended)
	}
}

func (m *Manager) publishEnded(call *domain.ActiveCall) {
	m.bus.Publish(events.Event{
		Type:   events.EventCallEnded,
		Call:   call,
		Reason: call.EndReason,
	})
}

func success(msg string) domain.CallResult {
	return domain.CallResult{Success: true, Message: msg}
}

func failure(err error) domain.CallResult {
	appErr := apperrors.GetAppError(err)
	logger.Debug("call operation rejected", zap.String("code", string(appErr.Code)), zap.Error(err))
	return domain.CallResult{Success: false, Message: appErr.Message}
}
