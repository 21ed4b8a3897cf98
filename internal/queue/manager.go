package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/logger"
	"github.com/interchatapp/interchat-calls/pkg/metrics"
)

// Store is the shared queue backend. Implemented by redisrepo.QueueRepository.
type Store interface {
	Enqueue(ctx context.Context, req *domain.CallRequest, ttl time.Duration) (*domain.QueueStatus, error)
	Restore(ctx context.Context, req *domain.CallRequest, ttl time.Duration) error
	Dequeue(ctx context.Context, requestID uuid.UUID) (bool, error)
	DequeueByChannel(ctx context.Context, channelID string) (bool, error)
	PendingRequests(ctx context.Context) ([]domain.CallRequest, error)
	Rank(ctx context.Context, channelID string) (int64, error)
	Length(ctx context.Context) (int64, error)
	Contains(ctx context.Context, channelID string) (bool, error)
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// ChannelInfo identifies the channel asking to start a call.
type ChannelInfo struct {
	ChannelID  string
	GuildID    string
	WebhookURL string
}

// Manager is the per-process facade over the shared wait queue. It stamps
// request identity, enforces the queue contract, and runs the periodic
// cleanup pass. Uniqueness and capacity are enforced by the store itself,
// not by in-process locking, so any number of workers can share the queue.
type Manager struct {
	store   Store
	cfg     config.QueueConfig
	metrics *metrics.Metrics

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a new queue manager. metrics may be nil in tests.
func NewManager(store Store, cfg config.QueueConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg,
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// Enqueue creates a CallRequest for the channel and inserts it into the
// shared queue. Returns the request and its queue status.
func (m *Manager) Enqueue(ctx context.Context, channel ChannelInfo, initiatorID string, priority int) (*domain.CallRequest, *domain.QueueStatus, error) {
	req := &domain.CallRequest{
		ID:          uuid.New(),
		ChannelID:   channel.ChannelID,
		GuildID:     channel.GuildID,
		WebhookURL:  channel.WebhookURL,
		InitiatorID: initiatorID,
		Timestamp:   time.Now().UTC(),
		Priority:    priority,
	}

	status, err := m.store.Enqueue(ctx, req, m.cfg.Timeout)
	if err != nil {
		m.recordEnqueue("rejected")
		return nil, nil, err
	}
	m.recordEnqueue("queued")

	logger.Info("call request queued",
		zap.String("channel_id", req.ChannelID),
		zap.String("request_id", req.ID.String()),
		zap.Int64("position", status.Position))

	return req, status, nil
}

// Restore re-inserts a claimed request without emitting a queued event.
func (m *Manager) Restore(ctx context.Context, req *domain.CallRequest) error {
	return m.store.Restore(ctx, req, m.cfg.Timeout)
}

// Dequeue claims the request by ID. Idempotent: exactly one caller
// cluster-wide observes true for a given request.
func (m *Manager) Dequeue(ctx context.Context, requestID uuid.UUID) (bool, error) {
	claimed, err := m.store.Dequeue(ctx, requestID)
	switch {
	case err != nil:
		m.recordDequeue("error")
	case claimed:
		m.recordDequeue("claimed")
	default:
		m.recordDequeue("missed")
	}
	return claimed, err
}

// DequeueByChannel claims whatever the channel currently has queued.
func (m *Manager) DequeueByChannel(ctx context.Context, channelID string) (bool, error) {
	claimed, err := m.store.DequeueByChannel(ctx, channelID)
	switch {
	case err != nil:
		m.recordDequeue("error")
	case claimed:
		m.recordDequeue("claimed")
	default:
		m.recordDequeue("missed")
	}
	return claimed, err
}

// PendingRequests returns the queued requests in rank order.
func (m *Manager) PendingRequests(ctx context.Context) ([]domain.CallRequest, error) {
	return m.store.PendingRequests(ctx)
}

// IsInQueue reports whether the channel has a pending request.
func (m *Manager) IsInQueue(ctx context.Context, channelID string) (bool, error) {
	return m.store.Contains(ctx, channelID)
}

// QueueLength returns the current queue length.
func (m *Manager) QueueLength(ctx context.Context) (int64, error) {
	return m.store.Length(ctx)
}

// QueueStatus returns the channel's position and the queue length, or nil
// when the channel has nothing queued.
func (m *Manager) QueueStatus(ctx context.Context, channelID string) (*domain.QueueStatus, error) {
	rank, err := m.store.Rank(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if rank < 0 {
		return nil, nil
	}
	length, err := m.store.Length(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.QueueStatus{Position: rank + 1, QueueLength: length}, nil
}

// Start launches the periodic cleanup pass.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the cleanup pass and waits for it to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.Timeout)
	purged, err := m.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		logger.Warn("queue cleanup failed", zap.Error(err))
		return
	}
	if purged > 0 {
		logger.Info("purged expired queue entries", zap.Int("count", purged))
		if m.metrics != nil {
			m.metrics.RecordExpirations(purged)
		}
	}

	if m.metrics != nil {
		if length, err := m.store.Length(ctx); err == nil {
			m.metrics.SetQueueLength(length)
		}
	}
}

func (m *Manager) recordEnqueue(result string) {
	if m.metrics != nil {
		m.metrics.RecordEnqueue(result)
	}
}

func (m *Manager) recordDequeue(result string) {
	if m.metrics != nil {
		m.metrics.RecordDequeue(result)
	}
}
