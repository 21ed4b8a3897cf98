package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/internal/events"
	"github.com/interchatapp/interchat-calls/pkg/logger"
	"github.com/interchatapp/interchat-calls/pkg/metrics"
)

// Queue is the slice of the queue manager the engine needs.
type Queue interface {
	PendingRequests(ctx context.Context) ([]domain.CallRequest, error)
	Dequeue(ctx context.Context, requestID uuid.UUID) (bool, error)
	Restore(ctx context.Context, req *domain.CallRequest) error
}

// CallCreator turns two claimed requests into a live call. Implemented by
// callstate.Store.
type CallCreator interface {
	CreateCall(ctx context.Context, a, b domain.CallRequest) (*domain.ActiveCall, error)
}

// CooldownStore tracks recent-match records per user pair.
type CooldownStore interface {
	InCooldown(ctx context.Context, userA, userB string) (bool, error)
	SetCooldown(ctx context.Context, userA, userB string) error
}

// LeadershipChecker gates the background sweep to the elected leader.
type LeadershipChecker interface {
	IsLeader() bool
}

// Stats are the engine's running match statistics.
type Stats struct {
	Attempts    uint64  `json:"attempts"`
	Matches     uint64  `json:"matches"`
	Failures    uint64  `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
	// AvgLatency is the mean time from enqueue to match across both sides
	// of every successful pairing.
	AvgLatency time.Duration `json:"avg_latency_ns"`
}

// Engine pairs compatible queued requests. Immediate attempts run on any
// process because both sides are claimed through the queue's idempotent
// dequeue; the periodic sweep runs only on the elected leader.
type Engine struct {
	queue    Queue
	calls    CallCreator
	cooldown CooldownStore
	leader   LeadershipChecker
	bus      events.Publisher
	cfg      config.MatchingConfig
	metrics  *metrics.Metrics

	statsMu      sync.Mutex
	attempts     uint64
	matches      uint64
	failures     uint64
	totalLatency time.Duration

	stopOnce    sync.Once
	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewEngine creates a matching engine. metrics may be nil in tests.
func NewEngine(q Queue, calls CallCreator, cooldown CooldownStore, leader LeadershipChecker, bus events.Publisher, cfg config.MatchingConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		queue:    q,
		calls:    calls,
		cooldown: cooldown,
		leader:   leader,
		bus:      bus,
		cfg:      cfg,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

// FindMatch scans the pending queue for a partner compatible with req and,
// on success, claims both sides and creates the call. A false claim on
// either side means another process got there first; the attempt is
// abandoned rather than retried.
func (e *Engine) FindMatch(ctx context.Context, req *domain.CallRequest) (*domain.MatchResult, error) {
	e.countAttempt()

	pending, err := e.queue.PendingRequests(ctx)
	if err != nil {
		e.recordAttempt("error")
		return nil, err
	}

	now := time.Now().UTC()
	for i := range pending {
		candidate := pending[i]
		if candidate.ChannelID == req.ChannelID {
			continue
		}
		if !e.compatible(ctx, req, &candidate, now) {
			continue
		}

		call, ok, err := e.pair(ctx, req, &candidate)
		if err != nil {
			e.recordAttempt("error")
			return nil, err
		}
		if !ok {
			// Our own request was claimed elsewhere; nothing left to match.
			e.recordAttempt("claim_lost")
			return &domain.MatchResult{Matched: false, MatchTime: now}, nil
		}
		if call == nil {
			// Candidate was claimed from under us; keep scanning.
			continue
		}

		e.recordAttempt("matched")
		return &domain.MatchResult{
			Matched:      true,
			CallID:       call.ID,
			Participants: call.Participants,
			MatchTime:    call.StartTime,
		}, nil
	}

	e.recordAttempt("no_candidate")
	return &domain.MatchResult{Matched: false, MatchTime: now}, nil
}

// pair claims candidate then req and creates the call.
// Returns (nil, true, nil) when the candidate claim failed but req is still
// available, and (nil, false, nil) when req itself was claimed elsewhere.
func (e *Engine) pair(ctx context.Context, req, candidate *domain.CallRequest) (*domain.ActiveCall, bool, error) {
	claimed, err := e.queue.Dequeue(ctx, candidate.ID)
	if err != nil {
		return nil, true, err
	}
	if !claimed {
		return nil, true, nil
	}

	claimed, err = e.queue.Dequeue(ctx, req.ID)
	if err != nil || !claimed {
		// Another process is matching req. Put the innocently claimed
		// candidate back so it does not vanish from the queue.
		if rerr := e.queue.Restore(ctx, candidate); rerr != nil {
			logger.Warn("failed to restore claimed candidate",
				zap.String("channel_id", candidate.ChannelID), zap.Error(rerr))
		}
		return nil, false, err
	}

	call, err := e.calls.CreateCall(ctx, *req, *candidate)
	if err != nil {
		// Both sides are claimed but no call exists. Restoring them keeps
		// the queue consistent on the non-crash path; a crash here simply
		// loses the requests, which is the documented recovery model.
		if rerr := e.queue.Restore(ctx, req); rerr != nil {
			logger.Warn("failed to restore request after create failure", zap.Error(rerr))
		}
		if rerr := e.queue.Restore(ctx, candidate); rerr != nil {
			logger.Warn("failed to restore candidate after create failure", zap.Error(rerr))
		}
		return nil, true, err
	}

	e.afterMatch(ctx, req, candidate, call)
	return call, true, nil
}

// compatible applies the pairing rules.
func (e *Engine) compatible(ctx context.Context, a, b *domain.CallRequest, now time.Time) bool {
	// Rule 1: different communities.
	if a.GuildID == b.GuildID {
		return false
	}
	// Rule 2: different initiators.
	if a.InitiatorID == b.InitiatorID {
		return false
	}
	// Rule 3: no recent-match record inside the cooldown window.
	inCooldown, err := e.cooldown.InCooldown(ctx, a.InitiatorID, b.InitiatorID)
	if err != nil {
		logger.Warn("cooldown check failed", zap.Error(err))
		return false
	}
	if inCooldown {
		return false
	}
	// Rule 4: age compatibility. A fresh request only pairs with a much
	// older one after the older side has waited past the grace period.
	gap := a.Timestamp.Sub(b.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > e.cfg.AgeGap {
		older := a.Timestamp
		if b.Timestamp.Before(older) {
			older = b.Timestamp
		}
		if now.Sub(older) < e.cfg.GracePeriod {
			return false
		}
	}
	return true
}

func (e *Engine) afterMatch(ctx context.Context, a, b *domain.CallRequest, call *domain.ActiveCall) {
	if err := e.cooldown.SetCooldown(ctx, a.InitiatorID, b.InitiatorID); err != nil {
		logger.Warn("failed to record match cooldown", zap.Error(err))
	}

	now := time.Now().UTC()
	e.observeLatency(now.Sub(a.Timestamp))
	e.observeLatency(now.Sub(b.Timestamp))
	e.countMatch()

	e.bus.Publish(events.Event{Type: events.EventCallMatched, Call: call})

	logger.Info("match found",
		zap.String("call_id", call.ID.String()),
		zap.String("channel_a", a.ChannelID),
		zap.String("channel_b", b.ChannelID),
		zap.Duration("wait_a", now.Sub(a.Timestamp)),
		zap.Duration("wait_b", now.Sub(b.Timestamp)))
}

// Sweep pairs as many compatible requests as possible in one pass,
// processing the queue in rank order so waiting longest wins. Requests
// claimed earlier in the same pass are skipped.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	pending, err := e.queue.PendingRequests(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	claimed := make(map[uuid.UUID]bool, len(pending))
	paired := 0

	for i := range pending {
		if claimed[pending[i].ID] {
			continue
		}
		for j := i + 1; j < len(pending); j++ {
			if claimed[pending[j].ID] {
				continue
			}
			if !e.compatible(ctx, &pending[i], &pending[j], now) {
				continue
			}

			e.countAttempt()
			call, ok, err := e.pair(ctx, &pending[i], &pending[j])
			if err != nil {
				return paired, err
			}
			if !ok {
				// pending[i] is gone; move on to the next request.
				claimed[pending[i].ID] = true
				break
			}
			if call == nil {
				// pending[j] is gone; try the next candidate.
				claimed[pending[j].ID] = true
				continue
			}

			claimed[pending[i].ID] = true
			claimed[pending[j].ID] = true
			paired++
			e.recordAttempt("matched")
			break
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveSweepDuration(time.Since(start))
	}
	return paired, nil
}

// Start subscribes the immediate-match trigger and launches the background
// sweep loop.
func (e *Engine) Start(ctx context.Context) error {
	if bus, ok := e.bus.(*events.Bus); ok {
		e.unsubscribe = bus.Subscribe(events.EventRequestQueued, func(ev events.Event) {
			if ev.Request == nil {
				return
			}
			if _, err := e.FindMatch(ctx, ev.Request); err != nil {
				logger.Warn("immediate match attempt failed",
					zap.String("channel_id", ev.Request.ChannelID), zap.Error(err))
			}
		})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !e.leader.IsLeader() {
					continue
				}
				if _, err := e.Sweep(ctx); err != nil {
					logger.Warn("matching sweep failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop and the immediate-match subscription.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// Stats returns a snapshot of the running match statistics.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := Stats{
		Attempts: e.attempts,
		Matches:  e.matches,
		Failures: e.failures,
	}
	if e.attempts > 0 {
		s.SuccessRate = float64(e.matches) / float64(e.attempts)
	}
	if e.matches > 0 {
		s.AvgLatency = e.totalLatency / time.Duration(e.matches*2)
	}
	return s
}

func (e *Engine) countAttempt() {
	e.statsMu.Lock()
	e.attempts++
	e.statsMu.Unlock()
}

func (e *Engine) countMatch() {
	e.statsMu.Lock()
	e.matches++
	e.statsMu.Unlock()
}

func (e *Engine) observeLatency(d time.Duration) {
	e.statsMu.Lock()
	e.totalLatency += d
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveMatchLatency(d)
	}
}

func (e *Engine) recordAttempt(result string) {
	if result != "matched" {
		e.statsMu.Lock()
		e.failures++
		e.statsMu.Unlock()
	}
	if e.metrics != nil {
		e.metrics.RecordMatchAttempt(result)
	}
}
