package matching

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/internal/events"
	"github.com/interchatapp/interchat-calls/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	m.Run()
}

// fakeQueue reproduces the shared queue's claim semantics in memory:
// Dequeue succeeds exactly once per request, cluster-order iteration is by
// timestamp.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.CallRequest
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[uuid.UUID]*domain.CallRequest)}
}

func (q *fakeQueue) add(req *domain.CallRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[req.ID] = req
}

func (q *fakeQueue) PendingRequests(ctx context.Context) ([]domain.CallRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.CallRequest, 0, len(q.entries))
	for _, req := range q.entries {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, requestID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[requestID]; ok {
		delete(q.entries, requestID)
		return true, nil
	}
	return false, nil
}

func (q *fakeQueue) Restore(ctx context.Context, req *domain.CallRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[req.ID] = req
	return nil
}

func (q *fakeQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// fakeCalls records created calls; fail makes CreateCall error once.
type fakeCalls struct {
	mu    sync.Mutex
	calls []*domain.ActiveCall
	fail  bool
}

func (c *fakeCalls) CreateCall(ctx context.Context, a, b domain.CallRequest) (*domain.ActiveCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		c.fail = false
		return nil, errCreateFailed
	}
	call := &domain.ActiveCall{
		ID:     uuid.New(),
		Status: domain.CallStatusActive,
		Participants: []domain.CallParticipant{
			{ChannelID: a.ChannelID, GuildID: a.GuildID, Users: domain.NewUserSet(a.InitiatorID)},
			{ChannelID: b.ChannelID, GuildID: b.GuildID, Users: domain.NewUserSet(b.InitiatorID)},
		},
		StartTime: time.Now().UTC(),
	}
	c.calls = append(c.calls, call)
	return call, nil
}

func (c *fakeCalls) created() []*domain.ActiveCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.ActiveCall(nil), c.calls...)
}

type fakeCooldown struct {
	mu    sync.Mutex
	pairs map[string]bool
}

func newFakeCooldown() *fakeCooldown {
	return &fakeCooldown{pairs: make(map[string]bool)}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (c *fakeCooldown) InCooldown(ctx context.Context, userA, userB string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairs[pairKey(userA, userB)], nil
}

func (c *fakeCooldown) SetCooldown(ctx context.Context, userA, userB string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs[pairKey(userA, userB)] = true
	return nil
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

const errCreateFailed = errSentinel("create failed")

func matchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		SweepInterval:  time.Second,
		CooldownWindow: 10 * time.Minute,
		AgeGap:         5 * time.Minute,
		GracePeriod:    10 * time.Minute,
	}
}

func queuedRequest(q *fakeQueue, channelID, guildID, initiatorID string, age time.Duration) *domain.CallRequest {
	req := &domain.CallRequest{
		ID:          uuid.New(),
		ChannelID:   channelID,
		GuildID:     guildID,
		InitiatorID: initiatorID,
		Timestamp:   time.Now().UTC().Add(-age),
	}
	q.add(req)
	return req
}

func newTestEngine(q *fakeQueue, calls *fakeCalls, cooldown *fakeCooldown) *Engine {
	return NewEngine(q, calls, cooldown, staticLeader(false), events.NewBus(16), matchingConfig(), nil)
}

func TestFindMatchPairsCompatibleRequests(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	result, err := engine.FindMatch(ctx, req)

	assert.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Len(t, result.Participants, 2)
	assert.Equal(t, 0, q.length())
	assert.Len(t, calls.created(), 1)
}

func TestFindMatchSameGuildRejected(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-1", "user-b", 0)

	result, err := engine.FindMatch(ctx, req)

	assert.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, 2, q.length())
	assert.Empty(t, calls.created())
}

func TestFindMatchSameInitiatorRejected(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-x", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-x", 0)

	result, err := engine.FindMatch(ctx, req)

	assert.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Empty(t, calls.created())
}

func TestFindMatchCooldownRejected(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	cooldown := newFakeCooldown()
	engine := newTestEngine(q, calls, cooldown)
	ctx := context.Background()

	assert.NoError(t, cooldown.SetCooldown(ctx, "user-a", "user-b"))

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	result, err := engine.FindMatch(ctx, req)

	assert.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Empty(t, calls.created())
}

func TestFindMatchAgeGapRequiresGrace(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	// Old request inside the grace period: a fresh one must not pair with it.
	queuedRequest(q, "chan-old", "guild-1", "user-a", 7*time.Minute)
	fresh := queuedRequest(q, "chan-new", "guild-2", "user-b", 0)

	result, err := engine.FindMatch(ctx, fresh)
	assert.NoError(t, err)
	assert.False(t, result.Matched)

	// Once the old request has waited past the grace period the pair is fine.
	q2 := newFakeQueue()
	calls2 := &fakeCalls{}
	engine2 := newTestEngine(q2, calls2, newFakeCooldown())

	queuedRequest(q2, "chan-old", "guild-1", "user-a", 11*time.Minute)
	fresh2 := queuedRequest(q2, "chan-new", "guild-2", "user-b", 0)

	result, err = engine2.FindMatch(ctx, fresh2)
	assert.NoError(t, err)
	assert.True(t, result.Matched)
}

func TestFindMatchSetsCooldown(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	cooldown := newFakeCooldown()
	engine := newTestEngine(q, calls, cooldown)
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	result, err := engine.FindMatch(ctx, req)
	assert.NoError(t, err)
	assert.True(t, result.Matched)

	inCooldown, err := cooldown.InCooldown(ctx, "user-b", "user-a")
	assert.NoError(t, err)
	assert.True(t, inCooldown)
}

func TestFindMatchRequestAlreadyClaimed(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := &domain.CallRequest{
		ID:          uuid.New(),
		ChannelID:   "chan-b",
		GuildID:     "guild-2",
		InitiatorID: "user-b",
		Timestamp:   time.Now().UTC(),
	}
	// req was never queued (or was hung up), so its claim must fail and the
	// candidate must stay in the queue.
	result, err := engine.FindMatch(ctx, req)

	assert.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, 1, q.length())
	assert.Empty(t, calls.created())
}

func TestFindMatchRestoresBothOnCreateFailure(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{fail: true}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	_, err := engine.FindMatch(ctx, req)

	assert.Error(t, err)
	assert.Equal(t, 2, q.length())
	assert.Empty(t, calls.created())
}

func TestConcurrentFindMatchCreatesOneCall(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	var wg sync.WaitGroup
	matched := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := engine.FindMatch(ctx, req)
			if err == nil && result.Matched {
				matched[i] = true
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, m := range matched {
		if m {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, calls.created(), 1)
	assert.Equal(t, 0, q.length())
}

func TestSweepPairsInRankOrder(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	// Four compatible requests; the two oldest should pair with each other
	// first, not with the newest.
	queuedRequest(q, "chan-1", "guild-1", "user-1", 4*time.Minute)
	queuedRequest(q, "chan-2", "guild-2", "user-2", 3*time.Minute)
	queuedRequest(q, "chan-3", "guild-3", "user-3", 2*time.Minute)
	queuedRequest(q, "chan-4", "guild-4", "user-4", time.Minute)

	paired, err := engine.Sweep(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 2, paired)
	assert.Equal(t, 0, q.length())

	created := calls.created()
	assert.Len(t, created, 2)
	first := created[0]
	assert.NotNil(t, first.Participant("chan-1"))
	assert.NotNil(t, first.Participant("chan-2"))
}

func TestSweepSkipsIncompatibleLeftovers(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-1", "guild-1", "user-1", 3*time.Minute)
	queuedRequest(q, "chan-2", "guild-2", "user-2", 2*time.Minute)
	// Same guild as chan-1 so it can only pair with chan-2, which is taken.
	queuedRequest(q, "chan-3", "guild-1", "user-3", time.Minute)

	paired, err := engine.Sweep(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 1, paired)
	assert.Equal(t, 1, q.length())
}

func TestStatsTrackAttempts(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	engine := newTestEngine(q, calls, newFakeCooldown())
	ctx := context.Background()

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	result, err := engine.FindMatch(ctx, req)
	assert.NoError(t, err)
	assert.True(t, result.Matched)

	// A no-candidate attempt.
	lonely := queuedRequest(q, "chan-c", "guild-3", "user-c", 0)
	result, err = engine.FindMatch(ctx, lonely)
	assert.NoError(t, err)
	assert.False(t, result.Matched)

	stats := engine.Stats()
	assert.Equal(t, uint64(2), stats.Attempts)
	assert.Equal(t, uint64(1), stats.Matches)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.Greater(t, stats.AvgLatency, time.Duration(0))
}

func TestMatchedEventPublished(t *testing.T) {
	q := newFakeQueue()
	calls := &fakeCalls{}
	bus := events.NewBus(16)
	defer bus.Close()
	engine := NewEngine(q, calls, newFakeCooldown(), staticLeader(false), bus, matchingConfig(), nil)
	ctx := context.Background()

	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventCallMatched, func(e events.Event) {
		received <- e
	})

	queuedRequest(q, "chan-a", "guild-1", "user-a", time.Second)
	req := queuedRequest(q, "chan-b", "guild-2", "user-b", 0)

	result, err := engine.FindMatch(ctx, req)
	assert.NoError(t, err)
	assert.True(t, result.Matched)

	select {
	case e := <-received:
		assert.Equal(t, result.CallID, e.Call.ID)
	case <-time.After(time.Second):
		t.Fatal("matched event was not published")
	}
}
