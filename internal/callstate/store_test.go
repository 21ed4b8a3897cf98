package callstate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/domain"
	apperrors "github.com/interchatapp/interchat-calls/pkg/errors"
	"github.com/interchatapp/interchat-calls/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	m.Run()
}

// fakeHot keeps live records and channel pointers in memory with the same
// shape as the shared store: pointers are dropped when a call ends, the
// record itself lingers.
type fakeHot struct {
	mu       sync.Mutex
	calls    map[uuid.UUID]*domain.ActiveCall
	channels map[string]uuid.UUID
}

func newFakeHot() *fakeHot {
	return &fakeHot{
		calls:    make(map[uuid.UUID]*domain.ActiveCall),
		channels: make(map[string]uuid.UUID),
	}
}

func cloneCall(call *domain.ActiveCall) *domain.ActiveCall {
	cp := *call
	cp.Participants = make([]domain.CallParticipant, len(call.Participants))
	for i, p := range call.Participants {
		cp.Participants[i] = p
		cp.Participants[i].Users = domain.NewUserSet(p.Users.IDs()...)
	}
	cp.Messages = append([]domain.CallMessage(nil), call.Messages...)
	return &cp
}

func (h *fakeHot) SaveActive(ctx context.Context, call *domain.ActiveCall, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[call.ID] = cloneCall(call)
	for _, p := range call.Participants {
		h.channels[p.ChannelID] = call.ID
	}
	return nil
}

// Mutate honors the shared-store contract: fn runs on a copy with the lock
// held, so concurrent mutations serialize instead of overwriting each other.
func (h *fakeHot) Mutate(ctx context.Context, callID uuid.UUID, fn func(*domain.ActiveCall) error) (*domain.ActiveCall, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	call, ok := h.calls[callID]
	if !ok {
		return nil, nil
	}
	working := cloneCall(call)
	if err := fn(working); err != nil {
		return nil, err
	}
	h.calls[callID] = cloneCall(working)
	return working, nil
}

func (h *fakeHot) GetByID(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	call, ok := h.calls[callID]
	if !ok {
		return nil, nil
	}
	return cloneCall(call), nil
}

func (h *fakeHot) GetByChannel(ctx context.Context, channelID string) (*domain.ActiveCall, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	callID, ok := h.channels[channelID]
	if !ok {
		return nil, nil
	}
	call, ok := h.calls[callID]
	if !ok {
		return nil, nil
	}
	return cloneCall(call), nil
}

func (h *fakeHot) MarkEnded(ctx context.Context, call *domain.ActiveCall, retention time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[call.ID] = cloneCall(call)
	for _, p := range call.Participants {
		delete(h.channels, p.ChannelID)
	}
	return nil
}

func (h *fakeHot) ActiveCallIDs(ctx context.Context) ([]uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []uuid.UUID
	for id, call := range h.calls {
		if call.Status == domain.CallStatusActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (h *fakeHot) CountActive(ctx context.Context) (int64, error) {
	ids, _ := h.ActiveCallIDs(ctx)
	return int64(len(ids)), nil
}

func (h *fakeHot) evict(callID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.calls, callID)
}

// fakeDurable mimics the insert-once durable table.
type fakeDurable struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*domain.ActiveCall
	inserts int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{rows: make(map[uuid.UUID]*domain.ActiveCall)}
}

func (d *fakeDurable) Insert(ctx context.Context, call *domain.ActiveCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inserts++
	// ON CONFLICT DO NOTHING semantics.
	if _, exists := d.rows[call.ID]; !exists {
		d.rows[call.ID] = cloneCall(call)
	}
	return nil
}

func (d *fakeDurable) GetByID(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[callID]
	if !ok {
		return nil, nil
	}
	return cloneCall(row), nil
}

func stateConfig() config.StateConfig {
	return config.StateConfig{
		ActiveTTL:   24 * time.Hour,
		EndedTTL:    time.Hour,
		ReviewTTL:   48 * time.Hour,
		CallTimeout: 4 * time.Hour,
	}
}

func request(channelID, initiatorID string) domain.CallRequest {
	return domain.CallRequest{
		ID:          uuid.New(),
		ChannelID:   channelID,
		GuildID:     "guild-" + channelID,
		WebhookURL:  "https://hooks.example/" + channelID,
		InitiatorID: initiatorID,
		Timestamp:   time.Now().UTC(),
	}
}

func TestCreateCall(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, call.Status)
	assert.Len(t, call.Participants, 2)
	assert.True(t, call.Participant("chan-a").Users.Contains("user-a"))
	assert.True(t, call.Participant("chan-b").Users.Contains("user-b"))

	// Readable by either channel.
	byChannel, err := store.GetActiveCallByChannel(ctx, "chan-b")
	assert.NoError(t, err)
	assert.Equal(t, call.ID, byChannel.ID)
}

func TestUpdateCallParticipant(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)

	updated, err := store.UpdateCallParticipant(ctx, call.ID, "chan-a", "user-a2", ActionJoined)
	assert.NoError(t, err)
	assert.True(t, updated.Participant("chan-a").Users.Contains("user-a2"))
	assert.Len(t, updated.Participant("chan-a").Users, 2)

	updated, err = store.UpdateCallParticipant(ctx, call.ID, "chan-a", "user-a", ActionLeft)
	assert.NoError(t, err)
	assert.False(t, updated.Participant("chan-a").Users.Contains("user-a"))
	assert.Len(t, updated.Participant("chan-a").Users, 1)
}

func TestUpdateCallParticipantDrainsSide(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)

	updated, err := store.UpdateCallParticipant(ctx, call.ID, "chan-a", "user-a", ActionLeft)
	assert.NoError(t, err)
	assert.Empty(t, updated.Participant("chan-a").Users)
	// The store reports the drain; ending is the caller's decision.
	assert.Equal(t, domain.CallStatusActive, updated.Status)
}

func TestAddCallMessage(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)

	msg := domain.CallMessage{AuthorID: "user-a", AuthorUsername: "alice", Content: "hello"}
	assert.NoError(t, store.AddCallMessage(ctx, call.ID, "chan-a", msg))
	assert.NoError(t, store.AddCallMessage(ctx, call.ID, "chan-a", domain.CallMessage{AuthorID: "user-a", Content: "again"}))

	got, err := store.GetActiveCall(ctx, call.ID)
	assert.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.False(t, got.Messages[0].Timestamp.IsZero())
	assert.Equal(t, 2, got.Participant("chan-a").MessageCount)
	assert.Equal(t, 0, got.Participant("chan-b").MessageCount)
}

func TestAddCallMessageConcurrentRelays(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)

	// Both sides of the call relay messages at the same time, as separate
	// worker processes would. Every append must land in the log.
	const perSide = 50
	var wg sync.WaitGroup
	for _, channelID := range []string{"chan-a", "chan-b"} {
		wg.Add(1)
		go func(channelID string) {
			defer wg.Done()
			for i := 0; i < perSide; i++ {
				msg := domain.CallMessage{
					AuthorID: "user-" + channelID,
					Content:  fmt.Sprintf("message %d", i),
				}
				assert.NoError(t, store.AddCallMessage(ctx, call.ID, channelID, msg))
			}
		}(channelID)
	}
	wg.Wait()

	got, err := store.GetActiveCall(ctx, call.ID)
	assert.NoError(t, err)
	assert.Len(t, got.Messages, 2*perSide)
	assert.Equal(t, perSide, got.Participant("chan-a").MessageCount)
	assert.Equal(t, perSide, got.Participant("chan-b").MessageCount)
}

func TestEndCall(t *testing.T) {
	hot := newFakeHot()
	durable := newFakeDurable()
	store := NewStore(hot, durable, stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)

	ended, err := store.EndCall(ctx, call.ID, domain.EndReasonHangup, false)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, domain.EndReasonHangup, ended.EndReason)
	assert.NotNil(t, ended.EndTime)

	// Channel pointers are gone, so neither side is "in a call" anymore.
	byChannel, err := store.GetActiveCallByChannel(ctx, "chan-a")
	assert.NoError(t, err)
	assert.Nil(t, byChannel)

	// Durable record written.
	row, err := durable.GetByID(ctx, call.ID)
	assert.NoError(t, err)
	assert.NotNil(t, row)
}

func TestEndCallIdempotent(t *testing.T) {
	hot := newFakeHot()
	durable := newFakeDurable()
	store := NewStore(hot, durable, stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)

	first, err := store.EndCall(ctx, call.ID, domain.EndReasonHangup, false)
	assert.NoError(t, err)

	second, err := store.EndCall(ctx, call.ID, domain.EndReasonSkip, false)
	assert.NoError(t, err)
	// The second end is a no-op returning the existing record.
	assert.Equal(t, domain.EndReasonHangup, second.EndReason)
	assert.Equal(t, first.EndTime.Unix(), second.EndTime.Unix())
	assert.Equal(t, 1, durable.inserts)
}

func TestEndCallNotFound(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)

	_, err := store.EndCall(context.Background(), uuid.New(), domain.EndReasonHangup, false)
	assert.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestGetEndedCallDataFallsBackToDurable(t *testing.T) {
	hot := newFakeHot()
	durable := newFakeDurable()
	store := NewStore(hot, durable, stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)
	_, err = store.EndCall(ctx, call.ID, domain.EndReasonHangup, false)
	assert.NoError(t, err)

	// Hot copy still present.
	got, err := store.GetEndedCallData(ctx, call.ID)
	assert.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)

	// Simulate the hot copy's retention expiring.
	hot.evict(call.ID)

	got, err = store.GetEndedCallData(ctx, call.ID)
	assert.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
}

func TestOperationsOnEndedCallRejected(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "user-a"), request("chan-b", "user-b"))
	assert.NoError(t, err)
	_, err = store.EndCall(ctx, call.ID, domain.EndReasonHangup, false)
	assert.NoError(t, err)

	_, err = store.UpdateCallParticipant(ctx, call.ID, "chan-a", "user-x", ActionJoined)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallEnded))

	err = store.AddCallMessage(ctx, call.ID, "chan-a", domain.CallMessage{Content: "late"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallEnded))
}

func TestTimedOutCalls(t *testing.T) {
	hot := newFakeHot()
	store := NewStore(hot, newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	fresh, err := store.CreateCall(ctx, request("chan-a", "u1"), request("chan-b", "u2"))
	assert.NoError(t, err)
	stale, err := store.CreateCall(ctx, request("chan-c", "u3"), request("chan-d", "u4"))
	assert.NoError(t, err)

	// Backdate the second call past the timeout.
	hot.mu.Lock()
	hot.calls[stale.ID].StartTime = time.Now().UTC().Add(-5 * time.Hour)
	hot.mu.Unlock()

	timedOut, err := store.TimedOutCalls(ctx)
	assert.NoError(t, err)
	assert.Len(t, timedOut, 1)
	assert.Equal(t, stale.ID, timedOut[0].ID)
	assert.NotEqual(t, fresh.ID, timedOut[0].ID)
}

func TestGetStateStats(t *testing.T) {
	store := NewStore(newFakeHot(), newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "u1"), request("chan-b", "u2"))
	assert.NoError(t, err)
	_, err = store.CreateCall(ctx, request("chan-c", "u3"), request("chan-d", "u4"))
	assert.NoError(t, err)

	_, err = store.UpdateCallParticipant(ctx, call.ID, "chan-a", "u1b", ActionJoined)
	assert.NoError(t, err)

	stats, err := store.GetStateStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveCalls)
	assert.Equal(t, int64(4), stats.TotalParticipants)
	assert.Equal(t, int64(5), stats.TotalUsers)
}

func TestEndCallReviewFlagExtendsRetention(t *testing.T) {
	hot := newFakeHot()
	store := NewStore(hot, newFakeDurable(), stateConfig(), nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, request("chan-a", "u1"), request("chan-b", "u2"))
	assert.NoError(t, err)

	ended, err := store.EndCall(ctx, call.ID, domain.EndReasonHangup, true)
	assert.NoError(t, err)
	assert.True(t, ended.FlaggedForReview)
}
