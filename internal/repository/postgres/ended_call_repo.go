package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/interchatapp/interchat-calls/internal/domain"
)

// EndedCallRepository persists finalized call records. A record is written
// exactly once when the call ends; ON CONFLICT DO NOTHING makes concurrent
// end attempts from racing processes harmless.
type EndedCallRepository struct {
	pool *pgxpool.Pool
}

// NewEndedCallRepository creates a new ended-call repository
func NewEndedCallRepository(pool *pgxpool.Pool) *EndedCallRepository {
	return &EndedCallRepository{pool: pool}
}

// Insert writes the ended call. The participant and message payloads are
// stored as JSONB documents; they are immutable once the call has ended.
func (r *EndedCallRepository) Insert(ctx context.Context, call *domain.ActiveCall) error {
	participants, err := json.Marshal(wireParticipants(call.Participants))
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	messages, err := json.Marshal(call.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	query := `
		INSERT INTO ended_calls (
			call_id, participants, messages, start_time, end_time, end_reason, flagged_for_review
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO NOTHING
	`

	_, err = r.pool.Exec(ctx, query,
		call.ID,
		participants,
		messages,
		call.StartTime,
		call.EndTime,
		string(call.EndReason),
		call.FlaggedForReview,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ended call: %w", err)
	}

	return nil
}

// GetByID retrieves an ended call, returning nil when no record exists.
func (r *EndedCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.ActiveCall, error) {
	query := `
		SELECT call_id, participants, messages, start_time, end_time, end_reason, flagged_for_review
		FROM ended_calls
		WHERE call_id = $1
	`

	var (
		participantsJSON []byte
		messagesJSON     []byte
		endReason        string
	)
	call := &domain.ActiveCall{Status: domain.CallStatusEnded}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.ID,
		&participantsJSON,
		&messagesJSON,
		&call.StartTime,
		&call.EndTime,
		&endReason,
		&call.FlaggedForReview,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ended call: %w", err)
	}

	var wire []wireParticipant
	if err := json.Unmarshal(participantsJSON, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	call.Participants = domainParticipants(wire)

	if err := json.Unmarshal(messagesJSON, &call.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}

	call.EndReason = domain.EndReason(endReason)
	return call, nil
}

// wireParticipant flattens the participant user set for storage.
type wireParticipant struct {
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id"`
	WebhookURL   string    `json:"webhook_url"`
	Users        []string  `json:"users"`
	MessageCount int       `json:"message_count"`
	JoinedAt     time.Time `json:"joined_at"`
}

func wireParticipants(ps []domain.CallParticipant) []wireParticipant {
	out := make([]wireParticipant, 0, len(ps))
	for _, p := range ps {
		out = append(out, wireParticipant{
			ChannelID:    p.ChannelID,
			GuildID:      p.GuildID,
			WebhookURL:   p.WebhookURL,
			Users:        p.Users.IDs(),
			MessageCount: p.MessageCount,
			JoinedAt:     p.JoinedAt,
		})
	}
	return out
}

func domainParticipants(ws []wireParticipant) []domain.CallParticipant {
	out := make([]domain.CallParticipant, 0, len(ws))
	for _, w := range ws {
		out = append(out, domain.CallParticipant{
			ChannelID:    w.ChannelID,
			GuildID:      w.GuildID,
			WebhookURL:   w.WebhookURL,
			Users:        domain.NewUserSet(w.Users...),
			MessageCount: w.MessageCount,
			JoinedAt:     w.JoinedAt,
		})
	}
	return out
}
