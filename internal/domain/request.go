package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallRequest represents a channel's pending request to be paired into a call.
// It is created when a channel asks to start a call and is immutable afterwards:
// it either gets matched, withdrawn, or expires out of the queue.
type CallRequest struct {
	ID          uuid.UUID `json:"id"`
	ChannelID   string    `json:"channel_id"`
	GuildID     string    `json:"guild_id"`
	WebhookURL  string    `json:"webhook_url"`
	InitiatorID string    `json:"initiator_id"`
	Timestamp   time.Time `json:"timestamp"`
	Priority    int       `json:"priority"`
}

// QueueStatus describes a channel's place in the wait queue.
// It is derived from queue rank on demand, never stored.
type QueueStatus struct {
	Position    int64 `json:"position"` // 1-based rank in the queue
	QueueLength int64 `json:"queue_length"`
}

// MatchResult is the outcome of a single match attempt.
type MatchResult struct {
	Matched      bool              `json:"matched"`
	CallID       uuid.UUID         `json:"call_id,omitempty"`
	Participants []CallParticipant `json:"participants,omitempty"`
	MatchTime    time.Time         `json:"match_time"`
}

// CallResult is the uniform response returned by every Call Manager operation.
type CallResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
