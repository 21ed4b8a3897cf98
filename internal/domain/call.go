package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusActive CallStatus = "ACTIVE"
	CallStatusEnded  CallStatus = "ENDED"
)

// EndReason records why a call reached its terminal state
type EndReason string

const (
	EndReasonHangup  EndReason = "hangup"
	EndReasonSkip    EndReason = "skip"
	EndReasonDrained EndReason = "drained" // one side's user set became empty
	EndReasonTimeout EndReason = "timeout"
)

// ActiveCall is the authoritative record of a paired call session.
// Exactly two participants, one per channel. Once status is ENDED the
// record is immutable and migrates to durable storage.
type ActiveCall struct {
	ID           uuid.UUID         `json:"id"`
	Participants []CallParticipant `json:"participants"`
	Messages     []CallMessage     `json:"messages"`
	Status       CallStatus        `json:"status"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	EndReason    EndReason         `json:"end_reason,omitempty"`
	// FlaggedForReview extends hot-cache retention after the call ends
	// so moderators can pull the transcript.
	FlaggedForReview bool `json:"flagged_for_review,omitempty"`
}

// Participant returns the participant for the given channel, or nil.
func (c *ActiveCall) Participant(channelID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].ChannelID == channelID {
			return &c.Participants[i]
		}
	}
	return nil
}

// OtherParticipant returns the participant on the opposite side of channelID, or nil.
func (c *ActiveCall) OtherParticipant(channelID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].ChannelID != channelID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Duration returns the call duration, using now for still-active calls.
func (c *ActiveCall) Duration(now time.Time) time.Duration {
	if c.EndTime != nil {
		return c.EndTime.Sub(c.StartTime)
	}
	return now.Sub(c.StartTime)
}

// UserSet is the set of human users present on one side of a call.
// Serialization to a JSON array happens only at the store boundary.
type UserSet map[string]struct{}

// NewUserSet builds a set from the given user IDs.
func NewUserSet(userIDs ...string) UserSet {
	s := make(UserSet, len(userIDs))
	for _, id := range userIDs {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts a user into the set.
func (s UserSet) Add(userID string) {
	s[userID] = struct{}{}
}

// Remove deletes a user from the set.
func (s UserSet) Remove(userID string) {
	delete(s, userID)
}

// Contains reports whether the user is in the set.
func (s UserSet) Contains(userID string) bool {
	_, ok := s[userID]
	return ok
}

// IDs returns the members as a slice, order unspecified.
func (s UserSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// CallParticipant represents one side's channel in a call and the set of
// human users currently present there.
type CallParticipant struct {
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id"`
	WebhookURL   string    `json:"webhook_url"`
	Users        UserSet   `json:"-"`
	MessageCount int       `json:"message_count"`
	JoinedAt     time.Time `json:"joined_at"`
}

// CallMessage is a single relayed chat message. Appended in arrival order,
// never mutated or removed.
type CallMessage struct {
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
}
