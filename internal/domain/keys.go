package domain

import "fmt"

// Shared-store key layout. Every worker process reads and writes the same
// keys, so the builders live in one place.

const (
	// KeyQueue is the score-ordered wait queue (ZSET, member = channel ID).
	KeyQueue = "call:queue"

	// KeyLeaderLease is the matchmaker leader-election lease.
	KeyLeaderLease = "call:matchmaker:leader"

	// ChannelQueueEvents is the pub/sub channel for "queued" notifications
	// that drive immediate-match attempts.
	ChannelQueueEvents = "call:events:queued"
)

// QueueRequestKey is the payload index entry for a queued channel.
func QueueRequestKey(channelID string) string {
	return fmt.Sprintf("call:queue:req:%s", channelID)
}

// ActiveCallKey holds the hot JSON record of a call.
func ActiveCallKey(callID string) string {
	return fmt.Sprintf("call:active:%s", callID)
}

// ChannelCallKey maps a channel to the ID of its current call.
func ChannelCallKey(channelID string) string {
	return fmt.Sprintf("call:channel:%s", channelID)
}

// CooldownKey marks a recent match between two users. The pair is ordered
// so both sides produce the same key.
func CooldownKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("call:cooldown:%s:%s", userA, userB)
}
