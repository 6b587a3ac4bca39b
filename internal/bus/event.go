package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds in use:
//
//	network.online / network.offline  — connectivity transitions
//	message.pending                   — optimistic local insert
//	message.send_ack                  — remote write confirmed
//	message.send_failed               — remote write failed, entry queued
//	message.snapshot                  — live message list for a conversation
//	outbox.dropped                    — retries exhausted, entry evicted
//	typing.changed                    — fresh typing user set for a conversation
//	conversation.snapshot             — live conversation list
//	notification.show                 — in-app notification to display
//	presence.changed                  — a watched user's presence update
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
