package bus

import "time"

// Topic names used across the gateway.
const (
	TopicMessage = "message"
	TopicStatus  = "status"
)

// Kind tags the content of an inbound message. Unsupported kinds are an
// explicit case, not an error: the pipeline replies politely and moves on.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindUnsupported Kind = "unsupported"
)

// Inbound is one message received from the messaging platform, published
// on TopicMessage after passing the idempotency guard.
type Inbound struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"` // conversation key (one per user)
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Forwarded bool      `json:"forwarded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a delivery-status update from the platform, published on
// TopicStatus.
type Status struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	RecipientID string    `json:"recipient_id"`
	Timestamp   time.Time `json:"timestamp"`
}
