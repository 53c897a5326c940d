// Package message defines the shared data model for the chatsync core:
// outbound messages, their delivery lifecycle, and the error taxonomy used
// across the delivery engine and media cache.
package message

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the delivery lifecycle stage of an outbound message.
type DeliveryStatus uint8

const (
	// StatusSending means the message is being sent or is queued for retry.
	StatusSending DeliveryStatus = iota
	// StatusSent means the remote store accepted the message.
	StatusSent
	// StatusDelivered means the recipient's device acknowledged the message.
	StatusDelivered
	// StatusRead means the recipient has read the message.
	StatusRead
	// StatusFailed means delivery was abandoned after exhausting retries
	// or rejected permanently. A manual resend may still be requested.
	StatusFailed
)

// String returns a human-readable name for the status.
func (s DeliveryStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a delivery status transition is legal.
// Status only moves forward along Sending → Sent → Delivered → Read, with
// the single failure branch Sending → Failed. Repeating the current status
// is allowed so that duplicate acknowledgments stay idempotent.
func CanTransition(from, to DeliveryStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusSending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		// Receipts can arrive collapsed: a read receipt implies delivery.
		return to == StatusDelivered || to == StatusRead
	case StatusDelivered:
		return to == StatusRead
	default:
		// Read and Failed are terminal.
		return false
	}
}

// PayloadKind distinguishes the content carried by an outbound message.
type PayloadKind uint8

const (
	// PayloadText is a plain text message.
	PayloadText PayloadKind = iota
	// PayloadAttachment references a binary attachment (voice clip, image).
	PayloadAttachment
)

// Payload is the user-authored content of a message. Exactly one of Text or
// AttachmentID is meaningful, selected by Kind.
type Payload struct {
	Kind         PayloadKind `json:"kind"`
	Text         string      `json:"text,omitempty"`
	AttachmentID string      `json:"attachmentId,omitempty"`
	SourceURL    string      `json:"sourceUrl,omitempty"`
}

// OutboundMessage represents one user-authored message awaiting or having
// completed delivery. Records are serialized to the durable pending queue,
// so every field that must survive a restart carries a JSON tag.
type OutboundMessage struct {
	LocalID       string         `json:"localId"`
	RemoteID      string         `json:"remoteId,omitempty"`
	ChatID        string         `json:"chatId"`
	Payload       Payload        `json:"payload"`
	Status        DeliveryStatus `json:"status"`
	AttemptCount  int            `json:"attemptCount"`
	ManualRetries int            `json:"manualRetries,omitempty"`
	QueuedAt      time.Time      `json:"queuedAt"`
	NextRetryAt   time.Time      `json:"nextRetryAt,omitempty"`
	SentAt        time.Time      `json:"sentAt,omitempty"`
	DeliveredAt   time.Time      `json:"deliveredAt,omitempty"`
	ReadAt        time.Time      `json:"readAt,omitempty"`
}

// NewOutbound creates a new outbound message in the Sending state with a
// freshly generated local ID. The local ID is stable across retries; the
// remote ID is assigned once the remote store accepts the message and is
// immutable afterwards.
func NewOutbound(chatID string, payload Payload) *OutboundMessage {
	return &OutboundMessage{
		LocalID:  uuid.NewString(),
		ChatID:   chatID,
		Payload:  payload,
		Status:   StatusSending,
		QueuedAt: time.Now(),
	}
}

// IsTerminal reports whether the message has left the active delivery
// pipeline. Failed messages are retained only for the manual resend
// affordance.
func (m *OutboundMessage) IsTerminal() bool {
	return m.Status == StatusRead || m.Status == StatusFailed
}
