// Package interfaces defines the collaborator abstractions the chatsync core
// calls through. The remote document store, connectivity monitoring, and
// receipt transport are external systems; keeping them behind narrow
// interfaces lets the engines run against real backends in production and
// hand-rolled mocks in tests.
package interfaces

import (
	"context"

	"github.com/opd-ai/chatsync/message"
)

// NetworkQuality classifies the current connection. It is advisory: the
// delivery engine exposes it for UI feedback and the media cache uses it to
// throttle concurrent downloads, but it never changes retry backoff timing.
type NetworkQuality uint8

const (
	// QualityOffline means no connectivity; submits queue immediately.
	QualityOffline NetworkQuality = iota
	// QualityPoor means a degraded connection; downloads are throttled.
	QualityPoor
	// QualityFair means a usable but slow connection.
	QualityFair
	// QualityGood means a healthy connection.
	QualityGood
	// QualityExcellent means full bandwidth is available.
	QualityExcellent
)

// String returns a human-readable name for the quality level.
func (q NetworkQuality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// Online reports whether any connectivity is available.
func (q NetworkQuality) Online() bool {
	return q != QualityOffline
}

// RemoteStore is the client for the remote document database that durably
// stores messages and attachments. All calls are assumed idempotent where
// possible, so retrying after a transient failure is safe. Implementations
// classify failures with the message package sentinels: connectivity-class
// errors wrap message.ErrTransientNetwork, rejections wrap
// message.ErrPermanentValidation.
type RemoteStore interface {
	// PutMessage persists an outbound message and returns its remote ID.
	PutMessage(ctx context.Context, msg *message.OutboundMessage) (string, error)

	// UpdateStatus records a delivery status change for a persisted message.
	UpdateStatus(ctx context.Context, remoteID string, status message.DeliveryStatus) error

	// UploadBinary uploads a local file and returns its remote URL.
	UploadBinary(ctx context.Context, localPath string) (string, error)
}

// ConnectivitySignal delivers network quality transitions to interested
// components. Subscribe returns a channel that receives each transition;
// Current returns the latest observed quality.
type ConnectivitySignal interface {
	Subscribe() <-chan NetworkQuality
	Current() NetworkQuality
}

// ReceiptWriter persists a batch of read receipts for one chat. The read
// tracker coalesces ready candidates into a single call to reduce write
// amplification on the remote store.
type ReceiptWriter interface {
	WriteReceipts(ctx context.Context, chatID string, messageIDs []string) error
}

// BinaryFetcher streams remote attachment bytes. The media cache consumes
// the reader in bounded chunks so cancellation can be observed at chunk
// boundaries.
type BinaryFetcher interface {
	// Fetch opens a stream for the given source URL and reports the total
	// size in bytes, or -1 when the size is unknown up front.
	Fetch(ctx context.Context, sourceURL string) (ByteStream, int64, error)
}

// ByteStream is a readable, closable attachment stream.
type ByteStream interface {
	Read(p []byte) (int, error)
	Close() error
}
