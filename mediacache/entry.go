// Package mediacache makes binary attachments available locally exactly
// once: a priority download queue with bounded concurrency and cooperative
// cancellation, LRU eviction under dual size/count caps, and a pre-cache
// fast path so locally recorded content plays back with zero latency.
package mediacache

import (
	"time"
)

// CacheStatus represents the local availability of an attachment.
type CacheStatus uint8

const (
	// StatusUnseen means the attachment has never been cached locally.
	StatusUnseen CacheStatus = iota
	// StatusQueued means a download task is waiting for a free slot.
	StatusQueued
	// StatusDownloading means bytes are being streamed to disk.
	StatusDownloading
	// StatusUploading means a locally authored file is being copied into
	// the cache store. Local content never passes through Downloading.
	StatusUploading
	// StatusReady means the file is on disk, verified non-empty.
	StatusReady
	// StatusFailed means the transfer failed; a retry is available.
	StatusFailed
	// StatusCancelled means the caller cancelled the download. Not an
	// error: the next request starts fresh from Unseen.
	StatusCancelled
)

// String returns a human-readable name for the status.
func (s CacheStatus) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusQueued:
		return "queued"
	case StatusDownloading:
		return "downloading"
	case StatusUploading:
		return "uploading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Entry is the persisted metadata for one cached attachment. An entry only
// exists once its file is fully on disk; in-flight transfers are tracked as
// tasks, not entries. Invariant: the file at LocalPath exists and is
// non-empty, or the manager self-heals by dropping the entry.
type Entry struct {
	AttachmentID   string    `json:"attachmentId"`
	SourceURL      string    `json:"sourceUrl,omitempty"`
	LocalPath      string    `json:"localPath"`
	SizeBytes      int64     `json:"sizeBytes"`
	Digest         string    `json:"digest"` // hex blake2b-256 of the content
	CachedAt       time.Time `json:"cachedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}
